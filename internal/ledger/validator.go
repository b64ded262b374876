package ledger

import (
	"fmt"
	"math"
)

// InvariantValidator checks ledger invariants across the authoritative Book
// and the journal-derived AuditTracker.
type InvariantValidator struct {
	book    *Book
	tracker *AuditTracker
}

func NewInvariantValidator(book *Book, tracker *AuditTracker) *InvariantValidator {
	return &InvariantValidator{
		book:    book,
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies a batch is balanced and well-formed.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the journal stream is zero-sum per asset.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.GlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", assetID.Name(), total)
		}
	}
	return nil
}

// ValidateInternalNonNegative verifies no internal account went negative in
// the journal-derived view. External reserve accounts are expected negative.
func (v *InvariantValidator) ValidateInternalNonNegative() error {
	for key, balance := range v.tracker.Snapshot() {
		if key.Internal() && balance < 0 {
			return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
		}
	}
	return nil
}

// ValidateBookAgreement verifies the authoritative book and the
// journal-derived view hold identical balances for every internal account.
// Disagreement means a mutation happened without a journal, or a journal
// was recorded for a mutation that never committed.
func (v *InvariantValidator) ValidateBookAgreement() error {
	tracked := v.tracker.Snapshot()
	booked := v.book.Snapshot()

	for key, signed := range tracked {
		if !key.Internal() {
			continue
		}
		if signed < 0 {
			return fmt.Errorf("account %s has negative tracked balance: %d", key.AccountPath(), signed)
		}
		if uint64(signed) != booked[key] {
			return fmt.Errorf("account %s: book holds %d, journals say %d", key.AccountPath(), booked[key], signed)
		}
		delete(booked, key)
	}
	for key, bal := range booked {
		if bal != 0 {
			return fmt.Errorf("account %s: book holds %d with no journal trail", key.AccountPath(), bal)
		}
	}
	return nil
}

// ValidatePoolWithinRange verifies the pool balance for an asset fits the
// signed range used by persistence.
func (v *InvariantValidator) ValidatePoolWithinRange(assetID AssetID) error {
	bal := v.book.Balance(NewPoolAccount(assetID))
	if bal > math.MaxInt64 {
		return fmt.Errorf("pool %s balance %d exceeds signed range", assetID.Name(), bal)
	}
	return nil
}
