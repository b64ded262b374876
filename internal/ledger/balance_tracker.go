package ledger

import (
	"fmt"
	"math"
	"sync"
)

// AuditTracker maintains signed per-account balances derived purely from the
// journal stream, including external reserve legs the Book never holds. With
// every committed batch applied, the tracker is zero-sum per asset: funds
// entering a user account left the external reserve, so the reserve runs
// negative by exactly the net inflow. The tracker shadows the Book for
// integrity checking and replay verification; it is never the authoritative
// store.
type AuditTracker struct {
	mu       sync.RWMutex
	balances map[AccountKey]int64
}

func NewAuditTracker() *AuditTracker {
	return &AuditTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances.
func (at *AuditTracker) ApplyJournal(j Journal) error {
	if j.Amount > math.MaxInt64 {
		return fmt.Errorf("journal %s amount %d exceeds signed range", j.JournalID, j.Amount)
	}
	at.mu.Lock()
	defer at.mu.Unlock()

	at.balances[j.DebitAccount] += int64(j.Amount)
	at.balances[j.CreditAccount] -= int64(j.Amount)
	return nil
}

// ApplyBatch applies all journals in a batch.
func (at *AuditTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	for _, j := range batch.Journals {
		if err := at.ApplyJournal(j); err != nil {
			return err
		}
	}
	return nil
}

// Balance returns the signed balance for an account.
func (at *AuditTracker) Balance(key AccountKey) int64 {
	at.mu.RLock()
	defer at.mu.RUnlock()
	return at.balances[key]
}

// GlobalBalance sums all account balances per asset (zero for a consistent
// journal stream).
func (at *AuditTracker) GlobalBalance() map[AssetID]int64 {
	at.mu.RLock()
	defer at.mu.RUnlock()

	totals := make(map[AssetID]int64)
	for key, balance := range at.balances {
		totals[key.AssetID] += balance
	}
	return totals
}

// Snapshot returns a copy of all balances.
func (at *AuditTracker) Snapshot() map[AccountKey]int64 {
	at.mu.RLock()
	defer at.mu.RUnlock()

	snapshot := make(map[AccountKey]int64, len(at.balances))
	for k, v := range at.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces the tracker contents wholesale during recovery.
func (at *AuditTracker) Restore(balances map[AccountKey]int64) {
	at.mu.Lock()
	defer at.mu.Unlock()

	at.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		at.balances[k] = v
	}
}
