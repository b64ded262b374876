package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"LendLedger/internal/fixmath"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the account
	// balance. Balances are unsigned and can never go below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientLiquidity is returned when the protocol pool cannot
	// cover a principal release or a flash loan.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrAssetMismatch is returned when a transfer pairs accounts of
	// different assets.
	ErrAssetMismatch = errors.New("asset mismatch between accounts")

	// ErrInvalidAmount is returned for zero amounts and amounts beyond the
	// int64 range of the journal store.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Book is the authoritative in-memory balance store. It holds internal
// accounts only (user and protocol scopes); external reserve accounts exist
// in journals and projections but never here. Every mutation is checked:
// credits fail on uint64 overflow, debits fail on overdraw, and nothing
// wraps. The book makes no external calls.
type Book struct {
	mu       sync.RWMutex
	balances map[AccountKey]uint64
	sessions []*Session // open rollback sessions, innermost last
}

func NewBook() *Book {
	return &Book{balances: make(map[AccountKey]uint64)}
}

// Balance returns the current balance, zero for accounts never credited.
func (b *Book) Balance(key AccountKey) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[key]
}

// validAmount rejects zero and amounts beyond the int64 range of the journal
// store.
func validAmount(amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if amount > math.MaxInt64 {
		return fmt.Errorf("amount %d beyond ledger range: %w", amount, ErrInvalidAmount)
	}
	return nil
}

// Credit adds amount to the account, creating it on first use.
func (b *Book) Credit(key AccountKey, amount uint64) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	next, err := fixmath.CheckedAdd(b.balances[key], amount)
	if err != nil {
		return fmt.Errorf("credit %s by %d: %w", key.AccountPath(), amount, err)
	}
	b.capture(key)
	b.balances[key] = next
	return nil
}

// Debit removes amount from the account.
func (b *Book) Debit(key AccountKey, amount uint64) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balances[key]
	if amount > bal {
		return fmt.Errorf("debit %s: have %d, need %d: %w", key.AccountPath(), bal, amount, ErrInsufficientBalance)
	}
	b.capture(key)
	b.balances[key] = bal - amount
	return nil
}

// TransferBetween moves amount from one account to another. Both legs are
// validated before either balance changes, so a failed transfer mutates
// nothing.
func (b *Book) TransferBetween(from, to AccountKey, amount uint64) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if from.AssetID != to.AssetID {
		return fmt.Errorf("transfer %s -> %s: %w", from.AccountPath(), to.AccountPath(), ErrAssetMismatch)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	fromBal := b.balances[from]
	if amount > fromBal {
		return fmt.Errorf("transfer from %s: have %d, need %d: %w", from.AccountPath(), fromBal, amount, ErrInsufficientBalance)
	}
	toNext, err := fixmath.CheckedAdd(b.balances[to], amount)
	if err != nil {
		return fmt.Errorf("transfer to %s: %w", to.AccountPath(), err)
	}
	b.capture(from)
	b.capture(to)
	b.balances[from] = fromBal - amount
	b.balances[to] = toNext
	return nil
}

// ApplyJournal replays a committed journal entry onto the book, skipping
// external legs. Used during recovery; live operations mutate through
// Credit/Debit/TransferBetween.
func (b *Book) ApplyJournal(j Journal) error {
	if j.CreditAccount.Internal() {
		if err := b.Debit(j.CreditAccount, j.Amount); err != nil {
			return fmt.Errorf("replay journal %s: %w", j.JournalID, err)
		}
	}
	if j.DebitAccount.Internal() {
		if err := b.Credit(j.DebitAccount, j.Amount); err != nil {
			return fmt.Errorf("replay journal %s: %w", j.JournalID, err)
		}
	}
	return nil
}

// ApplyBatch replays every journal of a committed batch.
func (b *Book) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	for _, j := range batch.Journals {
		if err := b.ApplyJournal(j); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a copy of all non-zero balances.
func (b *Book) Snapshot() map[AccountKey]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := make(map[AccountKey]uint64, len(b.balances))
	for k, v := range b.balances {
		if v != 0 {
			snap[k] = v
		}
	}
	return snap
}

// Restore replaces the book contents wholesale. Used during recovery before
// journal replay resumes; fails if a session is open.
func (b *Book) Restore(balances map[AccountKey]uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.sessions) != 0 {
		return errors.New("cannot restore book with open sessions")
	}
	b.balances = make(map[AccountKey]uint64, len(balances))
	for k, v := range balances {
		if v != 0 {
			b.balances[k] = v
		}
	}
	return nil
}

// capture records the pre-mutation balance of key into every open session
// that has not touched it yet. Callers hold b.mu.
func (b *Book) capture(key AccountKey) {
	for _, s := range b.sessions {
		if _, seen := s.preimages[key]; !seen {
			s.preimages[key] = b.balances[key]
		}
	}
}

// Session captures balance pre-images so a failed flash loan can undo every
// mutation made while it was open. Sessions nest LIFO; each records its own
// first-touch pre-image per account, so rolling back an inner session leaves
// an outer one intact.
type Session struct {
	book      *Book
	preimages map[AccountKey]uint64
	closed    bool
}

// Begin opens a rollback session.
func (b *Book) Begin() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Session{book: b, preimages: make(map[AccountKey]uint64)}
	b.sessions = append(b.sessions, s)
	return s
}

// Commit closes the session keeping every mutation.
func (s *Session) Commit() {
	s.book.mu.Lock()
	defer s.book.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.book.detach(s)
}

// Rollback closes the session restoring the pre-image of every account it
// saw mutated. Rolling back an already-closed session is a no-op.
func (s *Session) Rollback() {
	s.book.mu.Lock()
	defer s.book.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for key, pre := range s.preimages {
		if pre == 0 {
			delete(s.book.balances, key)
		} else {
			s.book.balances[key] = pre
		}
	}
	s.book.detach(s)
}

func (b *Book) detach(target *Session) {
	for i, s := range b.sessions {
		if s == target {
			b.sessions = append(b.sessions[:i], b.sessions[i+1:]...)
			return
		}
	}
}
