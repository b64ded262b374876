package flash_test

import (
	"context"
	"errors"
	"testing"

	"LendLedger/internal/flash"
	"LendLedger/internal/ledger"

	"github.com/google/uuid"
)

func mustAsset(t *testing.T, name string) ledger.AssetID {
	t.Helper()
	id, ok := ledger.GetAssetID(name)
	if !ok {
		t.Fatalf("asset %s not registered", name)
	}
	return id
}

func newTestBook(t *testing.T, borrower uuid.UUID) (*ledger.Book, ledger.AssetID) {
	t.Helper()
	usdc := mustAsset(t, "USDC")
	book := ledger.NewBook()
	if err := book.Credit(ledger.NewPoolAccount(usdc), 1_000); err != nil {
		t.Fatalf("fund pool: %v", err)
	}
	if err := book.Credit(ledger.NewUserAccount(borrower, usdc), 20); err != nil {
		t.Fatalf("fund borrower: %v", err)
	}
	return book, usdc
}

func snapshotsEqual(a, b map[ledger.AccountKey]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// fakeComponent exercises checkpoint capture and restore.
type fakeComponent struct {
	state int
}

func (f *fakeComponent) CaptureState() func() {
	prev := f.state
	return func() { f.state = prev }
}

// ============================================================================
// Test: FlashLoan
// ============================================================================

func TestFlashLoan_FullRepayment_Commits(t *testing.T) {
	borrower := uuid.New()
	book, usdc := newTestBook(t, borrower)
	coord := flash.NewCoordinator(book)

	var seenDuringCallback uint64
	res, err := coord.FlashLoan(context.Background(), borrower, usdc, 100, func(ctx context.Context, s *flash.Session) error {
		seenDuringCallback = book.Balance(ledger.NewUserAccount(borrower, usdc))
		return s.Repay(s.Amount())
	})
	if err != nil {
		t.Fatalf("FlashLoan failed: %v", err)
	}
	if res.Amount != 100 || res.Repaid != 100 {
		t.Errorf("result: got %+v, want amount 100 repaid 100", res)
	}
	if seenDuringCallback != 120 {
		t.Errorf("callback should see the loaned funds, got %d", seenDuringCallback)
	}
	if got := book.Balance(ledger.NewPoolAccount(usdc)); got != 1_000 {
		t.Errorf("pool: got %d, want 1_000", got)
	}
	if got := book.Balance(ledger.NewUserAccount(borrower, usdc)); got != 20 {
		t.Errorf("borrower: got %d, want 20", got)
	}
}

func TestFlashLoan_UnderRepayment_RollsBack(t *testing.T) {
	borrower := uuid.New()
	book, usdc := newTestBook(t, borrower)
	coord := flash.NewCoordinator(book)
	before := book.Snapshot()

	_, err := coord.FlashLoan(context.Background(), borrower, usdc, 100, func(ctx context.Context, s *flash.Session) error {
		return s.Repay(99)
	})
	if !errors.Is(err, flash.ErrFlashLoanNotRepaid) {
		t.Fatalf("expected ErrFlashLoanNotRepaid, got %v", err)
	}

	if !snapshotsEqual(before, book.Snapshot()) {
		t.Errorf("book must be identical after revert:\nbefore %v\nafter  %v", before, book.Snapshot())
	}
}

func TestFlashLoan_CallbackError_RollsBack(t *testing.T) {
	borrower := uuid.New()
	book, usdc := newTestBook(t, borrower)
	coord := flash.NewCoordinator(book)
	before := book.Snapshot()

	boom := errors.New("strategy failed")
	_, err := coord.FlashLoan(context.Background(), borrower, usdc, 100, func(ctx context.Context, s *flash.Session) error {
		// Full repayment does not save an erroring callback.
		if err := s.Repay(100); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}

	if !snapshotsEqual(before, book.Snapshot()) {
		t.Errorf("book must be identical after revert:\nbefore %v\nafter  %v", before, book.Snapshot())
	}
}

func TestFlashLoan_Surplus_StaysWithPool(t *testing.T) {
	borrower := uuid.New()
	book, usdc := newTestBook(t, borrower)
	coord := flash.NewCoordinator(book)

	res, err := coord.FlashLoan(context.Background(), borrower, usdc, 100, func(ctx context.Context, s *flash.Session) error {
		return s.Repay(105)
	})
	if err != nil {
		t.Fatalf("FlashLoan failed: %v", err)
	}
	if res.Repaid != 105 {
		t.Errorf("repaid: got %d, want 105", res.Repaid)
	}
	if got := book.Balance(ledger.NewPoolAccount(usdc)); got != 1_005 {
		t.Errorf("pool should keep the surplus, got %d", got)
	}
	if got := book.Balance(ledger.NewUserAccount(borrower, usdc)); got != 15 {
		t.Errorf("borrower: got %d, want 15", got)
	}
}

func TestFlashLoan_ExceedsPool_InsufficientLiquidity(t *testing.T) {
	borrower := uuid.New()
	book, usdc := newTestBook(t, borrower)
	coord := flash.NewCoordinator(book)

	_, err := coord.FlashLoan(context.Background(), borrower, usdc, 2_000, func(ctx context.Context, s *flash.Session) error {
		t.Error("callback must not run")
		return nil
	})
	if !errors.Is(err, ledger.ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestFlashLoan_ZeroAmount_Rejected(t *testing.T) {
	borrower := uuid.New()
	book, usdc := newTestBook(t, borrower)
	coord := flash.NewCoordinator(book)

	_, err := coord.FlashLoan(context.Background(), borrower, usdc, 0, func(ctx context.Context, s *flash.Session) error {
		t.Error("callback must not run")
		return nil
	})
	if !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestFlashLoan_CallbackPanic_RollsBack(t *testing.T) {
	borrower := uuid.New()
	book, usdc := newTestBook(t, borrower)
	coord := flash.NewCoordinator(book)
	before := book.Snapshot()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic should propagate to the caller")
			}
		}()
		_, _ = coord.FlashLoan(context.Background(), borrower, usdc, 100, func(ctx context.Context, s *flash.Session) error {
			if err := s.Repay(50); err != nil {
				return err
			}
			panic("callback exploded")
		})
	}()

	if !snapshotsEqual(before, book.Snapshot()) {
		t.Errorf("book must be identical after panic:\nbefore %v\nafter  %v", before, book.Snapshot())
	}
}

func TestFlashLoan_CheckpointRestoredOnRevert(t *testing.T) {
	borrower := uuid.New()
	book, usdc := newTestBook(t, borrower)
	comp := &fakeComponent{state: 1}
	coord := flash.NewCoordinator(book, comp)

	_, err := coord.FlashLoan(context.Background(), borrower, usdc, 100, func(ctx context.Context, s *flash.Session) error {
		comp.state = 99
		return s.Repay(99) // under-repaid
	})
	if !errors.Is(err, flash.ErrFlashLoanNotRepaid) {
		t.Fatalf("expected ErrFlashLoanNotRepaid, got %v", err)
	}
	if comp.state != 1 {
		t.Errorf("checkpoint should restore component state, got %d", comp.state)
	}

	// A settled loan keeps the component mutation.
	_, err = coord.FlashLoan(context.Background(), borrower, usdc, 100, func(ctx context.Context, s *flash.Session) error {
		comp.state = 42
		return s.Repay(100)
	})
	if err != nil {
		t.Fatalf("FlashLoan failed: %v", err)
	}
	if comp.state != 42 {
		t.Errorf("settled loan should keep component state, got %d", comp.state)
	}
}

func TestFlashLoan_NestedRevertUndoesInnerCommit(t *testing.T) {
	borrower := uuid.New()
	book, usdc := newTestBook(t, borrower)
	eth := mustAsset(t, "ETH")
	if err := book.Credit(ledger.NewPoolAccount(eth), 500); err != nil {
		t.Fatalf("fund ETH pool: %v", err)
	}
	if err := book.Credit(ledger.NewUserAccount(borrower, eth), 10); err != nil {
		t.Fatalf("fund borrower ETH: %v", err)
	}
	coord := flash.NewCoordinator(book)
	before := book.Snapshot()

	_, err := coord.FlashLoan(context.Background(), borrower, usdc, 100, func(ctx context.Context, outer *flash.Session) error {
		// Inner flash loan on another pool settles with a surplus.
		res, err := coord.FlashLoan(ctx, borrower, eth, 50, func(ctx context.Context, inner *flash.Session) error {
			return inner.Repay(55)
		})
		if err != nil {
			return err
		}
		if res.Repaid != 55 {
			t.Errorf("inner repaid: got %d, want 55", res.Repaid)
		}
		// Then the outer loan under-repays.
		return outer.Repay(99)
	})
	if !errors.Is(err, flash.ErrFlashLoanNotRepaid) {
		t.Fatalf("expected ErrFlashLoanNotRepaid, got %v", err)
	}

	// The outer revert takes the inner, already committed, surplus with it.
	if !snapshotsEqual(before, book.Snapshot()) {
		t.Errorf("book must be identical after outer revert:\nbefore %v\nafter  %v", before, book.Snapshot())
	}
}
