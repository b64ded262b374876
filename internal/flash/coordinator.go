package flash

import (
	"context"
	"errors"
	"fmt"

	"LendLedger/internal/ledger"

	"github.com/google/uuid"
)

var ErrFlashLoanNotRepaid = errors.New("flash loan not repaid")

// Callback runs with the loaned funds already credited to the borrower. It
// must return the full amount to the pool through Session.Repay before
// returning; otherwise every mutation made while it ran is rolled back.
type Callback func(ctx context.Context, s *Session) error

// Checkpointer captures a component's state and returns the function that
// restores it. Components whose state the callback can reach register with
// the coordinator so a revert undoes their mutations too.
type Checkpointer interface {
	CaptureState() func()
}

// Result reports a settled flash loan. Repaid is the total returned through
// Session.Repay; it can exceed Amount, and the surplus stays with the pool.
// Funds reaching the pool by other means count toward repayment sufficiency
// but not toward Repaid.
type Result struct {
	Amount uint64
	Repaid uint64
}

// Coordinator runs atomic flash loans against the pool. The whole call is
// all-or-nothing: on failure the ledger session restores every balance the
// callback touched and registered checkpoints roll the rest back. It is a
// single-flow entry point; callers serialize access per pool.
type Coordinator struct {
	book        *ledger.Book
	checkpoints []Checkpointer
}

func NewCoordinator(book *ledger.Book, checkpoints ...Checkpointer) *Coordinator {
	return &Coordinator{book: book, checkpoints: checkpoints}
}

// FlashLoan lends amount to the borrower for the duration of the callback.
// Repayment is judged by the pool balance: the callback succeeds only if the
// pool ends at or above its starting balance. The deferred revert also runs
// when the callback panics, so state is consistent before the panic resumes.
func (c *Coordinator) FlashLoan(ctx context.Context, borrower uuid.UUID, assetID ledger.AssetID, amount uint64, cb Callback) (Result, error) {
	if amount == 0 {
		return Result{}, fmt.Errorf("flash loan: %w", ledger.ErrInvalidAmount)
	}

	pool := ledger.NewPoolAccount(assetID)
	start := c.book.Balance(pool)
	if amount > start {
		return Result{}, fmt.Errorf("flash loan: pool has %d, need %d: %w", start, amount, ledger.ErrInsufficientLiquidity)
	}

	session := c.book.Begin()
	undos := make([]func(), 0, len(c.checkpoints))
	for _, cp := range c.checkpoints {
		undos = append(undos, cp.CaptureState())
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		session.Rollback()
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
	}()

	borrowerAcct := ledger.NewUserAccount(borrower, assetID)
	if err := c.book.TransferBetween(pool, borrowerAcct, amount); err != nil {
		return Result{}, fmt.Errorf("flash loan: lend: %w", err)
	}

	s := &Session{book: c.book, borrower: borrowerAcct, pool: pool, amount: amount}
	if err := cb(ctx, s); err != nil {
		return Result{}, fmt.Errorf("flash loan: callback: %w", err)
	}

	end := c.book.Balance(pool)
	if end < start {
		return Result{}, fmt.Errorf("flash loan: pool at %d, was %d: %w", end, start, ErrFlashLoanNotRepaid)
	}

	session.Commit()
	committed = true
	return Result{Amount: amount, Repaid: s.repaid}, nil
}

// Session is the callback's handle on the running flash loan.
type Session struct {
	book     *ledger.Book
	borrower ledger.AccountKey
	pool     ledger.AccountKey
	amount   uint64
	repaid   uint64
}

// Amount is the loaned amount, which is also the minimum total repayment.
func (s *Session) Amount() uint64 {
	return s.amount
}

// AssetID is the loaned asset.
func (s *Session) AssetID() ledger.AssetID {
	return s.pool.AssetID
}

// Repay returns amount to the pool from the borrower's account. It may be
// called repeatedly; repayment in parts is fine as long as the total reaches
// the loaned amount.
func (s *Session) Repay(amount uint64) error {
	if err := s.book.TransferBetween(s.borrower, s.pool, amount); err != nil {
		return fmt.Errorf("flash repay: %w", err)
	}
	s.repaid += amount
	return nil
}
