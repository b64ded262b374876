package liquidation

import (
	"context"
	"errors"
	"fmt"

	"LendLedger/internal/fixmath"
	"LendLedger/internal/ledger"
	"LendLedger/internal/loan"

	"github.com/google/uuid"
)

var ErrNotUndercollateralized = errors.New("loan is not undercollateralized")

const (
	// DefaultThresholdPct matches the collateral ratio required at open, so a
	// loan becomes liquidatable as soon as its cover slips below that ratio.
	DefaultThresholdPct = 150
	DefaultBonusPct     = 10
)

// Config holds the liquidation risk parameters.
type Config struct {
	// ThresholdPct: a loan is liquidatable when the collateral value falls
	// below ThresholdPct/100 of the borrow value.
	ThresholdPct uint64
	// BonusPct is the liquidator premium over the borrow value that the
	// collateral must still cover.
	BonusPct uint64
}

func (c Config) Normalise() Config {
	if c.ThresholdPct == 0 {
		c.ThresholdPct = DefaultThresholdPct
	}
	if c.BonusPct == 0 {
		c.BonusPct = DefaultBonusPct
	}
	return c
}

// LoanStore is the slice of the loan manager the engine needs: reading loan
// copies and requesting the Liquidated transition (with its Reopen inverse
// for compensation).
type LoanStore interface {
	Get(loanID uint64) (loan.Loan, bool)
	MarkLiquidated(loanID uint64) (loan.Loan, error)
	Reopen(loanID uint64) error
}

// Engine liquidates undercollateralized loans. Health is evaluated only here,
// against fresh prices; nothing watches loans in the background. The ledger
// effects and the status transition commit before external settlement, and a
// failed settlement unwinds both.
type Engine struct {
	cfg    Config
	book   loan.Balances
	prices loan.PriceSource
	assets loan.AssetTransferer
	loans  LoanStore
}

func NewEngine(cfg Config, book loan.Balances, prices loan.PriceSource, assets loan.AssetTransferer, loans LoanStore) *Engine {
	return &Engine{
		cfg:    cfg.Normalise(),
		book:   book,
		prices: prices,
		assets: assets,
		loans:  loans,
	}
}

// Liquidate closes an undercollateralized loan. The liquidator repays the
// loan principal in the borrow asset and receives the full posted collateral;
// accrued interest is forfeited by the pool. Returns the closed loan copy.
//
// The bonus-adjusted payout bound keeps the engine honest: the collateral
// value must cover borrow value plus the bonus, otherwise the call fails
// InsufficientCollateral and the loan stays active.
func (e *Engine) Liquidate(ctx context.Context, loanID uint64, liquidator uuid.UUID) (loan.Loan, error) {
	l, ok := e.loans.Get(loanID)
	if !ok || l.Status != loan.StatusActive {
		return loan.Loan{}, fmt.Errorf("liquidate loan %d: %w", loanID, loan.ErrLoanNotActive)
	}

	collateralQuote, err := e.prices.GetPrice(l.CollateralAsset)
	if err != nil {
		return loan.Loan{}, fmt.Errorf("liquidate loan %d: collateral price: %w", loanID, err)
	}
	borrowQuote, err := e.prices.GetPrice(l.BorrowAsset)
	if err != nil {
		return loan.Loan{}, fmt.Errorf("liquidate loan %d: borrow price: %w", loanID, err)
	}

	collateralValue, err := fixmath.AssetValue(l.CollateralAmount, collateralQuote.Price)
	if err != nil {
		return loan.Loan{}, fmt.Errorf("liquidate loan %d: collateral value: %w", loanID, err)
	}
	borrowValue, err := fixmath.AssetValue(l.Principal, borrowQuote.Price)
	if err != nil {
		return loan.Loan{}, fmt.Errorf("liquidate loan %d: borrow value: %w", loanID, err)
	}

	bound, err := fixmath.MulDiv(borrowValue, e.cfg.ThresholdPct, fixmath.PercentBase)
	if err != nil {
		return loan.Loan{}, fmt.Errorf("liquidate loan %d: threshold bound: %w", loanID, err)
	}
	if collateralValue >= bound {
		return loan.Loan{}, fmt.Errorf("liquidate loan %d: collateral value %d covers %d: %w",
			loanID, collateralValue, bound, ErrNotUndercollateralized)
	}

	payout, err := fixmath.LiquidationPayout(borrowValue, e.cfg.BonusPct)
	if err != nil {
		return loan.Loan{}, fmt.Errorf("liquidate loan %d: payout: %w", loanID, err)
	}
	if payout > collateralValue {
		return loan.Loan{}, fmt.Errorf("liquidate loan %d: payout %d exceeds collateral value %d: %w",
			loanID, payout, collateralValue, loan.ErrInsufficientCollateral)
	}

	liquidatorBorrow := ledger.NewUserAccount(liquidator, l.BorrowAsset)
	liquidatorCollateral := ledger.NewUserAccount(liquidator, l.CollateralAsset)
	borrowPool := ledger.NewPoolAccount(l.BorrowAsset)
	collateralPool := ledger.NewPoolAccount(l.CollateralAsset)

	// Effects: principal back into the pool, seized collateral out, then the
	// status transition. MarkLiquidated re-checks Active, so a loan closed
	// between the read above and here unwinds cleanly.
	if err := e.book.TransferBetween(liquidatorBorrow, borrowPool, l.Principal); err != nil {
		return loan.Loan{}, fmt.Errorf("liquidate loan %d: collect repayment: %w", loanID, err)
	}
	if err := e.book.TransferBetween(collateralPool, liquidatorCollateral, l.CollateralAmount); err != nil {
		if undoErr := e.book.TransferBetween(borrowPool, liquidatorBorrow, l.Principal); undoErr != nil {
			return loan.Loan{}, fmt.Errorf("liquidate loan %d: seize collateral: %v; repayment unwind also failed: %w", loanID, err, undoErr)
		}
		return loan.Loan{}, fmt.Errorf("liquidate loan %d: seize collateral: %w", loanID, err)
	}
	closed, err := e.loans.MarkLiquidated(loanID)
	if err != nil {
		if undoErr := e.reverseTransfers(liquidatorBorrow, liquidatorCollateral, borrowPool, collateralPool, l.Principal, l.CollateralAmount); undoErr != nil {
			return loan.Loan{}, fmt.Errorf("liquidate loan %d: %v; ledger unwind also failed: %w", loanID, err, undoErr)
		}
		return loan.Loan{}, fmt.Errorf("liquidate loan %d: %w", loanID, err)
	}

	// Interactions: collect the repayment, hand the collateral over.
	if err := e.assets.Transfer(ctx, liquidator, ledger.ProtocolParty, l.BorrowAsset, l.Principal); err != nil {
		if undoErr := e.unwind(loanID, liquidatorBorrow, liquidatorCollateral, borrowPool, collateralPool, l.Principal, l.CollateralAmount); undoErr != nil {
			return loan.Loan{}, fmt.Errorf("liquidate loan %d: repayment settlement failed and %v: %w", loanID, undoErr, err)
		}
		return loan.Loan{}, fmt.Errorf("liquidate loan %d: repayment settlement: %w", loanID, err)
	}
	if err := e.assets.Transfer(ctx, ledger.ProtocolParty, liquidator, l.CollateralAsset, l.CollateralAmount); err != nil {
		if undoErr := e.unwind(loanID, liquidatorBorrow, liquidatorCollateral, borrowPool, collateralPool, l.Principal, l.CollateralAmount); undoErr != nil {
			return loan.Loan{}, fmt.Errorf("liquidate loan %d: collateral settlement failed and %v: %w", loanID, undoErr, err)
		}
		return loan.Loan{}, fmt.Errorf("liquidate loan %d: collateral settlement: %w", loanID, err)
	}

	return closed, nil
}

// unwind reverses a fully committed liquidation after a failed external
// settlement: the loan reopens and both ledger legs are reversed.
func (e *Engine) unwind(loanID uint64, liquidatorBorrow, liquidatorCollateral, borrowPool, collateralPool ledger.AccountKey, principal, collateralAmount uint64) error {
	if err := e.loans.Reopen(loanID); err != nil {
		return fmt.Errorf("reopen: %w", err)
	}
	return e.reverseTransfers(liquidatorBorrow, liquidatorCollateral, borrowPool, collateralPool, principal, collateralAmount)
}

func (e *Engine) reverseTransfers(liquidatorBorrow, liquidatorCollateral, borrowPool, collateralPool ledger.AccountKey, principal, collateralAmount uint64) error {
	if err := e.book.TransferBetween(liquidatorCollateral, collateralPool, collateralAmount); err != nil {
		return fmt.Errorf("unwind collateral seize: %w", err)
	}
	if err := e.book.TransferBetween(borrowPool, liquidatorBorrow, principal); err != nil {
		return fmt.Errorf("unwind liquidation repay: %w", err)
	}
	return nil
}
