package core

import (
	"context"

	"LendLedger/internal/flash"
	"LendLedger/internal/loan"

	"github.com/google/uuid"
)

// FlashSession is the callback's handle on a running flash loan. It exposes
// the engine operations a callback may compose with the borrowed funds; all
// of them run under the engine lock the outer FlashLoan already holds, and
// their events stay buffered until the loan settles. External settlements
// performed by nested operations are not undone by a revert, so flash flows
// that open or repay term loans need a transferer whose effects can be
// deferred or reconciled out of band.
type FlashSession struct {
	engine   *Engine
	session  *flash.Session
	id       uuid.UUID
	borrower uuid.UUID
}

// ID identifies this flash loan in the event log.
func (fs *FlashSession) ID() uuid.UUID {
	return fs.id
}

// Borrower is the party holding the borrowed funds.
func (fs *FlashSession) Borrower() uuid.UUID {
	return fs.borrower
}

// Amount is the loaned amount, also the minimum total repayment.
func (fs *FlashSession) Amount() uint64 {
	return fs.session.Amount()
}

// Asset is the loaned asset.
func (fs *FlashSession) Asset() string {
	return fs.session.AssetID().Name()
}

// Repay returns amount to the pool from the borrower's account. Partial
// repayments accumulate.
func (fs *FlashSession) Repay(amount uint64) error {
	return fs.session.Repay(amount)
}

// Balance reads a user balance as the callback's mutations see it.
func (fs *FlashSession) Balance(userID uuid.UUID, asset string) (uint64, error) {
	return fs.engine.Balance(userID, asset)
}

// PoolBalance reads a pool balance as the callback's mutations see it.
func (fs *FlashSession) PoolBalance(asset string) (uint64, error) {
	return fs.engine.PoolBalance(asset)
}

// AmountDue returns the current repayment owed on a loan.
func (fs *FlashSession) AmountDue(loanID uint64) (loan.Due, error) {
	return fs.engine.AmountDue(loanID)
}

// OpenLoan opens a collateralized loan inside the flash loan.
func (fs *FlashSession) OpenLoan(ctx context.Context, borrower uuid.UUID, collateralAsset string, collateralAmount uint64, borrowAsset string, principal uint64) (uint64, error) {
	return fs.engine.openLoanLocked(ctx, borrower, collateralAsset, collateralAmount, borrowAsset, principal)
}

// RepayLoan repays a term loan inside the flash loan, typically with the
// borrowed funds.
func (fs *FlashSession) RepayLoan(ctx context.Context, loanID uint64, payer uuid.UUID, amount uint64) (loan.Due, error) {
	return fs.engine.repayLoanLocked(ctx, loanID, payer, amount)
}

// Liquidate liquidates an undercollateralized loan inside the flash loan.
func (fs *FlashSession) Liquidate(ctx context.Context, loanID uint64, liquidator uuid.UUID) (loan.Loan, error) {
	return fs.engine.liquidateLocked(ctx, loanID, liquidator)
}

// FlashLoan opens a nested flash loan for the same borrower. Nested loans on
// the same pool are rejected by the reentrancy guard; on other pools they
// settle or revert independently, except that an outer revert also discards
// inner results.
func (fs *FlashSession) FlashLoan(ctx context.Context, asset string, amount uint64, fn func(ctx context.Context, fs *FlashSession) error) (flash.Result, error) {
	return fs.engine.flashLoanLocked(ctx, fs.borrower, asset, amount, fn)
}
