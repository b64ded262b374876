package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LoanOpened records the terms of a committed loan open.
// Idempotency key: loan:<id>:opened.
type LoanOpened struct {
	LoanID           uint64    `json:"loan_id"`
	Borrower         uuid.UUID `json:"borrower"`
	CollateralAsset  string    `json:"collateral_asset"`
	CollateralAmount uint64    `json:"collateral_amount"`
	BorrowAsset      string    `json:"borrow_asset"`
	Principal        uint64    `json:"principal"`
	RateBps          uint64    `json:"rate_bps"`
	OpenedAt         time.Time `json:"opened_at"`
}

func (e *LoanOpened) IdempotencyKey() string {
	return fmt.Sprintf("loan:%d:opened", e.LoanID)
}

func (e *LoanOpened) EventType() EventType {
	return EventTypeLoanOpened
}

func (e *LoanOpened) AssetContext() *string {
	return &e.BorrowAsset
}

func (e *LoanOpened) SourceSequence() int64 {
	return 0
}

// LoanRepaid records a full repayment: principal plus the interest accrued
// to the repayment instant, with the collateral returned.
type LoanRepaid struct {
	LoanID           uint64    `json:"loan_id"`
	Borrower         uuid.UUID `json:"borrower"`
	BorrowAsset      string    `json:"borrow_asset"`
	Principal        uint64    `json:"principal"`
	Interest         uint64    `json:"interest"`
	Total            uint64    `json:"total"`
	CollateralAsset  string    `json:"collateral_asset"`
	CollateralAmount uint64    `json:"collateral_amount"`
	RepaidAt         time.Time `json:"repaid_at"`
}

func (e *LoanRepaid) IdempotencyKey() string {
	return fmt.Sprintf("loan:%d:repaid", e.LoanID)
}

func (e *LoanRepaid) EventType() EventType {
	return EventTypeLoanRepaid
}

func (e *LoanRepaid) AssetContext() *string {
	return &e.BorrowAsset
}

func (e *LoanRepaid) SourceSequence() int64 {
	return 0
}

// LoanLiquidated records a liquidation: the liquidator repaid the principal
// and took the full collateral.
type LoanLiquidated struct {
	LoanID           uint64    `json:"loan_id"`
	Borrower         uuid.UUID `json:"borrower"`
	Liquidator       uuid.UUID `json:"liquidator"`
	BorrowAsset      string    `json:"borrow_asset"`
	Principal        uint64    `json:"principal"`
	CollateralAsset  string    `json:"collateral_asset"`
	CollateralAmount uint64    `json:"collateral_amount"`
	LiquidatedAt     time.Time `json:"liquidated_at"`
}

func (e *LoanLiquidated) IdempotencyKey() string {
	return fmt.Sprintf("loan:%d:liquidated", e.LoanID)
}

func (e *LoanLiquidated) EventType() EventType {
	return EventTypeLoanLiquidated
}

func (e *LoanLiquidated) AssetContext() *string {
	return &e.BorrowAsset
}

func (e *LoanLiquidated) SourceSequence() int64 {
	return 0
}
