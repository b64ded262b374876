package loan

import (
	"errors"
	"time"

	"LendLedger/internal/ledger"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientCollateral is returned when the posted collateral's
	// value does not cover the required ratio of the borrowed value.
	ErrInsufficientCollateral = errors.New("insufficient collateral")

	// ErrLoanNotActive is returned for operations on loans that are
	// repaid, liquidated, or unknown.
	ErrLoanNotActive = errors.New("loan not active")

	// ErrNotBorrower is returned when a repayment comes from anyone but
	// the loan's borrower.
	ErrNotBorrower = errors.New("payer is not the borrower")

	// ErrRepayAmountMismatch is returned when the repay amount differs
	// from principal plus accrued interest.
	ErrRepayAmountMismatch = errors.New("repay amount does not match amount due")
)

// Status is the loan lifecycle state. Repaid and Liquidated are terminal;
// the only transitions are Active -> Repaid (full repayment) and
// Active -> Liquidated.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusRepaid
	StatusLiquidated
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusRepaid:
		return "repaid"
	case StatusLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// ParseStatus maps the wire form back to a Status.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "active":
		return StatusActive, true
	case "repaid":
		return StatusRepaid, true
	case "liquidated":
		return StatusLiquidated, true
	}
	return 0, false
}

// Loan is one collateralized position. Terms are captured at open and never
// change; only Status and ClosedAt move, and only through the Manager.
// Loans are never deleted.
type Loan struct {
	ID               uint64
	Borrower         uuid.UUID
	CollateralAsset  ledger.AssetID
	CollateralAmount uint64
	BorrowAsset      ledger.AssetID
	Principal        uint64
	RateBps          uint64 // annual interest rate captured at open
	OpenedAt         time.Time
	Status           Status
	ClosedAt         time.Time // zero until terminal
}

// Config carries the risk parameters applied at open time.
type Config struct {
	// CollateralRatioPct is the minimum collateral value as a percent of
	// borrowed value (150 means 150%).
	CollateralRatioPct uint64
	// AnnualRateBps is the interest rate stamped onto new loans.
	AnnualRateBps uint64
}

const (
	DefaultCollateralRatioPct uint64 = 150
	DefaultAnnualRateBps      uint64 = 500
)

// Normalise fills zero fields with defaults.
func (c Config) Normalise() Config {
	if c.CollateralRatioPct == 0 {
		c.CollateralRatioPct = DefaultCollateralRatioPct
	}
	if c.AnnualRateBps == 0 {
		c.AnnualRateBps = DefaultAnnualRateBps
	}
	return c
}
