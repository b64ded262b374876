package query

import (
	"time"

	"github.com/google/uuid"
)

// LoanResponse represents a loan for API queries. Closed loans carry the
// close time and, for repaid loans, the interest collected.
type LoanResponse struct {
	LoanID           uint64     `json:"loan_id"`
	Borrower         uuid.UUID  `json:"borrower"`
	CollateralAsset  string     `json:"collateral_asset"`
	CollateralAmount int64      `json:"collateral_amount"`
	BorrowAsset      string     `json:"borrow_asset"`
	Principal        int64      `json:"principal"`
	RateBps          int32      `json:"rate_bps"`
	Status           string     `json:"status"`
	OpenedAt         time.Time  `json:"opened_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	InterestPaid     int64      `json:"interest_paid"`
	AsOfSequence     int64      `json:"as_of_sequence"`
}

// LoanFilter narrows a loan listing. Nil fields match everything; AfterID
// makes the listing cursor-paginated.
type LoanFilter struct {
	Borrower *uuid.UUID
	Status   *string
	Limit    int
	AfterID  *uint64
}

// PriceResponse is the latest accepted quote for an asset. Price is a 1e18
// fixed-point integer rendered as a decimal string because it exceeds the
// safe integer range of JSON consumers.
type PriceResponse struct {
	Asset        string    `json:"asset"`
	Price        string    `json:"price"`
	ObservedAt   time.Time `json:"observed_at"`
	FeedSequence int64     `json:"feed_sequence"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification over the
// stored event log and projections.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	Watermark        int64             `json:"watermark"`
	LatestSequence   int64             `json:"latest_sequence"`
}

// UnbalancedAsset is an asset whose balances do not net to zero across all
// accounts, external reserves included.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance int64  `json:"imbalance"`
}
