package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FlashLoanInitiated records the lend leg of a flash loan.
type FlashLoanInitiated struct {
	FlashID     uuid.UUID `json:"flash_id"`
	Borrower    uuid.UUID `json:"borrower"`
	LoanAsset   string    `json:"asset"`
	Amount      uint64    `json:"amount"`
	InitiatedAt time.Time `json:"initiated_at"`
}

func (e *FlashLoanInitiated) IdempotencyKey() string {
	return fmt.Sprintf("flash:%s:initiated", e.FlashID)
}

func (e *FlashLoanInitiated) EventType() EventType {
	return EventTypeFlashLoanInitiated
}

func (e *FlashLoanInitiated) AssetContext() *string {
	return &e.LoanAsset
}

func (e *FlashLoanInitiated) SourceSequence() int64 {
	return 0
}

// FlashLoanSettled records full repayment; Repaid includes any surplus kept
// by the pool.
type FlashLoanSettled struct {
	FlashID   uuid.UUID `json:"flash_id"`
	Borrower  uuid.UUID `json:"borrower"`
	LoanAsset string    `json:"asset"`
	Amount    uint64    `json:"amount"`
	Repaid    uint64    `json:"repaid"`
	SettledAt time.Time `json:"settled_at"`
}

func (e *FlashLoanSettled) IdempotencyKey() string {
	return fmt.Sprintf("flash:%s:settled", e.FlashID)
}

func (e *FlashLoanSettled) EventType() EventType {
	return EventTypeFlashLoanSettled
}

func (e *FlashLoanSettled) AssetContext() *string {
	return &e.LoanAsset
}

func (e *FlashLoanSettled) SourceSequence() int64 {
	return 0
}

// FlashLoanReverted records a rolled-back flash loan. No journals accompany
// it: the reverted session left no balance changes behind.
type FlashLoanReverted struct {
	FlashID    uuid.UUID `json:"flash_id"`
	Borrower   uuid.UUID `json:"borrower"`
	LoanAsset  string    `json:"asset"`
	Amount     uint64    `json:"amount"`
	Reason     string    `json:"reason"`
	RevertedAt time.Time `json:"reverted_at"`
}

func (e *FlashLoanReverted) IdempotencyKey() string {
	return fmt.Sprintf("flash:%s:reverted", e.FlashID)
}

func (e *FlashLoanReverted) EventType() EventType {
	return EventTypeFlashLoanReverted
}

func (e *FlashLoanReverted) AssetContext() *string {
	return &e.LoanAsset
}

func (e *FlashLoanReverted) SourceSequence() int64 {
	return 0
}
