package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DepositConfirmed records funds arriving from the external reserve into a
// user account.
type DepositConfirmed struct {
	DepositID   uuid.UUID `json:"deposit_id"`
	UserID      uuid.UUID `json:"user_id"`
	AssetName   string    `json:"asset"`
	Amount      uint64    `json:"amount"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

func (e *DepositConfirmed) IdempotencyKey() string {
	return fmt.Sprintf("deposit:%s", e.DepositID)
}

func (e *DepositConfirmed) EventType() EventType {
	return EventTypeDepositConfirmed
}

func (e *DepositConfirmed) AssetContext() *string {
	return &e.AssetName
}

func (e *DepositConfirmed) SourceSequence() int64 {
	return 0
}

// WithdrawalSettled records funds leaving a user account for the external
// reserve.
type WithdrawalSettled struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	UserID       uuid.UUID `json:"user_id"`
	AssetName    string    `json:"asset"`
	Amount       uint64    `json:"amount"`
	SettledAt    time.Time `json:"settled_at"`
}

func (e *WithdrawalSettled) IdempotencyKey() string {
	return fmt.Sprintf("withdrawal:%s", e.WithdrawalID)
}

func (e *WithdrawalSettled) EventType() EventType {
	return EventTypeWithdrawalSettled
}

func (e *WithdrawalSettled) AssetContext() *string {
	return &e.AssetName
}

func (e *WithdrawalSettled) SourceSequence() int64 {
	return 0
}
