package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositConfirmed
	EventTypeWithdrawalSettled
	EventTypePriceUpdated
	EventTypeLoanOpened
	EventTypeLoanRepaid
	EventTypeLoanLiquidated
	EventTypeFlashLoanInitiated
	EventTypeFlashLoanSettled
	EventTypeFlashLoanReverted
)

// Envelope wraps every event in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Asset context (nil for events without one)
	Asset *string

	// Operation timestamp from the engine clock
	Timestamp time.Time

	// Upstream feed sequence; zero for API-originated events
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// AssetContext returns the asset this event concerns (nil for global
	// events)
	AssetContext() *string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeDepositConfirmed:
		return "DepositConfirmed"
	case EventTypeWithdrawalSettled:
		return "WithdrawalSettled"
	case EventTypePriceUpdated:
		return "PriceUpdated"
	case EventTypeLoanOpened:
		return "LoanOpened"
	case EventTypeLoanRepaid:
		return "LoanRepaid"
	case EventTypeLoanLiquidated:
		return "LoanLiquidated"
	case EventTypeFlashLoanInitiated:
		return "FlashLoanInitiated"
	case EventTypeFlashLoanSettled:
		return "FlashLoanSettled"
	case EventTypeFlashLoanReverted:
		return "FlashLoanReverted"
	default:
		return "Unknown"
	}
}

// EventTypeFromString is the inverse of String, used when decoding stored
// events. Unrecognized names return EventTypeUnknown and false.
func EventTypeFromString(s string) (EventType, bool) {
	switch s {
	case "DepositConfirmed":
		return EventTypeDepositConfirmed, true
	case "WithdrawalSettled":
		return EventTypeWithdrawalSettled, true
	case "PriceUpdated":
		return EventTypePriceUpdated, true
	case "LoanOpened":
		return EventTypeLoanOpened, true
	case "LoanRepaid":
		return EventTypeLoanRepaid, true
	case "LoanLiquidated":
		return EventTypeLoanLiquidated, true
	case "FlashLoanInitiated":
		return EventTypeFlashLoanInitiated, true
	case "FlashLoanSettled":
		return EventTypeFlashLoanSettled, true
	case "FlashLoanReverted":
		return EventTypeFlashLoanReverted, true
	}
	return EventTypeUnknown, false
}
