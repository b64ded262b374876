package event

import (
	"encoding/json"
	"fmt"
)

// EncodePayload serializes an event payload for the envelope and the event
// log.
func EncodePayload(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.EventType(), err)
	}
	return data, nil
}

// DecodePayload reverses EncodePayload during recovery replay.
func DecodePayload(et EventType, data []byte) (Event, error) {
	var e Event
	switch et {
	case EventTypeDepositConfirmed:
		e = &DepositConfirmed{}
	case EventTypeWithdrawalSettled:
		e = &WithdrawalSettled{}
	case EventTypePriceUpdated:
		e = &PriceUpdated{}
	case EventTypeLoanOpened:
		e = &LoanOpened{}
	case EventTypeLoanRepaid:
		e = &LoanRepaid{}
	case EventTypeLoanLiquidated:
		e = &LoanLiquidated{}
	case EventTypeFlashLoanInitiated:
		e = &FlashLoanInitiated{}
	case EventTypeFlashLoanSettled:
		e = &FlashLoanSettled{}
	case EventTypeFlashLoanReverted:
		e = &FlashLoanReverted{}
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", et, err)
	}
	return e, nil
}
