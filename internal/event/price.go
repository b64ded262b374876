package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PriceUpdated records an accepted oracle quote. Price is 1e18 fixed-point.
// Idempotency key: price:<asset>:<observed_at nanos>, so a replayed feed
// message for the same observation deduplicates.
type PriceUpdated struct {
	AssetName    string    `json:"asset"`
	Price        uint64    `json:"price"`
	ObservedAt   time.Time `json:"observed_at"`
	UpdatedBy    uuid.UUID `json:"updated_by"`
	FeedSequence int64     `json:"feed_sequence,omitempty"`
}

func (e *PriceUpdated) IdempotencyKey() string {
	return fmt.Sprintf("price:%s:%d", e.AssetName, e.ObservedAt.UnixNano())
}

func (e *PriceUpdated) EventType() EventType {
	return EventTypePriceUpdated
}

func (e *PriceUpdated) AssetContext() *string {
	return &e.AssetName
}

func (e *PriceUpdated) SourceSequence() int64 {
	return e.FeedSequence
}
