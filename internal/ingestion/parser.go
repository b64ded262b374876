package ingestion

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"LendLedger/internal/core"
)

// priceQuoteJSON is the payload received on lend.prices.updates.<asset>.
// Field names use snake_case to match upstream producers. Price is a 1e18
// fixed-point integer sent as a decimal string: the full uint64 range does
// not survive a JSON double.
type priceQuoteJSON struct {
	Asset        string `json:"asset"`
	Price        string `json:"price"`
	ObservedAtUs int64  `json:"observed_at_us"`
	FeedSequence int64  `json:"feed_sequence"`
	Source       string `json:"source,omitempty"`
}

// ParsePriceQuote converts feed bytes into a quote submission for the core.
// Shape errors are permanent: the caller should ack and drop rather than
// redeliver.
func ParsePriceQuote(data []byte) (core.PriceUpdate, error) {
	var j priceQuoteJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.PriceUpdate{}, fmt.Errorf("parse price quote: %w", err)
	}

	if j.Asset == "" {
		return core.PriceUpdate{}, fmt.Errorf("parse price quote: missing asset")
	}
	price, err := strconv.ParseUint(j.Price, 10, 64)
	if err != nil {
		return core.PriceUpdate{}, fmt.Errorf("parse price %q: %w", j.Price, err)
	}
	if j.ObservedAtUs <= 0 {
		return core.PriceUpdate{}, fmt.Errorf("parse price quote: missing observed_at_us")
	}

	return core.PriceUpdate{
		Asset:        j.Asset,
		Price:        price,
		ObservedAt:   time.UnixMicro(j.ObservedAtUs).UTC(),
		FeedSequence: j.FeedSequence,
	}, nil
}
