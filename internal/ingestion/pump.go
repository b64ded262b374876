package ingestion

import (
	"context"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QuoteApplier is the slice of the core the feed pump drives.
type QuoteApplier interface {
	UpdatePrice(caller uuid.UUID, u core.PriceUpdate) error
}

// FeedPump drains raw feed messages, validates them and applies them to the
// core under the feed's updater identity. Every message is acked exactly
// once: accepted, deduplicated and permanently rejected quotes all ack,
// because redelivery cannot change the outcome.
type FeedPump struct {
	input   <-chan RawEvent
	core    QuoteApplier
	updater uuid.UUID
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewFeedPump(input <-chan RawEvent, core QuoteApplier, updater uuid.UUID, metrics *observability.Metrics, logger zerolog.Logger) *FeedPump {
	return &FeedPump{
		input:   input,
		core:    core,
		updater: updater,
		metrics: metrics,
		logger:  logger.With().Str("component", "feed_pump").Logger(),
	}
}

// Run consumes the feed until the context is cancelled or the channel
// closes.
func (p *FeedPump) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-p.input:
			if !ok {
				return nil
			}
			p.process(raw)
		}
	}
}

func (p *FeedPump) process(raw RawEvent) {
	update, err := ParsePriceQuote(raw.Data)
	if err != nil {
		p.logger.Warn().Str("subject", raw.Subject).Err(err).Msg("dropping malformed feed message")
		raw.AckFunc()
		return
	}

	if err := p.core.UpdatePrice(p.updater, update); err != nil {
		// Validation rejections are final for this observation; the gateway
		// already counted them.
		p.logger.Warn().
			Str("asset", update.Asset).
			Int64("feed_sequence", update.FeedSequence).
			Err(err).
			Msg("quote rejected")
		raw.AckFunc()
		return
	}

	if p.metrics != nil {
		p.metrics.IngestToApply.WithLabelValues("PriceUpdated").
			Observe(time.Since(raw.Timestamp).Seconds())
	}
	raw.AckFunc()
}
