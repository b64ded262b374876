package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Worker drains the engine's persist channel and batch-writes events and
// journals to Postgres in a single transaction per flush. The engine uses
// BLOCKING sends on this channel: if the worker falls behind, the engine
// stalls rather than losing an event.
type Worker struct {
	writer       *EventLogWriter
	input        <-chan core.Output
	batchSize    int
	flushTimeout time.Duration

	// publishChan receives each output after its transaction commits; nil
	// disables outbound publishing. Sends never block: a slow publisher
	// drops, and consumers can re-read the event log.
	publishChan chan<- core.Output

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	input <-chan core.Output,
	publishChan chan<- core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db),
		input:        input,
		publishChan:  publishChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming outputs and flushes when the batch fills or the flush
// timeout expires. Blocks until ctx is cancelled or the input channel
// closes; remaining rows are flushed on the way out.
func (w *Worker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, w.batchSize)
	journalBatch := make([]JournalRow, 0, w.batchSize*2)
	outputBatch := make([]core.Output, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	finalFlush := func() {
		if len(eventBatch) == 0 {
			return
		}
		if err := w.flush(context.Background(), eventBatch, journalBatch); err != nil {
			w.logger.Error().Err(err).Int("events", len(eventBatch)).Msg("final flush failed")
			return
		}
		w.publishFlushed(outputBatch)
	}

	for {
		select {
		case <-ctx.Done():
			finalFlush()
			return ctx.Err()

		case output, ok := <-w.input:
			if !ok {
				finalFlush()
				return nil
			}

			eventRow, journalRows, err := ConvertOutput(output)
			if err != nil {
				// The ledger caps amounts below int64 max, so this cannot
				// happen for an engine-produced output.
				panic(fmt.Sprintf("FATAL: unpersistable output at sequence %d: %v", output.Envelope.Sequence, err))
			}
			eventBatch = append(eventBatch, eventRow)
			journalBatch = append(journalBatch, journalRows...)
			outputBatch = append(outputBatch, output)

			if len(eventBatch) >= w.batchSize {
				w.flushWithRetry(ctx, eventBatch, journalBatch, outputBatch)
				eventBatch = eventBatch[:0]
				journalBatch = journalBatch[:0]
				outputBatch = outputBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(eventBatch) > 0 {
				w.flushWithRetry(ctx, eventBatch, journalBatch, outputBatch)
				eventBatch = eventBatch[:0]
				journalBatch = journalBatch[:0]
				outputBatch = outputBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// The worker never drops a batch: on shutdown mid-retry it makes one last
// attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow, outputs []core.Output) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence flush retrying")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), events, journals); err != nil {
					w.logger.Error().Err(err).Int("events", len(events)).Msg("final flush on shutdown failed")
					return
				}
				w.publishFlushed(outputs)
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			w.publishFlushed(outputs)
			return
		}

		w.logger.Error().Err(err).Msg("persistence flush failed")
		if w.metrics != nil {
			w.metrics.PersistRetry.Inc()
		}
	}
}

// publishFlushed hands committed outputs to the outbound publisher. Drops
// rather than blocks: the publish path must never stall persistence.
func (w *Worker) publishFlushed(outputs []core.Output) {
	if w.publishChan == nil {
		return
	}
	for _, out := range outputs {
		select {
		case w.publishChan <- out:
		default:
			if w.metrics != nil {
				w.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (w *Worker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		w.countError("write_events")
		return err
	}
	if err := w.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		w.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(events)))
		w.metrics.PersistEventsWritten.Add(float64(len(events)))
		w.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(events) > 0 {
			w.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}
	return nil
}

func (w *Worker) countError(stage string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
