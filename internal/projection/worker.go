package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Worker maintains the read-side tables in the projections schema from
// committed engine outputs. Updates are eventually consistent: a failed or
// dropped update is recovered by Rebuild, never by blocking the core.
type Worker struct {
	db      *sql.DB
	input   <-chan core.Output
	metrics *observability.Metrics
	logger  zerolog.Logger
	lastSeq int64
}

func NewWorker(db *sql.DB, input <-chan core.Output, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		db:      db,
		input:   input,
		metrics: metrics,
		logger:  logger.With().Str("component", "projection").Logger(),
		lastSeq: -1,
	}
}

// Run consumes outputs until the context is cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-w.input:
			if !ok {
				return nil
			}
			seq := out.Envelope.Sequence
			if w.lastSeq >= 0 && seq != w.lastSeq+1 {
				// The core drops outputs when this channel is full. The gap
				// stays until a rebuild.
				w.logger.Warn().
					Int64("last_sequence", w.lastSeq).
					Int64("sequence", seq).
					Msg("projection gap detected, rebuild required for exact balances")
			}
			if err := w.Apply(ctx, out); err != nil {
				w.logger.Warn().
					Int64("sequence", seq).
					Str("event_type", out.Envelope.EventType.String()).
					Err(err).
					Msg("projection update failed, tables will lag until rebuild")
			}
			w.lastSeq = seq
		}
	}
}

// Apply reflects one output in the projection tables inside a single
// transaction. Balance deltas are netted per account and guarded by
// updated_sequence, so a replayed output is a no-op.
func (w *Worker) Apply(ctx context.Context, out core.Output) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if out.Batch != nil {
		if err := w.applyBalances(ctx, tx, out); err != nil {
			return fmt.Errorf("balances: %w", err)
		}
	}
	if err := w.applyEvent(ctx, tx, out); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.watermark
		SET sequence = GREATEST(sequence, $1), updated_at = NOW()
		WHERE id = 1
	`, out.Envelope.Sequence); err != nil {
		return fmt.Errorf("watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.ProjectionUpdateDur.WithLabelValues(out.Envelope.EventType.String()).
			Observe(time.Since(start).Seconds())
	}
	return nil
}

// applyBalances nets the journal legs per account and upserts the result.
// A debit increases the account, a credit decreases it. External reserve
// accounts are projected too; their negative balances mirror everything
// held on behalf of the outside world.
func (w *Worker) applyBalances(ctx context.Context, tx *sql.Tx, out core.Output) error {
	deltas := make(map[ledger.AccountKey]int64)
	for _, j := range out.Batch.Journals {
		deltas[j.DebitAccount] += int64(j.Amount)
		deltas[j.CreditAccount] -= int64(j.Amount)
	}

	seq := out.Envelope.Sequence
	for key, delta := range deltas {
		if delta == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, party, asset, amount, updated_sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (account_path) DO UPDATE
			SET amount = projections.balances.amount + $4,
			    updated_sequence = $5,
			    updated_at = NOW()
			WHERE projections.balances.updated_sequence < $5
		`, key.AccountPath(), uuid.UUID(key.EntityID), key.AssetID.Name(), delta, seq); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) applyEvent(ctx context.Context, tx *sql.Tx, out core.Output) error {
	env := out.Envelope
	payload, err := event.DecodePayload(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("decode %s at %d: %w", env.EventType, env.Sequence, err)
	}

	switch p := payload.(type) {
	case *event.LoanOpened:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.loans
				(loan_id, borrower, collateral_asset, collateral_amount,
				 borrow_asset, principal, rate_bps, status, opened_at, updated_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', $8, $9)
			ON CONFLICT (loan_id) DO NOTHING
		`, p.LoanID, p.Borrower, p.CollateralAsset, p.CollateralAmount,
			p.BorrowAsset, p.Principal, p.RateBps, p.OpenedAt, env.Sequence)
		return err

	case *event.LoanRepaid:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.loans
			SET status = 'repaid', closed_at = $2, interest_paid = $3, updated_sequence = $4
			WHERE loan_id = $1 AND updated_sequence < $4
		`, p.LoanID, p.RepaidAt, p.Interest, env.Sequence)
		return err

	case *event.LoanLiquidated:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.loans
			SET status = 'liquidated', closed_at = $2, updated_sequence = $3
			WHERE loan_id = $1 AND updated_sequence < $3
		`, p.LoanID, p.LiquidatedAt, env.Sequence)
		return err

	case *event.PriceUpdated:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.prices (asset, price, observed_at, feed_sequence, updated_sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (asset) DO UPDATE
			SET price = $2, observed_at = $3, feed_sequence = $4, updated_sequence = $5
			WHERE projections.prices.updated_sequence < $5
		`, p.AssetName, strconv.FormatUint(p.Price, 10), p.ObservedAt, p.FeedSequence, env.Sequence)
		return err
	}

	// Deposits, withdrawals and flash loans carry no projection state beyond
	// their balance legs.
	return nil
}

// Rebuild reconstructs every projection table from the event log. Safe to
// run while the worker is stopped; the watermark lands on the last stored
// sequence.
func Rebuild(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.loans`,
		`TRUNCATE projections.prices`,
		`UPDATE projections.watermark SET sequence = -1, updated_at = NOW() WHERE id = 1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset projections: %w", err)
		}
	}

	// Balances: net every journal leg, deriving party and asset from the
	// account path.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, party, asset, amount, updated_sequence)
		SELECT
			account_path,
			CASE WHEN split_part(account_path, ':', 1) = 'user'
			     THEN split_part(account_path, ':', 2)::uuid
			     ELSE '00000000-0000-0000-0000-000000000000'::uuid
			END,
			split_part(account_path, ':', 3),
			SUM(delta),
			MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, -amount, sequence FROM event_log.journal
		) legs
		GROUP BY account_path
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.loans
			(loan_id, borrower, collateral_asset, collateral_amount,
			 borrow_asset, principal, rate_bps, status, opened_at, updated_sequence)
		SELECT
			(payload->>'loan_id')::bigint,
			(payload->>'borrower')::uuid,
			payload->>'collateral_asset',
			(payload->>'collateral_amount')::bigint,
			payload->>'borrow_asset',
			(payload->>'principal')::bigint,
			(payload->>'rate_bps')::int,
			'active',
			(payload->>'opened_at')::timestamptz,
			sequence
		FROM event_log.events
		WHERE event_type = 'LoanOpened'
	`); err != nil {
		return fmt.Errorf("rebuild loans: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.loans l
		SET status = 'repaid',
		    closed_at = (e.payload->>'repaid_at')::timestamptz,
		    interest_paid = (e.payload->>'interest')::bigint,
		    updated_sequence = e.sequence
		FROM event_log.events e
		WHERE e.event_type = 'LoanRepaid'
		  AND (e.payload->>'loan_id')::bigint = l.loan_id
	`); err != nil {
		return fmt.Errorf("rebuild repaid loans: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.loans l
		SET status = 'liquidated',
		    closed_at = (e.payload->>'liquidated_at')::timestamptz,
		    updated_sequence = e.sequence
		FROM event_log.events e
		WHERE e.event_type = 'LoanLiquidated'
		  AND (e.payload->>'loan_id')::bigint = l.loan_id
	`); err != nil {
		return fmt.Errorf("rebuild liquidated loans: %w", err)
	}

	// Prices: most recent accepted quote per asset.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.prices (asset, price, observed_at, feed_sequence, updated_sequence)
		SELECT DISTINCT ON (payload->>'asset')
			payload->>'asset',
			(payload->>'price')::numeric,
			(payload->>'observed_at')::timestamptz,
			COALESCE((payload->>'feed_sequence')::bigint, 0),
			sequence
		FROM event_log.events
		WHERE event_type = 'PriceUpdated'
		ORDER BY payload->>'asset', sequence DESC
	`); err != nil {
		return fmt.Errorf("rebuild prices: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.watermark
		SET sequence = COALESCE((SELECT MAX(sequence) FROM event_log.events), -1),
		    updated_at = NOW()
		WHERE id = 1
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}
