package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"

	"github.com/google/uuid"
)

// EventLogWriter writes events and journals to event_log using multi-row
// INSERT with ON CONFLICT DO NOTHING, so crash-replayed outputs land
// idempotently.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row in event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Asset          *string
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow is a row in event_log.journal.
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// ConvertOutput flattens one engine output into storage rows. The ledger caps
// amounts at the int64 range, so an amount that does not fit is an invariant
// violation, not an input error.
func ConvertOutput(o core.Output) (EventRow, []JournalRow, error) {
	env := o.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Asset:          env.Asset,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}

	if o.Batch == nil {
		return row, nil, nil
	}
	journals := make([]JournalRow, 0, len(o.Batch.Journals))
	for _, j := range o.Batch.Journals {
		if j.Amount > math.MaxInt64 {
			return EventRow{}, nil, fmt.Errorf("journal %s: amount %d exceeds int64 range", j.JournalID, j.Amount)
		}
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID,
			BatchID:       j.BatchID,
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			AssetID:       uint16(j.AssetID),
			Amount:        int64(j.Amount),
			JournalType:   int32(j.JournalType),
			Timestamp:     j.Timestamp,
		})
	}
	return row, journals, nil
}

// ToEnvelope rebuilds the event envelope from a stored row.
func (e EventRow) ToEnvelope() (*event.Envelope, error) {
	et, ok := event.EventTypeFromString(e.EventType)
	if !ok {
		return nil, fmt.Errorf("event %d: unknown event type %q", e.Sequence, e.EventType)
	}
	env := &event.Envelope{
		Sequence:       e.Sequence,
		IdempotencyKey: e.IdempotencyKey,
		EventType:      et,
		Asset:          e.Asset,
		Timestamp:      e.Timestamp,
		SourceSequence: e.SourceSequence,
		Payload:        e.Payload,
	}
	if len(e.StateHash) != 32 || len(e.PrevHash) != 32 {
		return nil, fmt.Errorf("event %d: hash length %d/%d, want 32", e.Sequence, len(e.StateHash), len(e.PrevHash))
	}
	copy(env.StateHash[:], e.StateHash)
	copy(env.PrevHash[:], e.PrevHash)
	return env, nil
}

// ToJournal rebuilds the ledger journal from a stored row.
func (j JournalRow) ToJournal() (ledger.Journal, error) {
	debit, err := ledger.ParseAccountPath(j.DebitAccount)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal %s: %w", j.JournalID, err)
	}
	credit, err := ledger.ParseAccountPath(j.CreditAccount)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal %s: %w", j.JournalID, err)
	}
	if j.Amount <= 0 {
		return ledger.Journal{}, fmt.Errorf("journal %s: non-positive amount %d", j.JournalID, j.Amount)
	}
	return ledger.Journal{
		JournalID:     j.JournalID,
		BatchID:       j.BatchID,
		EventRef:      j.EventRef,
		Sequence:      j.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       ledger.AssetID(j.AssetID),
		Amount:        uint64(j.Amount),
		JournalType:   ledger.JournalType(j.JournalType),
		Timestamp:     j.Timestamp,
	}, nil
}

// WriteEventBatch inserts events inside the given transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, asset, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Asset,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch inserts journal legs inside the given transaction.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
