package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"LendLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SettlementRail hands asset movements to the external settlement system by
// publishing instructions to JetStream. The stream ack is the settlement
// acceptance: a failed publish reports failure to the caller, which then
// compensates its internal effects.
type SettlementRail struct {
	js      jetstream.JetStream
	timeout time.Duration
	logger  zerolog.Logger
}

const settlementPublishTimeout = 5 * time.Second

func NewSettlementRail(js jetstream.JetStream, logger zerolog.Logger) *SettlementRail {
	return &SettlementRail{
		js:      js,
		timeout: settlementPublishTimeout,
		logger:  logger.With().Str("component", "settlement").Logger(),
	}
}

type settlementInstruction struct {
	TransferID string    `json:"transfer_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Asset      string    `json:"asset"`
	Amount     uint64    `json:"amount"`
	IssuedAt   time.Time `json:"issued_at"`
}

// Transfer publishes one settlement instruction and waits for the stream ack.
func (r *SettlementRail) Transfer(ctx context.Context, from, to uuid.UUID, assetID ledger.AssetID, amount uint64) error {
	inst := settlementInstruction{
		TransferID: uuid.New().String(),
		From:       from.String(),
		To:         to.String(),
		Asset:      assetID.Name(),
		Amount:     amount,
		IssuedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal settlement instruction: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	subject := fmt.Sprintf("lend.settlement.transfers.%s", inst.Asset)
	if _, err := r.js.Publish(pubCtx, subject, data); err != nil {
		return fmt.Errorf("settlement publish: %w", err)
	}

	r.logger.Debug().
		Str("transfer_id", inst.TransferID).
		Str("asset", inst.Asset).
		Uint64("amount", amount).
		Msg("settlement instruction issued")
	return nil
}

// EnsureSettlementStream creates the settlement instruction stream.
func EnsureSettlementStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "LEND_SETTLEMENT",
		Subjects:  []string{"lend.settlement.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create settlement stream: %w", err)
	}
	logger.Info().Str("stream", "LEND_SETTLEMENT").Msg("ensured settlement stream")
	return nil
}
