package testutil

import (
	"context"
	"errors"
	"sync"

	"LendLedger/internal/ledger"

	"github.com/google/uuid"
)

// TransferCall records one external settlement attempt.
type TransferCall struct {
	From    uuid.UUID
	To      uuid.UUID
	AssetID ledger.AssetID
	Amount  uint64
}

// RecordingTransferer is an AssetTransferer double that records every call
// and can be made to fail on demand.
type RecordingTransferer struct {
	mu    sync.Mutex
	calls []TransferCall

	// Err fails every transfer while set.
	Err error
	// FailAfter fails the call once this many succeed (negative disables).
	FailAfter int

	succeeded int
}

func NewRecordingTransferer() *RecordingTransferer {
	return &RecordingTransferer{FailAfter: -1}
}

func (r *RecordingTransferer) Transfer(_ context.Context, from, to uuid.UUID, assetID ledger.AssetID, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, TransferCall{From: from, To: to, AssetID: assetID, Amount: amount})
	if r.Err != nil {
		return r.Err
	}
	if r.FailAfter >= 0 && r.succeeded >= r.FailAfter {
		return ErrTransferRailDown
	}
	r.succeeded++
	return nil
}

// Calls returns a copy of everything attempted so far.
func (r *RecordingTransferer) Calls() []TransferCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TransferCall, len(r.calls))
	copy(out, r.calls)
	return out
}

// ErrTransferRailDown is the failure injected by FailAfter.
var ErrTransferRailDown = errors.New("transfer rail down")
