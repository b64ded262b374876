package query

import (
	"github.com/google/uuid"
)

// BalanceResponse is one user balance read from the projections.
type BalanceResponse struct {
	Party        uuid.UUID `json:"party"`
	Asset        string    `json:"asset"`
	Amount       int64     `json:"amount"`
	AsOfSequence int64     `json:"as_of_sequence"` // last event reflected in the projections
}

// PoolBalanceResponse is the protocol pool balance in one asset. The pool
// holds lendable liquidity plus collateral locked for active loans.
type PoolBalanceResponse struct {
	Asset        string `json:"asset"`
	Amount       int64  `json:"amount"`
	AsOfSequence int64  `json:"as_of_sequence"`
}
