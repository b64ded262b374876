package oracle

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"LendLedger/internal/fixmath"
	"LendLedger/internal/ledger"

	"github.com/google/uuid"
)

var (
	// ErrPriceUnavailable is returned when no acceptable quote exists for an
	// asset, either because none was ever set or the last one aged out.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrUnauthorized is returned when the caller is not in the updater set.
	ErrUnauthorized = errors.New("updater not authorized")

	// ErrPriceDeviationRejected is returned when an update moves the price
	// beyond the deviation bound within the deviation window.
	ErrPriceDeviationRejected = errors.New("price deviation beyond bound")

	// ErrStaleTimestampRejected is returned when an update's timestamp
	// precedes the last accepted quote's timestamp.
	ErrStaleTimestampRejected = errors.New("quote timestamp regressed")

	// ErrInvalidPrice is returned for zero prices.
	ErrInvalidPrice = errors.New("price must be positive")

	// ErrBatchTooLarge is returned when a batch update exceeds the
	// configured size cap.
	ErrBatchTooLarge = errors.New("batch exceeds size cap")
)

const (
	DefaultMaxDeviationBps uint64 = 1_000 // 10%
	DefaultDeviationWindow        = 5 * time.Minute
	DefaultMaxQuoteAge            = time.Hour
	DefaultMaxBatchSize           = 32
)

// Config bounds what the gateway accepts from updaters and what readers may
// consume.
type Config struct {
	// MaxDeviationBps caps the relative move against the last accepted
	// quote when the update lands within DeviationWindow of it.
	MaxDeviationBps uint64
	// DeviationWindow is the span after the last accepted quote during
	// which the deviation bound applies. Updates arriving later pass the
	// deviation check unconditionally, so a feed can recover after a gap.
	DeviationWindow time.Duration
	// MaxQuoteAge bounds how old a quote may be when read.
	MaxQuoteAge time.Duration
	// MaxBatchSize caps UpdateMany batches.
	MaxBatchSize int
}

// Normalise fills zero fields with defaults.
func (c Config) Normalise() Config {
	if c.MaxDeviationBps == 0 {
		c.MaxDeviationBps = DefaultMaxDeviationBps
	}
	if c.DeviationWindow <= 0 {
		c.DeviationWindow = DefaultDeviationWindow
	}
	if c.MaxQuoteAge <= 0 {
		c.MaxQuoteAge = DefaultMaxQuoteAge
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	return c
}

// Quote is the last accepted price for an asset, 1e18 fixed point.
type Quote struct {
	AssetID    ledger.AssetID
	Price      uint64
	ObservedAt time.Time
}

// Update is one price submission.
type Update struct {
	AssetID    ledger.AssetID
	Price      uint64
	ObservedAt time.Time
}

// Gateway validates and stores price quotes. The updater set is fixed at
// construction; membership changes are an administrative concern handled by
// restarting with new configuration.
type Gateway struct {
	mu       sync.RWMutex
	cfg      Config
	updaters map[uuid.UUID]struct{}
	quotes   map[ledger.AssetID]Quote
	clock    func() time.Time
}

func NewGateway(cfg Config, updaters []uuid.UUID, clock func() time.Time) *Gateway {
	if clock == nil {
		clock = time.Now
	}
	set := make(map[uuid.UUID]struct{}, len(updaters))
	for _, u := range updaters {
		set[u] = struct{}{}
	}
	return &Gateway{
		cfg:      cfg.Normalise(),
		updaters: set,
		quotes:   make(map[ledger.AssetID]Quote),
		clock:    clock,
	}
}

// GetPrice returns the last accepted quote, failing if none exists or the
// quote is older than MaxQuoteAge.
func (g *Gateway) GetPrice(assetID ledger.AssetID) (Quote, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	q, ok := g.quotes[assetID]
	if !ok {
		return Quote{}, fmt.Errorf("asset %s: %w", assetID.Name(), ErrPriceUnavailable)
	}
	if age := g.clock().Sub(q.ObservedAt); age > g.cfg.MaxQuoteAge {
		return Quote{}, fmt.Errorf("asset %s: quote is %s old: %w", assetID.Name(), age, ErrPriceUnavailable)
	}
	return q, nil
}

// UpdatePrice validates and stores a single quote.
func (g *Gateway) UpdatePrice(caller uuid.UUID, u Update) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.authorize(caller); err != nil {
		return err
	}
	prev, hasPrev := g.quotes[u.AssetID]
	if err := g.validate(prev, hasPrev, u); err != nil {
		return err
	}
	g.quotes[u.AssetID] = Quote(u)
	return nil
}

// UpdateMany validates and stores a batch atomically: every update is
// checked against a staged view (later elements see earlier ones) and one
// invalid element rejects the whole batch with nothing applied.
func (g *Gateway) UpdateMany(caller uuid.UUID, updates []Update) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.authorize(caller); err != nil {
		return err
	}
	if len(updates) > g.cfg.MaxBatchSize {
		return fmt.Errorf("%d updates against cap %d: %w", len(updates), g.cfg.MaxBatchSize, ErrBatchTooLarge)
	}

	staged := make(map[ledger.AssetID]Quote, len(updates))
	for i, u := range updates {
		prev, hasPrev := staged[u.AssetID]
		if !hasPrev {
			prev, hasPrev = g.quotes[u.AssetID]
		}
		if err := g.validate(prev, hasPrev, u); err != nil {
			return fmt.Errorf("update %d (%s): %w", i, u.AssetID.Name(), err)
		}
		staged[u.AssetID] = Quote(u)
	}

	for assetID, q := range staged {
		g.quotes[assetID] = q
	}
	return nil
}

// RestoreQuote stores a quote without validation. Recovery only.
func (g *Gateway) RestoreQuote(q Quote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotes[q.AssetID] = q
}

// Snapshot returns all quotes ordered by asset for deterministic hashing.
func (g *Gateway) Snapshot() []Quote {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Quote, 0, len(g.quotes))
	for _, q := range g.quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

func (g *Gateway) authorize(caller uuid.UUID) error {
	if _, ok := g.updaters[caller]; !ok {
		return fmt.Errorf("caller %s: %w", caller, ErrUnauthorized)
	}
	return nil
}

// validate enforces the acceptance rules against the previous quote, if any.
// Callers hold g.mu.
func (g *Gateway) validate(prev Quote, hasPrev bool, u Update) error {
	if u.Price == 0 {
		return ErrInvalidPrice
	}
	if !hasPrev {
		return nil
	}
	if u.ObservedAt.Before(prev.ObservedAt) {
		return fmt.Errorf("observed %s before last accepted %s: %w",
			u.ObservedAt.Format(time.RFC3339), prev.ObservedAt.Format(time.RFC3339), ErrStaleTimestampRejected)
	}
	if u.ObservedAt.Sub(prev.ObservedAt) <= g.cfg.DeviationWindow &&
		fixmath.ExceedsDeviationBps(prev.Price, u.Price, g.cfg.MaxDeviationBps) {
		return fmt.Errorf("move from %d to %d: %w", prev.Price, u.Price, ErrPriceDeviationRejected)
	}
	return nil
}
