package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/flash"
	"LendLedger/internal/guard"
	"LendLedger/internal/ledger"
	"LendLedger/internal/liquidation"
	"LendLedger/internal/loan"
	"LendLedger/internal/observability"
	"LendLedger/internal/oracle"

	"github.com/google/uuid"
)

const (
	// DefaultIdempotencyCapacity bounds the in-memory dedup LRU.
	DefaultIdempotencyCapacity = 100_000

	// invariantSweepInterval is how often (in committed events) the full
	// cross-component invariant sweep runs.
	invariantSweepInterval = 1_000
)

// Config assembles the component configurations the engine constructs from.
type Config struct {
	Loan        loan.Config
	Liquidation liquidation.Config
	Oracle      oracle.Config

	// PriceUpdaters is the fixed set of parties allowed to submit quotes.
	PriceUpdaters []uuid.UUID

	// IdempotencyCapacity sizes the dedup LRU; zero means the default.
	IdempotencyCapacity int

	// Clock supplies operation timestamps. Injected for tests; nil means
	// wall clock.
	Clock func() time.Time
}

// Output carries one committed event to the persistence and projection
// workers: the envelope plus the journal batch recording its balance effects.
// Batch is nil for state-only events (price updates, flash reverts).
type Output struct {
	Envelope   *event.Envelope
	Batch      *ledger.Batch
	StateDelta []byte
}

// batchBuilder produces the journal batch for a committed operation. It is
// invoked at finalization time so the batch carries the exact sequence the
// envelope gets, which matters for operations buffered inside a flash loan.
type batchBuilder func(eventRef string, sequence, timestamp int64) *ledger.Batch

type pendingEmission struct {
	evt   event.Event
	ts    time.Time
	build batchBuilder
}

// Engine is the single entry point for every state-changing operation. It
// owns the balance book, the loan book, the oracle gateway, and the flash
// coordinator, and serializes all commands under one mutex so events get
// gapless sequences and a linear hash chain.
//
// Operations follow one shape: validate, apply component effects, then commit
// an event describing what happened. Failed operations emit nothing. The
// committed envelope and its journals flow to the persistence worker
// (blocking send, events are never lost) and the projection worker
// (non-blocking send, projections rebuild from the log if they fall behind).
type Engine struct {
	mu    sync.Mutex
	cfg   Config
	clock func() time.Time

	book       *ledger.Book
	tracker    *ledger.AuditTracker
	validator  *ledger.InvariantValidator
	gateway    *oracle.Gateway
	loans      *loan.Manager
	liquidator *liquidation.Engine
	flashCoord *flash.Coordinator
	guard      *guard.Guard

	idempotency *IdempotencyChecker
	feedSeq     *FeedSequenceValidator
	hasher      *chainHasher
	sequence    int64

	transferer loan.AssetTransferer

	persistChan    chan<- Output
	projectionChan chan<- Output
	metrics        *observability.Metrics

	// Flash-loan emission buffer. While a flash loan runs, commits from the
	// callback are held here; they finalize only if the loan settles, and a
	// revert discards them so the event log never describes undone state.
	flashDepth   int
	flashPending []pendingEmission
}

// NewEngine builds the engine and all its components. dbChecker extends
// duplicate detection to the event log and may be nil; persistChan and
// projectionChan may be nil for library use without workers.
func NewEngine(
	cfg Config,
	transferer loan.AssetTransferer,
	dbChecker DBIdempotencyChecker,
	persistChan, projectionChan chan<- Output,
	metrics *observability.Metrics,
) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}

	book := ledger.NewBook()
	tracker := ledger.NewAuditTracker()
	gateway := oracle.NewGateway(cfg.Oracle, cfg.PriceUpdaters, clock)
	loans := loan.NewManager(cfg.Loan, book, gateway, transferer, clock)

	return &Engine{
		cfg:            cfg,
		clock:          clock,
		book:           book,
		tracker:        tracker,
		validator:      ledger.NewInvariantValidator(book, tracker),
		gateway:        gateway,
		loans:          loans,
		liquidator:     liquidation.NewEngine(cfg.Liquidation, book, gateway, transferer, loans),
		flashCoord:     flash.NewCoordinator(book, loans),
		guard:          guard.New(),
		idempotency:    NewIdempotencyChecker(capacity, dbChecker),
		feedSeq:        NewFeedSequenceValidator(),
		hasher:         newChainHasher(),
		transferer:     transferer,
		persistChan:    persistChan,
		projectionChan: projectionChan,
		metrics:        metrics,
	}
}

// ============================================================
// Transfers
// ============================================================

// Deposit credits a settled external deposit to the user's account. The
// external rail already moved the funds, so there is no interaction step.
// A duplicate deposit id is a silent no-op.
func (e *Engine) Deposit(depositID, userID uuid.UUID, asset string, amount uint64) error {
	defer e.observeDuration(event.EventTypeDepositConfirmed, time.Now())
	e.mu.Lock()
	defer e.mu.Unlock()

	evt := &event.DepositConfirmed{DepositID: depositID, UserID: userID, AssetName: asset, Amount: amount}
	if e.idempotency.IsDuplicate(evt.EventType().String(), evt.IdempotencyKey()) {
		e.reject(evt.EventType(), "duplicate")
		return nil
	}
	assetID, err := resolveAsset("deposit", asset)
	if err != nil {
		return err
	}
	if amount == 0 {
		return fmt.Errorf("deposit %s: %w", depositID, ledger.ErrInvalidAmount)
	}
	if userID == ledger.ProtocolParty {
		return fmt.Errorf("deposit %s: protocol liquidity arrives through FundPool", depositID)
	}

	if err := e.book.Credit(ledger.NewUserAccount(userID, assetID), amount); err != nil {
		return fmt.Errorf("deposit %s: %w", depositID, err)
	}

	ts := e.clock()
	evt.ConfirmedAt = ts
	e.commitLocked(evt, ts, func(ref string, seq, tsm int64) *ledger.Batch {
		return ledger.GenerateDepositBatch(ref, seq, tsm, userID, assetID, amount)
	})
	return nil
}

// FundPool credits settled external liquidity to the protocol pool for an
// asset. This is the administrative seeding path for loan principal and
// flash liquidity; it shares the deposit id space and dedups the same way.
func (e *Engine) FundPool(depositID uuid.UUID, asset string, amount uint64) error {
	defer e.observeDuration(event.EventTypeDepositConfirmed, time.Now())
	e.mu.Lock()
	defer e.mu.Unlock()

	evt := &event.DepositConfirmed{DepositID: depositID, UserID: ledger.ProtocolParty, AssetName: asset, Amount: amount}
	if e.idempotency.IsDuplicate(evt.EventType().String(), evt.IdempotencyKey()) {
		e.reject(evt.EventType(), "duplicate")
		return nil
	}
	assetID, err := resolveAsset("fund pool", asset)
	if err != nil {
		return err
	}
	if amount == 0 {
		return fmt.Errorf("fund pool %s: %w", depositID, ledger.ErrInvalidAmount)
	}

	if err := e.book.Credit(ledger.NewPoolAccount(assetID), amount); err != nil {
		return fmt.Errorf("fund pool %s: %w", depositID, err)
	}

	ts := e.clock()
	evt.ConfirmedAt = ts
	e.commitLocked(evt, ts, func(ref string, seq, tsm int64) *ledger.Batch {
		return ledger.GeneratePoolFundingBatch(ref, seq, tsm, assetID, amount)
	})
	return nil
}

// Withdraw debits the user's account and settles the funds to the external
// rail. If settlement fails the debit is compensated and nothing is recorded.
// A duplicate withdrawal id is a silent no-op.
func (e *Engine) Withdraw(ctx context.Context, withdrawalID, userID uuid.UUID, asset string, amount uint64) error {
	defer e.observeDuration(event.EventTypeWithdrawalSettled, time.Now())
	e.mu.Lock()
	defer e.mu.Unlock()

	evt := &event.WithdrawalSettled{WithdrawalID: withdrawalID, UserID: userID, AssetName: asset, Amount: amount}
	if e.idempotency.IsDuplicate(evt.EventType().String(), evt.IdempotencyKey()) {
		e.reject(evt.EventType(), "duplicate")
		return nil
	}
	assetID, err := resolveAsset("withdraw", asset)
	if err != nil {
		return err
	}
	if amount == 0 {
		return fmt.Errorf("withdrawal %s: %w", withdrawalID, ledger.ErrInvalidAmount)
	}
	if userID == ledger.ProtocolParty {
		return fmt.Errorf("withdrawal %s: pool liquidity cannot be withdrawn", withdrawalID)
	}

	userAcct := ledger.NewUserAccount(userID, assetID)
	if err := e.book.Debit(userAcct, amount); err != nil {
		return fmt.Errorf("withdrawal %s: %w", withdrawalID, err)
	}

	if terr := e.transferer.Transfer(ctx, ledger.ProtocolParty, userID, assetID, amount); terr != nil {
		if cerr := e.book.Credit(userAcct, amount); cerr != nil {
			return fmt.Errorf("withdrawal %s settlement failed and recredit failed: %v: %w", withdrawalID, cerr, terr)
		}
		return fmt.Errorf("withdrawal %s settlement: %w", withdrawalID, terr)
	}

	ts := e.clock()
	evt.SettledAt = ts
	e.commitLocked(evt, ts, func(ref string, seq, tsm int64) *ledger.Batch {
		return ledger.GenerateWithdrawalBatch(ref, seq, tsm, userID, assetID, amount)
	})
	return nil
}

// ============================================================
// Loans
// ============================================================

// OpenLoan opens a collateralized loan and returns its id.
func (e *Engine) OpenLoan(ctx context.Context, borrower uuid.UUID, collateralAsset string, collateralAmount uint64, borrowAsset string, principal uint64) (uint64, error) {
	defer e.observeDuration(event.EventTypeLoanOpened, time.Now())
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openLoanLocked(ctx, borrower, collateralAsset, collateralAmount, borrowAsset, principal)
}

func (e *Engine) openLoanLocked(ctx context.Context, borrower uuid.UUID, collateralAsset string, collateralAmount uint64, borrowAsset string, principal uint64) (uint64, error) {
	collateralID, err := resolveAsset("open loan", collateralAsset)
	if err != nil {
		return 0, err
	}
	borrowID, err := resolveAsset("open loan", borrowAsset)
	if err != nil {
		return 0, err
	}

	scope := guard.BorrowerScope(borrower)
	if err := e.guard.Enter(scope); err != nil {
		e.guardRejected("open_loan")
		return 0, fmt.Errorf("open loan for %s: %w", borrower, err)
	}
	defer e.guard.Exit(scope)

	id, err := e.loans.OpenLoan(ctx, borrower, collateralID, collateralAmount, borrowID, principal)
	if err != nil {
		return 0, err
	}

	l, _ := e.loans.Get(id)
	evt := &event.LoanOpened{
		LoanID:           id,
		Borrower:         borrower,
		CollateralAsset:  collateralID.Name(),
		CollateralAmount: collateralAmount,
		BorrowAsset:      borrowID.Name(),
		Principal:        principal,
		RateBps:          l.RateBps,
		OpenedAt:         l.OpenedAt,
	}
	e.commitLocked(evt, l.OpenedAt, func(ref string, seq, tsm int64) *ledger.Batch {
		return ledger.GenerateLoanOpenBatch(ref, seq, tsm, borrower, collateralID, collateralAmount, borrowID, principal)
	})
	if e.metrics != nil {
		e.metrics.LoansOpened.WithLabelValues(borrowID.Name()).Inc()
	}
	return id, nil
}

// RepayLoan repays a loan in full and returns the validated breakdown of
// what was paid.
func (e *Engine) RepayLoan(ctx context.Context, loanID uint64, payer uuid.UUID, amount uint64) (loan.Due, error) {
	defer e.observeDuration(event.EventTypeLoanRepaid, time.Now())
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.repayLoanLocked(ctx, loanID, payer, amount)
}

func (e *Engine) repayLoanLocked(ctx context.Context, loanID uint64, payer uuid.UUID, amount uint64) (loan.Due, error) {
	scope := guard.LoanScope(loanID)
	if err := e.guard.Enter(scope); err != nil {
		e.guardRejected("repay_loan")
		return loan.Due{}, fmt.Errorf("repay loan %d: %w", loanID, err)
	}
	defer e.guard.Exit(scope)

	due, err := e.loans.Repay(ctx, loanID, payer, amount)
	if err != nil {
		return loan.Due{}, err
	}

	l, _ := e.loans.Get(loanID)
	evt := &event.LoanRepaid{
		LoanID:           loanID,
		Borrower:         l.Borrower,
		BorrowAsset:      l.BorrowAsset.Name(),
		Principal:        due.Principal,
		Interest:         due.Interest,
		Total:            due.Total,
		CollateralAsset:  l.CollateralAsset.Name(),
		CollateralAmount: l.CollateralAmount,
		RepaidAt:         l.ClosedAt,
	}
	e.commitLocked(evt, l.ClosedAt, func(ref string, seq, tsm int64) *ledger.Batch {
		return ledger.GenerateRepaymentBatch(ref, seq, tsm, l.Borrower, l.BorrowAsset, due.Principal, due.Interest, l.CollateralAsset, l.CollateralAmount)
	})
	if e.metrics != nil {
		e.metrics.LoansRepaid.WithLabelValues(l.BorrowAsset.Name()).Inc()
		e.metrics.InterestCollected.WithLabelValues(l.BorrowAsset.Name()).Add(float64(due.Interest))
	}
	return due, nil
}

// Liquidate closes an undercollateralized loan: the liquidator covers the
// principal and takes the collateral. Returns the closed loan.
func (e *Engine) Liquidate(ctx context.Context, loanID uint64, liquidator uuid.UUID) (loan.Loan, error) {
	defer e.observeDuration(event.EventTypeLoanLiquidated, time.Now())
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liquidateLocked(ctx, loanID, liquidator)
}

func (e *Engine) liquidateLocked(ctx context.Context, loanID uint64, liquidator uuid.UUID) (loan.Loan, error) {
	scope := guard.LoanScope(loanID)
	if err := e.guard.Enter(scope); err != nil {
		e.guardRejected("liquidate")
		return loan.Loan{}, fmt.Errorf("liquidate loan %d: %w", loanID, err)
	}
	defer e.guard.Exit(scope)

	closed, err := e.liquidator.Liquidate(ctx, loanID, liquidator)
	if err != nil {
		return loan.Loan{}, err
	}

	evt := &event.LoanLiquidated{
		LoanID:           loanID,
		Borrower:         closed.Borrower,
		Liquidator:       liquidator,
		BorrowAsset:      closed.BorrowAsset.Name(),
		Principal:        closed.Principal,
		CollateralAsset:  closed.CollateralAsset.Name(),
		CollateralAmount: closed.CollateralAmount,
		LiquidatedAt:     closed.ClosedAt,
	}
	e.commitLocked(evt, closed.ClosedAt, func(ref string, seq, tsm int64) *ledger.Batch {
		return ledger.GenerateLiquidationBatch(ref, seq, tsm, liquidator, closed.BorrowAsset, closed.Principal, closed.CollateralAsset, closed.CollateralAmount)
	})
	if e.metrics != nil {
		e.metrics.LoansLiquidated.WithLabelValues(closed.BorrowAsset.Name()).Inc()
	}
	return closed, nil
}

// ============================================================
// Prices
// ============================================================

// PriceUpdate is one quote submission, optionally carrying the upstream feed
// sequence for redelivery filtering.
type PriceUpdate struct {
	Asset        string
	Price        uint64
	ObservedAt   time.Time
	FeedSequence int64
}

// UpdatePrice validates and stores a single quote. Stale feed redeliveries
// and duplicate observations are dropped silently.
func (e *Engine) UpdatePrice(caller uuid.UUID, u PriceUpdate) error {
	defer e.observeDuration(event.EventTypePriceUpdated, time.Now())
	e.mu.Lock()
	defer e.mu.Unlock()

	assetID, evt, err := e.admitPriceLocked(caller, u)
	if err != nil || evt == nil {
		return err
	}
	if err := e.gateway.UpdatePrice(caller, oracle.Update{AssetID: assetID, Price: u.Price, ObservedAt: u.ObservedAt}); err != nil {
		e.oracleRejected(u.Asset, err)
		return err
	}
	e.acceptPriceLocked(evt)
	return nil
}

// UpdatePrices applies a batch of quotes atomically: one invalid element
// rejects the whole batch. Duplicates and stale redeliveries are filtered
// out before validation and do not poison the batch.
func (e *Engine) UpdatePrices(caller uuid.UUID, updates []PriceUpdate) error {
	defer e.observeDuration(event.EventTypePriceUpdated, time.Now())
	e.mu.Lock()
	defer e.mu.Unlock()

	admitted := make([]*event.PriceUpdated, 0, len(updates))
	staged := make([]oracle.Update, 0, len(updates))
	seen := make(map[string]struct{}, len(updates))
	for i, u := range updates {
		assetID, evt, err := e.admitPriceLocked(caller, u)
		if err != nil {
			return fmt.Errorf("update %d: %w", i, err)
		}
		if evt == nil {
			continue
		}
		// The same observation can appear twice within one batch; only the
		// first instance commits.
		if _, dup := seen[evt.IdempotencyKey()]; dup {
			e.reject(evt.EventType(), "duplicate")
			continue
		}
		seen[evt.IdempotencyKey()] = struct{}{}
		admitted = append(admitted, evt)
		staged = append(staged, oracle.Update{AssetID: assetID, Price: u.Price, ObservedAt: u.ObservedAt})
	}
	if len(staged) == 0 {
		return nil
	}

	if err := e.gateway.UpdateMany(caller, staged); err != nil {
		for _, evt := range admitted {
			e.oracleRejected(evt.AssetName, err)
		}
		return err
	}
	for _, evt := range admitted {
		e.acceptPriceLocked(evt)
	}
	return nil
}

// admitPriceLocked runs the pre-gateway admission checks: asset resolution,
// dedup, and feed sequence filtering. A nil event with nil error means the
// update was filtered and should be skipped silently.
func (e *Engine) admitPriceLocked(caller uuid.UUID, u PriceUpdate) (ledger.AssetID, *event.PriceUpdated, error) {
	assetID, err := resolveAsset("update price", u.Asset)
	if err != nil {
		return 0, nil, err
	}

	evt := &event.PriceUpdated{
		AssetName:    u.Asset,
		Price:        u.Price,
		ObservedAt:   u.ObservedAt,
		UpdatedBy:    caller,
		FeedSequence: u.FeedSequence,
	}
	if e.idempotency.IsDuplicate(evt.EventType().String(), evt.IdempotencyKey()) {
		e.reject(evt.EventType(), "duplicate")
		return 0, nil, nil
	}
	if u.FeedSequence > 0 {
		stale, gapped := e.feedSeq.Validate(u.Asset, u.FeedSequence)
		if stale {
			e.reject(evt.EventType(), "stale_feed")
			if e.metrics != nil {
				e.metrics.FeedStaleDrops.WithLabelValues("price:" + u.Asset).Inc()
			}
			return 0, nil, nil
		}
		if gapped && e.metrics != nil {
			e.metrics.FeedSequenceGaps.WithLabelValues("price:" + u.Asset).Inc()
		}
	}
	return assetID, evt, nil
}

func (e *Engine) acceptPriceLocked(evt *event.PriceUpdated) {
	e.commitLocked(evt, evt.ObservedAt, nil)
	if e.metrics != nil {
		e.metrics.OracleUpdatesAccepted.WithLabelValues(evt.AssetName).Inc()
	}
}

func (e *Engine) oracleRejected(asset string, err error) {
	if e.metrics == nil {
		return
	}
	reason := "invalid"
	switch {
	case errors.Is(err, oracle.ErrUnauthorized):
		reason = "unauthorized"
	case errors.Is(err, oracle.ErrPriceDeviationRejected):
		reason = "deviation"
	case errors.Is(err, oracle.ErrStaleTimestampRejected):
		reason = "stale_timestamp"
	case errors.Is(err, oracle.ErrBatchTooLarge):
		reason = "batch_too_large"
	}
	e.metrics.OracleUpdatesRejected.WithLabelValues(asset, reason).Inc()
}

// ============================================================
// Flash loans
// ============================================================

// FlashLoan lends pool funds to the borrower for the duration of fn. The
// callback works through the FlashSession it receives, never through the
// outer Engine handle: the engine lock is held for the whole call, and
// re-entering a public method would deadlock. If fn returns an error, the
// pool ends below its starting balance, or fn panics, every mutation made
// inside the loan is rolled back and only a FlashLoanReverted event (with no
// journals) records the attempt. A request rejected before any funds move
// (zero amount, insufficient pool liquidity) returns the error with nothing
// recorded.
func (e *Engine) FlashLoan(ctx context.Context, borrower uuid.UUID, asset string, amount uint64, fn func(ctx context.Context, fs *FlashSession) error) (flash.Result, error) {
	defer e.observeDuration(event.EventTypeFlashLoanSettled, time.Now())
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flashLoanLocked(ctx, borrower, asset, amount, fn)
}

func (e *Engine) flashLoanLocked(ctx context.Context, borrower uuid.UUID, asset string, amount uint64, fn func(ctx context.Context, fs *FlashSession) error) (flash.Result, error) {
	assetID, err := resolveAsset("flash loan", asset)
	if err != nil {
		return flash.Result{}, err
	}

	scope := guard.PoolScope(asset)
	if err := e.guard.Enter(scope); err != nil {
		e.guardRejected("flash_loan")
		return flash.Result{}, fmt.Errorf("flash loan %s: %w", asset, err)
	}
	defer e.guard.Exit(scope)

	flashID := uuid.New()
	started := e.clock()

	e.flashDepth++
	mark := len(e.flashPending)

	var result flash.Result
	var flashErr error
	lent := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.flashDepth--
				e.flashPending = e.flashPending[:mark]
				panic(r)
			}
		}()
		result, flashErr = e.flashCoord.FlashLoan(ctx, borrower, assetID, amount, func(cctx context.Context, s *flash.Session) error {
			lent = true
			initiated := &event.FlashLoanInitiated{
				FlashID:     flashID,
				Borrower:    borrower,
				LoanAsset:   asset,
				Amount:      amount,
				InitiatedAt: started,
			}
			e.commitLocked(initiated, started, func(ref string, seq, tsm int64) *ledger.Batch {
				return ledger.GenerateFlashLendBatch(ref, seq, tsm, borrower, assetID, amount)
			})
			return fn(cctx, &FlashSession{engine: e, session: s, id: flashID, borrower: borrower})
		})
	}()
	e.flashDepth--

	ended := e.clock()
	if flashErr != nil {
		e.flashPending = e.flashPending[:mark]
		if !lent {
			// Rejected before lending: the callback never ran and nothing
			// needs reverting, so the failure stays out of the event log.
			e.reject(event.EventTypeFlashLoanInitiated, "rejected")
			return flash.Result{}, flashErr
		}
		reverted := &event.FlashLoanReverted{
			FlashID:    flashID,
			Borrower:   borrower,
			LoanAsset:  asset,
			Amount:     amount,
			Reason:     flashErr.Error(),
			RevertedAt: ended,
		}
		e.commitLocked(reverted, ended, nil)
		if e.metrics != nil {
			e.metrics.FlashLoans.WithLabelValues(asset, "reverted").Inc()
		}
		return flash.Result{}, flashErr
	}

	if e.flashDepth == 0 {
		e.flushFlashBuffer()
	}
	settled := &event.FlashLoanSettled{
		FlashID:   flashID,
		Borrower:  borrower,
		LoanAsset: asset,
		Amount:    result.Amount,
		Repaid:    result.Repaid,
		SettledAt: ended,
	}
	var repayBuild batchBuilder
	if result.Repaid > 0 {
		repayBuild = func(ref string, seq, tsm int64) *ledger.Batch {
			return ledger.GenerateFlashRepayBatch(ref, seq, tsm, borrower, assetID, result.Repaid)
		}
	}
	e.commitLocked(settled, ended, repayBuild)
	if e.metrics != nil {
		e.metrics.FlashLoans.WithLabelValues(asset, "settled").Inc()
	}
	return result, nil
}

// ============================================================
// Commit pipeline
// ============================================================

// commitLocked records one committed operation. Inside a flash loan the
// emission is buffered; otherwise it finalizes immediately.
func (e *Engine) commitLocked(evt event.Event, ts time.Time, build batchBuilder) {
	if e.flashDepth > 0 {
		e.flashPending = append(e.flashPending, pendingEmission{evt: evt, ts: ts, build: build})
		return
	}
	e.finalizeLocked(evt, ts, build)
}

func (e *Engine) flushFlashBuffer() {
	pending := e.flashPending
	e.flashPending = e.flashPending[:0]
	for _, p := range pending {
		e.finalizeLocked(p.evt, p.ts, p.build)
	}
}

// finalizeLocked assigns the sequence, builds and applies the journal batch,
// advances the hash chain, and emits the output. Balance state was already
// mutated by the components; a batch that fails validation or tracking here
// means the ledger and the journal stream have diverged, which is fatal.
func (e *Engine) finalizeLocked(evt event.Event, ts time.Time, build batchBuilder) {
	eventRef := evt.IdempotencyKey()
	seq := e.sequence

	var batch *ledger.Batch
	if build != nil {
		batch = build(eventRef, seq, ts.UnixMicro())
	}
	if batch != nil && len(batch.Journals) > 0 {
		if err := e.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch for %s: %v", eventRef, err))
		}
		if err := e.tracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: journal tracking diverged for %s: %v", eventRef, err))
		}
		if e.metrics != nil {
			for _, j := range batch.Journals {
				e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	var digest []byte
	if batch != nil {
		digest = e.digestForJournals(batch.Journals)
	}

	hashStart := time.Now()
	prevHash := e.hasher.Tip()
	stateHash := e.hasher.Advance(seq, digest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := event.EncodePayload(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot encode %s payload: %v", evt.EventType(), err))
	}

	env := &event.Envelope{
		Sequence:       seq,
		IdempotencyKey: eventRef,
		EventType:      evt.EventType(),
		Asset:          evt.AssetContext(),
		Timestamp:      ts,
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	e.sequence++

	out := Output{Envelope: env, Batch: batch, StateDelta: digest}
	if e.persistChan != nil {
		// Blocking send: the engine stalls until the persistence worker
		// drains rather than lose a committed event.
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.projectionChan != nil {
		// Non-blocking send: projections rebuild from the log if behind.
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}

	e.idempotency.MarkProcessed(evt.EventType().String(), eventRef)

	if e.metrics != nil {
		e.metrics.CoreEventsApplied.WithLabelValues(evt.EventType().String()).Inc()
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.metrics.DedupLRUSize.Set(float64(e.idempotency.lru.Size()))
	}

	if seq > 0 && seq%invariantSweepInterval == 0 {
		if err := e.sweepInvariants(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated at sequence %d: %v", seq, err))
		}
	}
}

// digestForJournals creates canonical bytes for the state hash: every account
// the journals touched, sorted by path, with its post-batch signed balance.
func (e *Engine) digestForJournals(journals []ledger.Journal) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, e.tracker.Balance(key))
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func (e *Engine) sweepInvariants() error {
	return errors.Join(
		e.validator.ValidateGlobalBalance(),
		e.validator.ValidateInternalNonNegative(),
		e.validator.ValidateBookAgreement(),
	)
}

// ============================================================
// Queries
// ============================================================

// Balance returns the user's current balance for an asset.
func (e *Engine) Balance(userID uuid.UUID, asset string) (uint64, error) {
	assetID, err := resolveAsset("balance", asset)
	if err != nil {
		return 0, err
	}
	return e.book.Balance(ledger.NewUserAccount(userID, assetID)), nil
}

// PoolBalance returns the protocol pool's balance for an asset.
func (e *Engine) PoolBalance(asset string) (uint64, error) {
	assetID, err := resolveAsset("pool balance", asset)
	if err != nil {
		return 0, err
	}
	return e.book.Balance(ledger.NewPoolAccount(assetID)), nil
}

// GetLoan returns a copy of the loan.
func (e *Engine) GetLoan(loanID uint64) (loan.Loan, bool) {
	return e.loans.Get(loanID)
}

// Loans returns copies of all loans ordered by id.
func (e *Engine) Loans() []loan.Loan {
	return e.loans.Snapshot()
}

// AmountDue returns the exact repayment owed on an active loan right now.
func (e *Engine) AmountDue(loanID uint64) (loan.Due, error) {
	return e.loans.AmountDue(loanID)
}

// GetPrice returns the last accepted quote for an asset.
func (e *Engine) GetPrice(asset string) (oracle.Quote, error) {
	assetID, err := resolveAsset("get price", asset)
	if err != nil {
		return oracle.Quote{}, err
	}
	return e.gateway.GetPrice(assetID)
}

// Sequence returns the next sequence to be assigned, which is also the count
// of committed events.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// StateHash returns the current tip of the hash chain.
func (e *Engine) StateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.Tip()
}

// VerifyIntegrity runs the full cross-component invariant sweep on demand.
func (e *Engine) VerifyIntegrity() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sweepInvariants()
}

// FeedGaps returns recorded price feed sequence gaps.
func (e *Engine) FeedGaps() []SequenceGap {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feedSeq.GetGaps()
}

// ============================================================
// Helpers
// ============================================================

func resolveAsset(op, asset string) (ledger.AssetID, error) {
	id, ok := ledger.GetAssetID(asset)
	if !ok {
		return 0, fmt.Errorf("%s: asset %q: %w", op, asset, ledger.ErrUnknownAsset)
	}
	return id, nil
}

func (e *Engine) observeDuration(et event.EventType, start time.Time) {
	if e.metrics != nil {
		e.metrics.CoreEventDuration.WithLabelValues(et.String()).Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) reject(et event.EventType, reason string) {
	if e.metrics != nil {
		e.metrics.CoreEventsRejected.WithLabelValues(et.String(), reason).Inc()
	}
}

func (e *Engine) guardRejected(operation string) {
	if e.metrics != nil {
		e.metrics.GuardRejections.WithLabelValues(operation).Inc()
	}
}
