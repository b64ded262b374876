package liquidation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"LendLedger/internal/fixmath"
	"LendLedger/internal/ledger"
	"LendLedger/internal/liquidation"
	"LendLedger/internal/loan"
	"LendLedger/internal/oracle"
	"LendLedger/internal/testutil"

	"github.com/google/uuid"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const unit = fixmath.Precision

type env struct {
	t          *testing.T
	now        time.Time
	book       *ledger.Book
	gw         *oracle.Gateway
	rail       *testutil.RecordingTransferer
	mgr        *loan.Manager
	engine     *liquidation.Engine
	usdc       ledger.AssetID
	eth        ledger.AssetID
	borrower   uuid.UUID
	liquidator uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{t: t, now: baseTime, borrower: uuid.New(), liquidator: uuid.New()}

	var ok bool
	if e.usdc, ok = ledger.GetAssetID("USDC"); !ok {
		t.Fatal("USDC not registered")
	}
	if e.eth, ok = ledger.GetAssetID("ETH"); !ok {
		t.Fatal("ETH not registered")
	}

	clock := func() time.Time { return e.now }
	e.book = ledger.NewBook()
	e.gw = oracle.NewGateway(oracle.Config{}, nil, clock)
	e.rail = testutil.NewRecordingTransferer()
	e.mgr = loan.NewManager(loan.Config{}, e.book, e.gw, e.rail, clock)
	e.engine = liquidation.NewEngine(liquidation.Config{ThresholdPct: 150, BonusPct: 10}, e.book, e.gw, e.rail, e.mgr)

	e.setPrice(e.usdc, unit)
	e.setPrice(e.eth, unit)

	e.mustCredit(ledger.NewUserAccount(e.borrower, e.eth), 1_000)
	e.mustCredit(ledger.NewUserAccount(e.liquidator, e.usdc), 500)
	e.mustCredit(ledger.NewPoolAccount(e.usdc), 1_000)
	return e
}

func (e *env) setPrice(asset ledger.AssetID, price uint64) {
	e.gw.RestoreQuote(oracle.Quote{AssetID: asset, Price: price, ObservedAt: e.now})
}

func (e *env) mustCredit(key ledger.AccountKey, amount uint64) {
	e.t.Helper()
	if err := e.book.Credit(key, amount); err != nil {
		e.t.Fatalf("credit %s: %v", key.AccountPath(), err)
	}
}

// openLoan posts 150 ETH against 100 USDC at par prices.
func (e *env) openLoan() uint64 {
	e.t.Helper()
	id, err := e.mgr.OpenLoan(context.Background(), e.borrower, e.eth, 150, e.usdc, 100)
	if err != nil {
		e.t.Fatalf("OpenLoan failed: %v", err)
	}
	return id
}

func (e *env) balance(key ledger.AccountKey) uint64 {
	return e.book.Balance(key)
}

// ============================================================================
// Test: Liquidate
// ============================================================================

func TestLiquidate_Undercollateralized_Succeeds(t *testing.T) {
	e := newEnv(t)
	id := e.openLoan()

	// ETH drops to 0.90: collateral value 135 is below the 150 bound and
	// still covers the 110 payout.
	e.setPrice(e.eth, 9*unit/10)

	closed, err := e.engine.Liquidate(context.Background(), id, e.liquidator)
	if err != nil {
		t.Fatalf("Liquidate failed: %v", err)
	}
	if closed.Status != loan.StatusLiquidated {
		t.Errorf("status: got %s, want liquidated", closed.Status)
	}
	if closed.ClosedAt.IsZero() {
		t.Error("closed loan should carry a close time")
	}

	if got := e.balance(ledger.NewUserAccount(e.liquidator, e.usdc)); got != 400 {
		t.Errorf("liquidator USDC: got %d, want 400", got)
	}
	if got := e.balance(ledger.NewUserAccount(e.liquidator, e.eth)); got != 150 {
		t.Errorf("liquidator should hold the full collateral, got %d", got)
	}
	if got := e.balance(ledger.NewPoolAccount(e.usdc)); got != 1_000 {
		t.Errorf("pool should be made whole on principal, got %d", got)
	}
	if got := e.balance(ledger.NewPoolAccount(e.eth)); got != 0 {
		t.Errorf("custody should be empty, got %d", got)
	}
	// The borrower keeps the principal; only the collateral is gone.
	if got := e.balance(ledger.NewUserAccount(e.borrower, e.usdc)); got != 100 {
		t.Errorf("borrower USDC: got %d, want 100", got)
	}
	if got := e.balance(ledger.NewUserAccount(e.borrower, e.eth)); got != 850 {
		t.Errorf("borrower ETH: got %d, want 850", got)
	}

	calls := e.rail.Calls()
	if len(calls) != 4 {
		t.Fatalf("settlement calls: got %d, want 4 (2 open + 2 liquidation)", len(calls))
	}
	if calls[2].From != e.liquidator || calls[2].Amount != 100 {
		t.Errorf("liquidation repayment settlement: got %+v", calls[2])
	}
	if calls[3].To != e.liquidator || calls[3].Amount != 150 {
		t.Errorf("collateral handover settlement: got %+v", calls[3])
	}

	// The loan is terminal now.
	_, err = e.engine.Liquidate(context.Background(), id, e.liquidator)
	if !errors.Is(err, loan.ErrLoanNotActive) {
		t.Errorf("second liquidation: expected ErrLoanNotActive, got %v", err)
	}
}

func TestLiquidate_HealthyLoan_Rejected(t *testing.T) {
	e := newEnv(t)
	id := e.openLoan()

	// At par the collateral value sits exactly on the bound; eligibility is
	// strictly below it.
	_, err := e.engine.Liquidate(context.Background(), id, e.liquidator)
	if !errors.Is(err, liquidation.ErrNotUndercollateralized) {
		t.Fatalf("expected ErrNotUndercollateralized, got %v", err)
	}

	l, _ := e.mgr.Get(id)
	if l.Status != loan.StatusActive {
		t.Errorf("loan should stay active, got %s", l.Status)
	}
	if got := e.balance(ledger.NewUserAccount(e.liquidator, e.usdc)); got != 500 {
		t.Errorf("liquidator funds must be untouched, got %d", got)
	}
}

func TestLiquidate_PayoutExceedsCollateral_Rejected(t *testing.T) {
	e := newEnv(t)
	id := e.openLoan()

	// ETH drops to 0.60: collateral value 90 is deep below the bound, but
	// the 110 payout cannot be honored.
	e.setPrice(e.eth, 6*unit/10)

	_, err := e.engine.Liquidate(context.Background(), id, e.liquidator)
	if !errors.Is(err, loan.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}

	l, _ := e.mgr.Get(id)
	if l.Status != loan.StatusActive {
		t.Errorf("loan should stay active, got %s", l.Status)
	}
	if got := e.balance(ledger.NewPoolAccount(e.eth)); got != 150 {
		t.Errorf("collateral must stay in custody, got %d", got)
	}
	if len(e.rail.Calls()) != 2 {
		t.Error("rejected liquidation must not reach settlement")
	}
}

func TestLiquidate_UnknownLoan_NotActive(t *testing.T) {
	e := newEnv(t)

	_, err := e.engine.Liquidate(context.Background(), 42, e.liquidator)
	if !errors.Is(err, loan.ErrLoanNotActive) {
		t.Errorf("expected ErrLoanNotActive, got %v", err)
	}
}

func TestLiquidate_RepaidLoan_NotActive(t *testing.T) {
	e := newEnv(t)
	id := e.openLoan()
	if _, err := e.mgr.Repay(context.Background(), id, e.borrower, 100); err != nil {
		t.Fatalf("repay failed: %v", err)
	}

	_, err := e.engine.Liquidate(context.Background(), id, e.liquidator)
	if !errors.Is(err, loan.ErrLoanNotActive) {
		t.Errorf("expected ErrLoanNotActive, got %v", err)
	}
}

func TestLiquidate_StalePrices_Unavailable(t *testing.T) {
	e := newEnv(t)
	id := e.openLoan()

	// Both quotes age out; health cannot be evaluated.
	e.now = e.now.Add(2 * time.Hour)

	_, err := e.engine.Liquidate(context.Background(), id, e.liquidator)
	if !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestLiquidate_LiquidatorLacksFunds(t *testing.T) {
	e := newEnv(t)
	id := e.openLoan()
	e.setPrice(e.eth, 9*unit/10)

	broke := uuid.New()
	_, err := e.engine.Liquidate(context.Background(), id, broke)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	l, _ := e.mgr.Get(id)
	if l.Status != loan.StatusActive {
		t.Errorf("loan should stay active, got %s", l.Status)
	}
}

func TestLiquidate_SettlementFailure_Unwinds(t *testing.T) {
	e := newEnv(t)
	id := e.openLoan()
	e.setPrice(e.eth, 9*unit/10)

	e.rail.Err = testutil.ErrTransferRailDown
	_, err := e.engine.Liquidate(context.Background(), id, e.liquidator)
	if !errors.Is(err, testutil.ErrTransferRailDown) {
		t.Fatalf("expected rail failure to propagate, got %v", err)
	}

	l, _ := e.mgr.Get(id)
	if l.Status != loan.StatusActive {
		t.Fatalf("loan should be reopened, got %s", l.Status)
	}
	if got := e.balance(ledger.NewUserAccount(e.liquidator, e.usdc)); got != 500 {
		t.Errorf("liquidator USDC should be restored, got %d", got)
	}
	if got := e.balance(ledger.NewUserAccount(e.liquidator, e.eth)); got != 0 {
		t.Errorf("liquidator must hold no collateral, got %d", got)
	}
	if got := e.balance(ledger.NewPoolAccount(e.eth)); got != 150 {
		t.Errorf("collateral should be back in custody, got %d", got)
	}

	// A later attempt against a healthy rail completes.
	e.rail.Err = nil
	if _, err := e.engine.Liquidate(context.Background(), id, e.liquidator); err != nil {
		t.Errorf("liquidation after rail recovery failed: %v", err)
	}
}
