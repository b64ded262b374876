package loan_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"LendLedger/internal/fixmath"
	"LendLedger/internal/ledger"
	"LendLedger/internal/loan"
	"LendLedger/internal/oracle"
	"LendLedger/internal/testutil"

	"github.com/google/uuid"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const unit = fixmath.Precision

// env wires a manager against a real book and oracle with a movable clock.
type env struct {
	t        *testing.T
	now      time.Time
	book     *ledger.Book
	gw       *oracle.Gateway
	rail     *testutil.RecordingTransferer
	mgr      *loan.Manager
	usdc     ledger.AssetID
	eth      ledger.AssetID
	borrower uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{t: t, now: baseTime, borrower: uuid.New()}

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
	e.mgr = loan.NewManager(loan.Config{CollateralRatioPct: 150, AnnualRateBps: 500}, e.book, e.gw, e.rail, clock)

	e.setPrice(e.usdc, unit)
	e.setPrice(e.eth, unit)

	// Borrower holds collateral plus a buffer for interest; the pool holds
	// lendable liquidity.
	e.mustCredit(ledger.NewUserAccount(e.borrower, e.eth), 1_000)
	e.mustCredit(ledger.NewUserAccount(e.borrower, e.usdc), 50)
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

func (e *env) mustOpen(collateral, principal uint64) uint64 {
	e.t.Helper()
	id, err := e.mgr.OpenLoan(context.Background(), e.borrower, e.eth, collateral, e.usdc, principal)
	if err != nil {
		e.t.Fatalf("OpenLoan failed: %v", err)
	}
	return id
}

func (e *env) balance(key ledger.AccountKey) uint64 {
	return e.book.Balance(key)
}

// ============================================================================
// Test: OpenLoan
// ============================================================================

func TestOpenLoan_SufficientCollateral_Succeeds(t *testing.T) {
	e := newEnv(t)

	id := e.mustOpen(150, 100)
	if id != 1 {
		t.Errorf("first loan id: got %d, want 1", id)
	}

	l, ok := e.mgr.Get(id)
	if !ok {
		t.Fatal("loan should exist")
	}
	if l.Status != loan.StatusActive {
		t.Errorf("status: got %s, want active", l.Status)
	}
	if l.Principal != 100 || l.CollateralAmount != 150 {
		t.Errorf("terms: got principal %d collateral %d", l.Principal, l.CollateralAmount)
	}

	if got := e.balance(ledger.NewUserAccount(e.borrower, e.eth)); got != 850 {
		t.Errorf("borrower ETH: got %d, want 850", got)
	}
	if got := e.balance(ledger.NewPoolAccount(e.eth)); got != 150 {
		t.Errorf("ETH pool custody: got %d, want 150", got)
	}
	if got := e.balance(ledger.NewUserAccount(e.borrower, e.usdc)); got != 150 {
		t.Errorf("borrower USDC: got %d, want 150", got)
	}
	if got := e.balance(ledger.NewPoolAccount(e.usdc)); got != 900 {
		t.Errorf("USDC pool: got %d, want 900", got)
	}

	calls := e.rail.Calls()
	if len(calls) != 2 {
		t.Fatalf("settlement calls: got %d, want 2", len(calls))
	}
	if calls[0].To != ledger.ProtocolParty || calls[0].Amount != 150 {
		t.Errorf("first settlement should pull 150 collateral to the protocol, got %+v", calls[0])
	}
	if calls[1].From != ledger.ProtocolParty || calls[1].Amount != 100 {
		t.Errorf("second settlement should pay 100 principal out, got %+v", calls[1])
	}
}

func TestOpenLoan_InsufficientCollateral_Fails(t *testing.T) {
	e := newEnv(t)

	_, err := e.mgr.OpenLoan(context.Background(), e.borrower, e.eth, 100, e.usdc, 100)
	if !errors.Is(err, loan.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}

	if got := e.balance(ledger.NewUserAccount(e.borrower, e.eth)); got != 1_000 {
		t.Errorf("failed open must not move collateral, got %d", got)
	}
	if len(e.rail.Calls()) != 0 {
		t.Error("failed open must not reach settlement")
	}
}

func TestOpenLoan_PriceUnavailable_Fails(t *testing.T) {
	e := newEnv(t)
	dai, _ := ledger.GetAssetID("DAI")

	_, err := e.mgr.OpenLoan(context.Background(), e.borrower, e.eth, 150, dai, 100)
	if !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestOpenLoan_PoolShortfall_InsufficientLiquidity(t *testing.T) {
	e := newEnv(t)
	e.mustCredit(ledger.NewUserAccount(e.borrower, e.eth), 9_000) // plenty of collateral

	_, err := e.mgr.OpenLoan(context.Background(), e.borrower, e.eth, 6_000, e.usdc, 4_000)
	if !errors.Is(err, ledger.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}

	// The collateral lock must have been unwound.
	if got := e.balance(ledger.NewUserAccount(e.borrower, e.eth)); got != 10_000 {
		t.Errorf("collateral should be unwound, got %d", got)
	}
	if got := e.balance(ledger.NewPoolAccount(e.eth)); got != 0 {
		t.Errorf("custody should be empty, got %d", got)
	}
}

func TestOpenLoan_BorrowerLacksCollateralBalance_Fails(t *testing.T) {
	e := newEnv(t)

	_, err := e.mgr.OpenLoan(context.Background(), e.borrower, e.eth, 5_000, e.usdc, 100)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestOpenLoan_ZeroAmounts_Rejected(t *testing.T) {
	e := newEnv(t)

	if _, err := e.mgr.OpenLoan(context.Background(), e.borrower, e.eth, 0, e.usdc, 100); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("zero collateral: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := e.mgr.OpenLoan(context.Background(), e.borrower, e.eth, 150, e.usdc, 0); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("zero principal: expected ErrInvalidAmount, got %v", err)
	}
}

func TestOpenLoan_SettlementFailure_Unwinds(t *testing.T) {
	e := newEnv(t)
	e.rail.Err = testutil.ErrTransferRailDown

	_, err := e.mgr.OpenLoan(context.Background(), e.borrower, e.eth, 150, e.usdc, 100)
	if !errors.Is(err, testutil.ErrTransferRailDown) {
		t.Fatalf("expected rail failure to propagate, got %v", err)
	}

	// Every internal effect must be unwound.
	if got := e.balance(ledger.NewUserAccount(e.borrower, e.eth)); got != 1_000 {
		t.Errorf("borrower ETH: got %d, want 1_000", got)
	}
	if got := e.balance(ledger.NewPoolAccount(e.usdc)); got != 1_000 {
		t.Errorf("USDC pool: got %d, want 1_000", got)
	}
	if _, ok := e.mgr.Get(1); ok {
		t.Error("failed open must not leave a loan behind")
	}

	// The consumed id is not reused; ids stay monotonic.
	e.rail.Err = nil
	if id := e.mustOpen(150, 100); id != 2 {
		t.Errorf("next loan id: got %d, want 2", id)
	}
}

// ============================================================================
// Test: Repay
// ============================================================================

func TestRepay_ExactAmountWithInterest_Succeeds(t *testing.T) {
	e := newEnv(t)
	id := e.mustOpen(150, 100)

	// Half a year at 500 bps on 100 accrues 2 (2.5 truncated).
	e.now = e.now.Add(time.Duration(fixmath.SecondsPerYear/2) * time.Second)

	due, err := e.mgr.AmountDue(id)
	if err != nil {
		t.Fatalf("AmountDue failed: %v", err)
	}
	if due.Interest != 2 || due.Total != 102 {
		t.Fatalf("due: got interest %d total %d, want 2 and 102", due.Interest, due.Total)
	}

	paid, err := e.mgr.Repay(context.Background(), id, e.borrower, 102)
	if err != nil {
		t.Fatalf("Repay failed: %v", err)
	}
	if paid != due {
		t.Errorf("repay breakdown: got %+v, want %+v", paid, due)
	}

	l, _ := e.mgr.Get(id)
	if l.Status != loan.StatusRepaid {
		t.Errorf("status: got %s, want repaid", l.Status)
	}
	if !l.ClosedAt.Equal(e.now) {
		t.Errorf("closed at: got %s, want %s", l.ClosedAt, e.now)
	}

	if got := e.balance(ledger.NewUserAccount(e.borrower, e.eth)); got != 1_000 {
		t.Errorf("collateral should be returned, got %d", got)
	}
	if got := e.balance(ledger.NewPoolAccount(e.usdc)); got != 1_002 {
		t.Errorf("pool should earn the interest, got %d", got)
	}
	if got := e.balance(ledger.NewUserAccount(e.borrower, e.usdc)); got != 48 {
		t.Errorf("borrower USDC: got %d, want 48", got)
	}
}

func TestRepay_WrongAmount_Mismatch(t *testing.T) {
	e := newEnv(t)
	id := e.mustOpen(150, 100)

	if _, err := e.mgr.Repay(context.Background(), id, e.borrower, 99); !errors.Is(err, loan.ErrRepayAmountMismatch) {
		t.Errorf("underpayment: expected ErrRepayAmountMismatch, got %v", err)
	}
	if _, err := e.mgr.Repay(context.Background(), id, e.borrower, 101); !errors.Is(err, loan.ErrRepayAmountMismatch) {
		t.Errorf("overpayment: expected ErrRepayAmountMismatch, got %v", err)
	}

	l, _ := e.mgr.Get(id)
	if l.Status != loan.StatusActive {
		t.Errorf("loan should stay active, got %s", l.Status)
	}
}

func TestRepay_NotBorrower_Fails(t *testing.T) {
	e := newEnv(t)
	id := e.mustOpen(150, 100)

	if _, err := e.mgr.Repay(context.Background(), id, uuid.New(), 100); !errors.Is(err, loan.ErrNotBorrower) {
		t.Errorf("expected ErrNotBorrower, got %v", err)
	}
}

func TestRepay_Twice_SecondNotActive(t *testing.T) {
	e := newEnv(t)
	id := e.mustOpen(150, 100)

	if _, err := e.mgr.Repay(context.Background(), id, e.borrower, 100); err != nil {
		t.Fatalf("first repay failed: %v", err)
	}
	if _, err := e.mgr.Repay(context.Background(), id, e.borrower, 100); !errors.Is(err, loan.ErrLoanNotActive) {
		t.Errorf("expected ErrLoanNotActive, got %v", err)
	}
}

func TestRepay_UnknownLoan_NotActive(t *testing.T) {
	e := newEnv(t)

	if _, err := e.mgr.Repay(context.Background(), 42, e.borrower, 100); !errors.Is(err, loan.ErrLoanNotActive) {
		t.Errorf("expected ErrLoanNotActive, got %v", err)
	}
}

func TestRepay_SettlementFailure_Reactivates(t *testing.T) {
	e := newEnv(t)
	id := e.mustOpen(150, 100)

	e.rail.Err = testutil.ErrTransferRailDown
	if _, err := e.mgr.Repay(context.Background(), id, e.borrower, 100); !errors.Is(err, testutil.ErrTransferRailDown) {
		t.Fatalf("expected rail failure to propagate, got %v", err)
	}

	l, _ := e.mgr.Get(id)
	if l.Status != loan.StatusActive {
		t.Fatalf("loan should be reactivated, got %s", l.Status)
	}
	if got := e.balance(ledger.NewPoolAccount(e.eth)); got != 150 {
		t.Errorf("collateral should be back in custody, got %d", got)
	}

	// A later repay against a healthy rail completes.
	e.rail.Err = nil
	if _, err := e.mgr.Repay(context.Background(), id, e.borrower, 100); err != nil {
		t.Errorf("repay after rail recovery failed: %v", err)
	}
}

// ============================================================================
// Test: AmountDue
// ============================================================================

func TestAmountDue_ZeroElapsed(t *testing.T) {
	e := newEnv(t)
	id := e.mustOpen(150, 100)

	due, err := e.mgr.AmountDue(id)
	if err != nil {
		t.Fatalf("AmountDue failed: %v", err)
	}
	if due.Interest != 0 || due.Total != 100 {
		t.Errorf("got interest %d total %d, want 0 and 100", due.Interest, due.Total)
	}
}

func TestAmountDue_FullYear(t *testing.T) {
	e := newEnv(t)
	id := e.mustOpen(150, 100)

	e.now = e.now.Add(time.Duration(fixmath.SecondsPerYear) * time.Second)
	due, err := e.mgr.AmountDue(id)
	if err != nil {
		t.Fatalf("AmountDue failed: %v", err)
	}
	if due.Interest != 5 || due.Total != 105 {
		t.Errorf("got interest %d total %d, want 5 and 105", due.Interest, due.Total)
	}
}

func TestAmountDue_ClosedLoan_NotActive(t *testing.T) {
	e := newEnv(t)
	id := e.mustOpen(150, 100)
	if _, err := e.mgr.Repay(context.Background(), id, e.borrower, 100); err != nil {
		t.Fatalf("repay failed: %v", err)
	}

	_, err := e.mgr.AmountDue(id)
	if !errors.Is(err, loan.ErrLoanNotActive) {
		t.Errorf("expected ErrLoanNotActive, got %v", err)
	}
}

// ============================================================================
// Test: Liquidation transition
// ============================================================================

func TestMarkLiquidated_Transitions(t *testing.T) {
	e := newEnv(t)
	id := e.mustOpen(150, 100)

	closed, err := e.mgr.MarkLiquidated(id)
	if err != nil {
		t.Fatalf("MarkLiquidated failed: %v", err)
	}
	if closed.Status != loan.StatusLiquidated {
		t.Errorf("got %s, want liquidated", closed.Status)
	}

	if _, err := e.mgr.MarkLiquidated(id); !errors.Is(err, loan.ErrLoanNotActive) {
		t.Errorf("second liquidation: expected ErrLoanNotActive, got %v", err)
	}
	if _, err := e.mgr.Repay(context.Background(), id, e.borrower, 100); !errors.Is(err, loan.ErrLoanNotActive) {
		t.Errorf("repay after liquidation: expected ErrLoanNotActive, got %v", err)
	}
}

func TestReopen_RestoresActive(t *testing.T) {
	e := newEnv(t)
	id := e.mustOpen(150, 100)

	if _, err := e.mgr.MarkLiquidated(id); err != nil {
		t.Fatalf("MarkLiquidated failed: %v", err)
	}
	if err := e.mgr.Reopen(id); err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}

	l, _ := e.mgr.Get(id)
	if l.Status != loan.StatusActive {
		t.Errorf("got %s, want active", l.Status)
	}
	if !l.ClosedAt.IsZero() {
		t.Error("reopened loan should have zero ClosedAt")
	}
}

// ============================================================================
// Test: Snapshot / restore
// ============================================================================

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	e := newEnv(t)
	id1 := e.mustOpen(150, 100)
	id2 := e.mustOpen(300, 200)

	snap := e.mgr.Snapshot()
	nextID := e.mgr.NextID()
	if len(snap) != 2 || snap[0].ID != id1 || snap[1].ID != id2 {
		t.Fatalf("snapshot should hold both loans in order, got %+v", snap)
	}

	other := loan.NewManager(loan.Config{}, e.book, e.gw, e.rail, func() time.Time { return e.now })
	other.Restore(snap, nextID)

	l, ok := other.Get(id2)
	if !ok || l.Principal != 200 {
		t.Errorf("restored loan mismatch: %+v ok=%v", l, ok)
	}
	if other.NextID() != nextID {
		t.Errorf("next id: got %d, want %d", other.NextID(), nextID)
	}
}

func TestCaptureState_UndoesLaterMutations(t *testing.T) {
	e := newEnv(t)
	id := e.mustOpen(150, 100)

	restore := e.mgr.CaptureState()
	if _, err := e.mgr.Repay(context.Background(), id, e.borrower, 100); err != nil {
		t.Fatalf("repay failed: %v", err)
	}
	restore()

	l, _ := e.mgr.Get(id)
	if l.Status != loan.StatusActive {
		t.Errorf("restored loan should be active, got %s", l.Status)
	}
}
