package query_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/fixmath"
	"LendLedger/internal/liquidation"
	"LendLedger/internal/loan"
	"LendLedger/internal/oracle"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const unit = fixmath.Precision

var (
	baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	borrower = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	updater  = uuid.MustParse("66666666-6666-6666-6666-666666666666")
)

// TestQueryService_EndToEnd runs a lending scenario through a real engine,
// feeds every output into the persistence and projection workers against
// the test database, and reads it all back through the query service. Both
// channels are closed before Run so the workers drain synchronously and
// flush on the way out.
//
// Scenario (sequences 0..6):
//
//	0  pool funded with 10_000 USDT
//	1  borrower deposits 1_000 ETH
//	2  USDT priced at 1.0
//	3  ETH priced at 2.0
//	4  loan 1 opened: 300 ETH collateral, 300 USDT principal
//	5  loan 1 repaid in full, zero interest at a fixed clock
//	6  loan 2 opened: 400 ETH collateral, 400 USDT principal
func TestQueryService_EndToEnd(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	persistCh := make(chan core.Output, 64)
	projCh := make(chan core.Output, 64)
	rail := testutil.NewRecordingTransferer()

	engine := core.NewEngine(core.Config{
		Loan:        loan.Config{CollateralRatioPct: 150, AnnualRateBps: 500},
		Liquidation: liquidation.Config{ThresholdPct: 150, BonusPct: 10},
		Oracle: oracle.Config{
			MaxDeviationBps: 10_000,
			DeviationWindow: 5 * time.Minute,
			MaxQuoteAge:     time.Hour,
			MaxBatchSize:    100,
		},
		PriceUpdaters:       []uuid.UUID{updater},
		IdempotencyCapacity: 1024,
		Clock:               func() time.Time { return baseTime },
	}, rail, nil, persistCh, projCh, nil)

	ctx := context.Background()

	if err := engine.FundPool(uuid.New(), "USDT", 10_000); err != nil {
		t.Fatalf("fund pool: %v", err)
	}
	if err := engine.Deposit(uuid.New(), borrower, "ETH", 1_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.UpdatePrice(updater, core.PriceUpdate{Asset: "USDT", Price: unit, ObservedAt: baseTime}); err != nil {
		t.Fatalf("price USDT: %v", err)
	}
	if err := engine.UpdatePrice(updater, core.PriceUpdate{Asset: "ETH", Price: 2 * unit, ObservedAt: baseTime}); err != nil {
		t.Fatalf("price ETH: %v", err)
	}
	loan1, err := engine.OpenLoan(ctx, borrower, "ETH", 300, "USDT", 300)
	if err != nil {
		t.Fatalf("open loan 1: %v", err)
	}
	if _, err := engine.RepayLoan(ctx, loan1, borrower, 300); err != nil {
		t.Fatalf("repay loan 1: %v", err)
	}
	loan2, err := engine.OpenLoan(ctx, borrower, "ETH", 400, "USDT", 400)
	if err != nil {
		t.Fatalf("open loan 2: %v", err)
	}
	lastSeq := engine.Sequence() - 1

	// Drain into the database synchronously: closed input makes both
	// workers flush and return nil.
	close(persistCh)
	pw := persistence.NewWorker(db, persistCh, nil, 50, 10*time.Millisecond, nil, zerolog.Nop())
	if err := pw.Run(ctx); err != nil {
		t.Fatalf("persistence worker: %v", err)
	}
	close(projCh)
	jw := projection.NewWorker(db, projCh, nil, zerolog.Nop())
	if err := jw.Run(ctx); err != nil {
		t.Fatalf("projection worker: %v", err)
	}

	svc := query.NewService(db, engine.Sequence, nil)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := svc.AwaitSequence(waitCtx, lastSeq); err != nil {
		t.Fatalf("await sequence %d: %v", lastSeq, err)
	}

	// ========================================================================
	// Balances
	// ========================================================================

	// Loan 1's collateral came back on repayment, loan 2's 400 ETH sits
	// in pool custody, so the borrower holds 600 ETH plus loan 2's 400
	// USDT principal.
	bal, err := svc.GetBalance(ctx, borrower, "ETH")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Amount != 600 {
		t.Errorf("borrower ETH = %d, want 600", bal.Amount)
	}
	if bal.AsOfSequence != lastSeq {
		t.Errorf("balance as-of = %d, want %d", bal.AsOfSequence, lastSeq)
	}

	balances, err := svc.GetBalances(ctx, borrower)
	if err != nil {
		t.Fatalf("get balances: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("got %d balances, want 2: %+v", len(balances), balances)
	}
	if balances[0].Asset != "ETH" || balances[0].Amount != 600 {
		t.Errorf("balances[0] = %s %d, want ETH 600", balances[0].Asset, balances[0].Amount)
	}
	if balances[1].Asset != "USDT" || balances[1].Amount != 400 {
		t.Errorf("balances[1] = %s %d, want USDT 400", balances[1].Asset, balances[1].Amount)
	}

	// The pool lent 400 USDT net and custodies loan 2's collateral.
	pool, err := svc.GetPoolBalances(ctx)
	if err != nil {
		t.Fatalf("get pool balances: %v", err)
	}
	if len(pool) != 2 {
		t.Fatalf("got %d pool balances, want 2: %+v", len(pool), pool)
	}
	if pool[0].Asset != "ETH" || pool[0].Amount != 400 {
		t.Errorf("pool[0] = %s %d, want ETH 400", pool[0].Asset, pool[0].Amount)
	}
	if pool[1].Asset != "USDT" || pool[1].Amount != 9_600 {
		t.Errorf("pool[1] = %s %d, want USDT 9600", pool[1].Asset, pool[1].Amount)
	}

	// ========================================================================
	// Loans
	// ========================================================================

	l1, err := svc.GetLoan(ctx, loan1)
	if err != nil {
		t.Fatalf("get loan 1: %v", err)
	}
	if l1.Status != "repaid" {
		t.Errorf("loan 1 status = %q, want repaid", l1.Status)
	}
	if l1.ClosedAt == nil {
		t.Error("loan 1 closed_at is nil after repayment")
	}
	if l1.InterestPaid != 0 {
		t.Errorf("loan 1 interest = %d, want 0 at fixed clock", l1.InterestPaid)
	}

	l2, err := svc.GetLoan(ctx, loan2)
	if err != nil {
		t.Fatalf("get loan 2: %v", err)
	}
	if l2.Status != "active" {
		t.Errorf("loan 2 status = %q, want active", l2.Status)
	}
	if l2.Principal != 400 || l2.CollateralAmount != 400 {
		t.Errorf("loan 2 = %d/%d, want principal 400 collateral 400", l2.Principal, l2.CollateralAmount)
	}
	if l2.RateBps != 500 {
		t.Errorf("loan 2 rate = %d bps, want 500", l2.RateBps)
	}

	if _, err := svc.GetLoan(ctx, 99); !errors.Is(err, query.ErrNotFound) {
		t.Errorf("get missing loan: err = %v, want ErrNotFound", err)
	}

	byBorrower, err := svc.GetLoans(ctx, query.LoanFilter{Borrower: &borrower})
	if err != nil {
		t.Fatalf("get loans by borrower: %v", err)
	}
	if len(byBorrower) != 2 {
		t.Fatalf("got %d loans for borrower, want 2", len(byBorrower))
	}
	if byBorrower[0].LoanID != loan2 || byBorrower[1].LoanID != loan1 {
		t.Errorf("loan order = [%d %d], want newest first [%d %d]",
			byBorrower[0].LoanID, byBorrower[1].LoanID, loan2, loan1)
	}

	active := "active"
	activeLoans, err := svc.GetLoans(ctx, query.LoanFilter{Status: &active})
	if err != nil {
		t.Fatalf("get active loans: %v", err)
	}
	if len(activeLoans) != 1 || activeLoans[0].LoanID != loan2 {
		t.Errorf("active loans = %+v, want only loan %d", activeLoans, loan2)
	}

	// ========================================================================
	// Prices
	// ========================================================================

	eth, err := svc.GetPrice(ctx, "ETH")
	if err != nil {
		t.Fatalf("get price ETH: %v", err)
	}
	if eth.Price != "2000000000000000000" {
		t.Errorf("ETH price = %s, want 2000000000000000000", eth.Price)
	}

	if _, err := svc.GetPrice(ctx, "DOGE"); !errors.Is(err, query.ErrNotFound) {
		t.Errorf("get unknown price: err = %v, want ErrNotFound", err)
	}

	prices, err := svc.GetPrices(ctx)
	if err != nil {
		t.Fatalf("get prices: %v", err)
	}
	if len(prices) != 2 {
		t.Errorf("got %d prices, want 2", len(prices))
	}

	// ========================================================================
	// Journal history
	// ========================================================================

	// Deposit contributes one leg, each open two, the zero-interest
	// repayment two. Seven legs touch the borrower in total.
	history, err := svc.GetJournalHistory(ctx, borrower, 50, nil)
	if err != nil {
		t.Fatalf("journal history: %v", err)
	}
	if len(history) != 7 {
		t.Fatalf("got %d journal entries, want 7", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].Sequence > history[i-1].Sequence {
			t.Fatalf("history not in descending sequence order at %d: %d > %d",
				i, history[i].Sequence, history[i-1].Sequence)
		}
	}
	if history[0].Sequence != lastSeq {
		t.Errorf("newest history entry at sequence %d, want %d", history[0].Sequence, lastSeq)
	}

	after := int64(5)
	page, err := svc.GetJournalHistory(ctx, borrower, 50, &after)
	if err != nil {
		t.Fatalf("journal history page: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("got %d entries before sequence 5, want 3 (open 1 legs + deposit)", len(page))
	}
	for _, e := range page {
		if e.Sequence >= after {
			t.Errorf("paged entry at sequence %d, want < %d", e.Sequence, after)
		}
	}

	// ========================================================================
	// Integrity
	// ========================================================================

	report, err := svc.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	if !report.IsHealthy {
		t.Errorf("integrity report unhealthy: breaks=%v unbalanced=%v",
			report.HashChainBreaks, report.UnbalancedAssets)
	}
	if report.LatestSequence != lastSeq {
		t.Errorf("latest sequence = %d, want %d", report.LatestSequence, lastSeq)
	}
	if report.Watermark != lastSeq {
		t.Errorf("watermark = %d, want %d", report.Watermark, lastSeq)
	}
}

func TestAwaitSequence_ContextExpires(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	svc := query.NewService(db, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := svc.AwaitSequence(ctx, 1_000_000)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("await on empty projection: err = %v, want deadline exceeded", err)
	}
}
