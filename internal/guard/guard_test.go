package guard_test

import (
	"errors"
	"sync"
	"testing"

	"LendLedger/internal/guard"

	"github.com/google/uuid"
)

// ============================================================================
// Test: Enter / Exit
// ============================================================================

func TestGuard_EnterThenReenter_Fails(t *testing.T) {
	g := guard.New()
	scope := guard.LoanScope(1)

	if err := g.Enter(scope); err != nil {
		t.Fatalf("first Enter failed: %v", err)
	}
	err := g.Enter(scope)
	if !errors.Is(err, guard.ErrConcurrentOperation) {
		t.Errorf("expected ErrConcurrentOperation, got %v", err)
	}
}

func TestGuard_ExitReleasesScope(t *testing.T) {
	g := guard.New()
	scope := guard.LoanScope(7)

	if err := g.Enter(scope); err != nil {
		t.Fatalf("Enter failed: %v", err)
	}
	g.Exit(scope)
	if err := g.Enter(scope); err != nil {
		t.Errorf("Enter after Exit should succeed: %v", err)
	}
}

func TestGuard_DistinctScopesIndependent(t *testing.T) {
	g := guard.New()

	if err := g.Enter(guard.LoanScope(1)); err != nil {
		t.Fatalf("Enter loan:1 failed: %v", err)
	}
	if err := g.Enter(guard.LoanScope(2)); err != nil {
		t.Errorf("loan:2 should be independent of loan:1: %v", err)
	}
	if err := g.Enter(guard.PoolScope("USDC")); err != nil {
		t.Errorf("pool scope should be independent of loan scopes: %v", err)
	}
	if err := g.Enter(guard.BorrowerScope(uuid.New())); err != nil {
		t.Errorf("borrower scope should be independent: %v", err)
	}
}

func TestGuard_ExitUnheldScope_NoOp(t *testing.T) {
	g := guard.New()
	g.Exit(guard.LoanScope(99))
	if err := g.Enter(guard.LoanScope(99)); err != nil {
		t.Errorf("Enter after spurious Exit failed: %v", err)
	}
}

// ============================================================================
// Test: Concurrent contention
// ============================================================================

func TestGuard_ConcurrentEnter_ExactlyOneWins(t *testing.T) {
	g := guard.New()
	scope := guard.PoolScope("USDC")

	const goroutines = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Enter(scope) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("exactly one goroutine should win the scope, got %d", wins)
	}
}
