package guard

import (
	"errors"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// ErrConcurrentOperation is returned when a scope is already held, whether by
// another goroutine or by re-entry from a callback on the same call stack.
var ErrConcurrentOperation = errors.New("concurrent operation in progress")

// Scope is a mutual-exclusion domain. Operations that must not interleave
// share a scope; everything else proceeds independently.
type Scope string

// BorrowerScope serializes loan openings per borrower.
func BorrowerScope(borrower uuid.UUID) Scope {
	return Scope("borrower:" + borrower.String())
}

// LoanScope serializes repay and liquidate on one loan. Both operations use
// the same scope so a repayment callback cannot liquidate the loan it is
// repaying.
func LoanScope(loanID uint64) Scope {
	return Scope("loan:" + strconv.FormatUint(loanID, 10))
}

// PoolScope serializes flash-loan sessions per asset pool.
func PoolScope(asset string) Scope {
	return Scope("pool:" + asset)
}

// Guard holds the set of busy scopes. Enter is non-blocking: a held scope
// fails immediately instead of waiting, so an untrusted callback re-entering
// a guarded operation gets an error rather than a deadlock.
type Guard struct {
	mu   sync.Mutex
	held map[Scope]struct{}
}

func New() *Guard {
	return &Guard{held: make(map[Scope]struct{})}
}

// Enter claims the scope for the duration of one operation. The caller must
// pair every successful Enter with a deferred Exit so the flag clears on
// every exit path, including panics and error returns.
func (g *Guard) Enter(scope Scope) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[scope]; busy {
		return ErrConcurrentOperation
	}
	g.held[scope] = struct{}{}
	return nil
}

// Exit releases the scope. Releasing a scope that is not held is a no-op.
func (g *Guard) Exit(scope Scope) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, scope)
}
