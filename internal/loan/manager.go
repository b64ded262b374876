package loan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"LendLedger/internal/fixmath"
	"LendLedger/internal/ledger"
	"LendLedger/internal/oracle"

	"github.com/google/uuid"
)

// Balances is the slice of the ledger book the manager needs.
type Balances interface {
	TransferBetween(from, to ledger.AccountKey, amount uint64) error
	Balance(key ledger.AccountKey) uint64
}

// PriceSource yields validated quotes.
type PriceSource interface {
	GetPrice(assetID ledger.AssetID) (oracle.Quote, error)
}

// AssetTransferer settles asset movements with the outside world. Results
// are always checked; a failure after internal effects triggers explicit
// compensation.
type AssetTransferer interface {
	Transfer(ctx context.Context, from, to uuid.UUID, assetID ledger.AssetID, amount uint64) error
}

// Due is the exact repayment owed on a loan at one instant.
type Due struct {
	Principal uint64
	Interest  uint64
	Total     uint64
}

// Manager owns the loan book. All status transitions go through it; other
// components read loan copies and request transitions. Internal ledger
// effects always commit before external transfers are issued, and a failed
// external transfer unwinds them.
type Manager struct {
	cfg    Config
	book   Balances
	prices PriceSource
	assets AssetTransferer
	clock  func() time.Time

	mu     sync.Mutex
	loans  map[uint64]*Loan
	nextID uint64
}

func NewManager(cfg Config, book Balances, prices PriceSource, assets AssetTransferer, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		cfg:    cfg.Normalise(),
		book:   book,
		prices: prices,
		assets: assets,
		clock:  clock,
		loans:  make(map[uint64]*Loan),
		nextID: 1,
	}
}

// OpenLoan opens a collateralized loan and returns its id. Both prices are
// fetched fresh; the posted collateral's value must cover the configured
// ratio of the borrowed value. Collateral moves into pool custody and the
// principal is released before the external transfers run.
func (m *Manager) OpenLoan(ctx context.Context, borrower uuid.UUID, collateralAsset ledger.AssetID, collateralAmount uint64, borrowAsset ledger.AssetID, principal uint64) (uint64, error) {
	if collateralAmount == 0 || principal == 0 {
		return 0, fmt.Errorf("open loan: %w", ledger.ErrInvalidAmount)
	}

	collateralQuote, err := m.prices.GetPrice(collateralAsset)
	if err != nil {
		return 0, fmt.Errorf("open loan: collateral price: %w", err)
	}
	borrowQuote, err := m.prices.GetPrice(borrowAsset)
	if err != nil {
		return 0, fmt.Errorf("open loan: borrow price: %w", err)
	}

	collateralValue, err := fixmath.AssetValue(collateralAmount, collateralQuote.Price)
	if err != nil {
		return 0, fmt.Errorf("open loan: collateral value: %w", err)
	}
	required, err := fixmath.RequiredCollateral(principal, borrowQuote.Price, m.cfg.CollateralRatioPct)
	if err != nil {
		return 0, fmt.Errorf("open loan: required collateral: %w", err)
	}
	if collateralValue < required {
		return 0, fmt.Errorf("open loan: value %d below required %d: %w", collateralValue, required, ErrInsufficientCollateral)
	}

	borrowerCollateral := ledger.NewUserAccount(borrower, collateralAsset)
	borrowerBorrow := ledger.NewUserAccount(borrower, borrowAsset)
	collateralPool := ledger.NewPoolAccount(collateralAsset)
	borrowPool := ledger.NewPoolAccount(borrowAsset)

	// Effects: collateral into custody, then principal out of the pool.
	if err := m.book.TransferBetween(borrowerCollateral, collateralPool, collateralAmount); err != nil {
		return 0, fmt.Errorf("open loan: lock collateral: %w", err)
	}
	if err := m.book.TransferBetween(borrowPool, borrowerBorrow, principal); err != nil {
		if undoErr := m.book.TransferBetween(collateralPool, borrowerCollateral, collateralAmount); undoErr != nil {
			return 0, fmt.Errorf("open loan: release principal: %v; collateral unwind also failed: %w", err, undoErr)
		}
		return 0, fmt.Errorf("open loan: release principal: %w", translatePoolShortfall(err))
	}

	now := m.clock()
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.loans[id] = &Loan{
		ID:               id,
		Borrower:         borrower,
		CollateralAsset:  collateralAsset,
		CollateralAmount: collateralAmount,
		BorrowAsset:      borrowAsset,
		Principal:        principal,
		RateBps:          m.cfg.AnnualRateBps,
		OpenedAt:         now,
		Status:           StatusActive,
	}
	m.mu.Unlock()

	// Interactions: pull collateral in, pay principal out.
	if err := m.assets.Transfer(ctx, borrower, ledger.ProtocolParty, collateralAsset, collateralAmount); err != nil {
		if undoErr := m.unwindOpen(id, borrowerCollateral, borrowerBorrow, collateralPool, borrowPool, collateralAmount, principal); undoErr != nil {
			return 0, fmt.Errorf("open loan: collateral settlement failed and %v: %w", undoErr, err)
		}
		return 0, fmt.Errorf("open loan: collateral settlement: %w", err)
	}
	if err := m.assets.Transfer(ctx, ledger.ProtocolParty, borrower, borrowAsset, principal); err != nil {
		if undoErr := m.unwindOpen(id, borrowerCollateral, borrowerBorrow, collateralPool, borrowPool, collateralAmount, principal); undoErr != nil {
			return 0, fmt.Errorf("open loan: principal settlement failed and %v: %w", undoErr, err)
		}
		return 0, fmt.Errorf("open loan: principal settlement: %w", err)
	}

	return id, nil
}

// Repay settles a loan in full. The amount must equal principal plus the
// interest accrued to this instant, exactly. Partial repayment is not a
// supported transition. Returns the due breakdown the payment was validated
// against.
func (m *Manager) Repay(ctx context.Context, loanID uint64, payer uuid.UUID, amount uint64) (Due, error) {
	m.mu.Lock()
	l, ok := m.loans[loanID]
	if !ok || l.Status != StatusActive {
		m.mu.Unlock()
		return Due{}, fmt.Errorf("repay loan %d: %w", loanID, ErrLoanNotActive)
	}
	if payer != l.Borrower {
		m.mu.Unlock()
		return Due{}, fmt.Errorf("repay loan %d: payer %s: %w", loanID, payer, ErrNotBorrower)
	}

	now := m.clock()
	due, err := m.amountDueLocked(l, now)
	if err != nil {
		m.mu.Unlock()
		return Due{}, fmt.Errorf("repay loan %d: %w", loanID, err)
	}
	if amount != due.Total {
		m.mu.Unlock()
		return Due{}, fmt.Errorf("repay loan %d: amount %d, due %d (principal %d + interest %d): %w",
			loanID, amount, due.Total, due.Principal, due.Interest, ErrRepayAmountMismatch)
	}

	payerBorrow := ledger.NewUserAccount(payer, l.BorrowAsset)
	payerCollateral := ledger.NewUserAccount(payer, l.CollateralAsset)
	borrowPool := ledger.NewPoolAccount(l.BorrowAsset)
	collateralPool := ledger.NewPoolAccount(l.CollateralAsset)
	collateralAmount := l.CollateralAmount
	borrowAsset := l.BorrowAsset
	collateralAsset := l.CollateralAsset

	// Effects: repayment into the pool, collateral back, loan closed.
	if err := m.book.TransferBetween(payerBorrow, borrowPool, amount); err != nil {
		m.mu.Unlock()
		return Due{}, fmt.Errorf("repay loan %d: collect repayment: %w", loanID, err)
	}
	if err := m.book.TransferBetween(collateralPool, payerCollateral, collateralAmount); err != nil {
		if undoErr := m.book.TransferBetween(borrowPool, payerBorrow, amount); undoErr != nil {
			m.mu.Unlock()
			return Due{}, fmt.Errorf("repay loan %d: return collateral: %v; repayment unwind also failed: %w", loanID, err, undoErr)
		}
		m.mu.Unlock()
		return Due{}, fmt.Errorf("repay loan %d: return collateral: %w", loanID, err)
	}
	l.Status = StatusRepaid
	l.ClosedAt = now
	m.mu.Unlock()

	// Interactions: collect the repayment, hand the collateral back.
	if err := m.assets.Transfer(ctx, payer, ledger.ProtocolParty, borrowAsset, amount); err != nil {
		if undoErr := m.unwindRepay(loanID, payerBorrow, payerCollateral, borrowPool, collateralPool, amount, collateralAmount); undoErr != nil {
			return Due{}, fmt.Errorf("repay loan %d: repayment settlement failed and %v: %w", loanID, undoErr, err)
		}
		return Due{}, fmt.Errorf("repay loan %d: repayment settlement: %w", loanID, err)
	}
	if err := m.assets.Transfer(ctx, ledger.ProtocolParty, payer, collateralAsset, collateralAmount); err != nil {
		if undoErr := m.unwindRepay(loanID, payerBorrow, payerCollateral, borrowPool, collateralPool, amount, collateralAmount); undoErr != nil {
			return Due{}, fmt.Errorf("repay loan %d: collateral settlement failed and %v: %w", loanID, undoErr, err)
		}
		return Due{}, fmt.Errorf("repay loan %d: collateral settlement: %w", loanID, err)
	}

	return due, nil
}

// AmountDue returns the exact repayment owed right now.
func (m *Manager) AmountDue(loanID uint64) (Due, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.loans[loanID]
	if !ok || l.Status != StatusActive {
		return Due{}, fmt.Errorf("loan %d: %w", loanID, ErrLoanNotActive)
	}
	return m.amountDueLocked(l, m.clock())
}

// amountDueLocked computes principal plus linear interest accrued since
// open. Callers hold m.mu.
func (m *Manager) amountDueLocked(l *Loan, now time.Time) (Due, error) {
	elapsed := now.Sub(l.OpenedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	interest, err := fixmath.AccruedInterest(l.Principal, l.RateBps, uint64(elapsed/time.Second))
	if err != nil {
		return Due{}, fmt.Errorf("interest: %w", err)
	}
	total, err := fixmath.CheckedAdd(l.Principal, interest)
	if err != nil {
		return Due{}, fmt.Errorf("amount due: %w", err)
	}
	return Due{Principal: l.Principal, Interest: interest, Total: total}, nil
}

// Get returns a copy of the loan, any status.
func (m *Manager) Get(loanID uint64) (Loan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.loans[loanID]
	if !ok {
		return Loan{}, false
	}
	return *l, true
}

// MarkLiquidated transitions an active loan to Liquidated and returns the
// closed copy. The transition is re-checked here so the state machine holds
// even without the caller's operation guard.
func (m *Manager) MarkLiquidated(loanID uint64) (Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.loans[loanID]
	if !ok || l.Status != StatusActive {
		return Loan{}, fmt.Errorf("liquidate loan %d: %w", loanID, ErrLoanNotActive)
	}
	l.Status = StatusLiquidated
	l.ClosedAt = m.clock()
	return *l, nil
}

// Reopen reverses a MarkLiquidated when the engine's later steps fail.
func (m *Manager) Reopen(loanID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.loans[loanID]
	if !ok || l.Status != StatusLiquidated {
		return fmt.Errorf("reopen loan %d: not liquidated", loanID)
	}
	l.Status = StatusActive
	l.ClosedAt = time.Time{}
	return nil
}

// Snapshot returns all loans ordered by id.
func (m *Manager) Snapshot() []Loan {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Loan, 0, len(m.loans))
	for _, l := range m.loans {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NextID returns the id the next opened loan will get.
func (m *Manager) NextID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID
}

// Upsert inserts or replaces a single loan during event replay. The id
// counter advances past replayed ids so later opens never collide.
func (m *Manager) Upsert(l Loan) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := l
	m.loans[l.ID] = &cp
	if l.ID >= m.nextID {
		m.nextID = l.ID + 1
	}
}

// Restore replaces the loan book wholesale during recovery.
func (m *Manager) Restore(loans []Loan, nextID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loans = make(map[uint64]*Loan, len(loans))
	for _, l := range loans {
		cp := l
		m.loans[l.ID] = &cp
	}
	m.nextID = nextID
}

// CaptureState snapshots the loan book and returns a function restoring it.
// Flash-loan sessions capture before invoking the callback so a reverted
// session undoes any loans the callback touched.
func (m *Manager) CaptureState() func() {
	m.mu.Lock()
	snapshot := make(map[uint64]Loan, len(m.loans))
	for id, l := range m.loans {
		snapshot[id] = *l
	}
	nextID := m.nextID
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.loans = make(map[uint64]*Loan, len(snapshot))
		for id, l := range snapshot {
			cp := l
			m.loans[id] = &cp
		}
		m.nextID = nextID
	}
}

// unwindOpen reverses the internal effects of OpenLoan after a failed
// external settlement. The loan is removed: it was never observable as
// committed and no event was emitted for it.
func (m *Manager) unwindOpen(id uint64, borrowerCollateral, borrowerBorrow, collateralPool, borrowPool ledger.AccountKey, collateralAmount, principal uint64) error {
	m.mu.Lock()
	delete(m.loans, id)
	m.mu.Unlock()

	// Reverse order of the forward effects.
	if err := m.book.TransferBetween(borrowerBorrow, borrowPool, principal); err != nil {
		return fmt.Errorf("unwind principal release: %w", err)
	}
	if err := m.book.TransferBetween(collateralPool, borrowerCollateral, collateralAmount); err != nil {
		return fmt.Errorf("unwind collateral lock: %w", err)
	}
	return nil
}

// unwindRepay reverses the internal effects of Repay after a failed external
// settlement, reactivating the loan.
func (m *Manager) unwindRepay(loanID uint64, payerBorrow, payerCollateral, borrowPool, collateralPool ledger.AccountKey, amount, collateralAmount uint64) error {
	m.mu.Lock()
	if l, ok := m.loans[loanID]; ok && l.Status == StatusRepaid {
		l.Status = StatusActive
		l.ClosedAt = time.Time{}
	}
	m.mu.Unlock()

	if err := m.book.TransferBetween(payerCollateral, collateralPool, collateralAmount); err != nil {
		return fmt.Errorf("unwind collateral return: %w", err)
	}
	if err := m.book.TransferBetween(borrowPool, payerBorrow, amount); err != nil {
		return fmt.Errorf("unwind repayment: %w", err)
	}
	return nil
}

// translatePoolShortfall maps a pool-side overdraw to the liquidity error.
func translatePoolShortfall(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return fmt.Errorf("%v: %w", err, ledger.ErrInsufficientLiquidity)
	}
	return err
}
