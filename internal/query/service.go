package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist in the
// projections.
var ErrNotFound = errors.New("not found")

// Service provides read-only access to the projection tables. Every
// response carries as_of_sequence, the last event the projections reflect;
// callers needing read-your-writes wait with AwaitSequence first.
type Service struct {
	db      *sql.DB
	coreSeq func() int64
	metrics *observability.Metrics
}

// NewService wires the read path. coreSeq reports the core's next sequence
// for freshness tracking and may be nil; metrics may be nil.
func NewService(db *sql.DB, coreSeq func() int64, metrics *observability.Metrics) *Service {
	return &Service{db: db, coreSeq: coreSeq, metrics: metrics}
}

// AwaitSequence blocks until the projections reflect at least minSequence
// or the context expires.
func (s *Service) AwaitSequence(ctx context.Context, minSequence int64) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		var seq int64
		if err := s.db.QueryRowContext(ctx,
			`SELECT sequence FROM projections.watermark WHERE id = 1`,
		).Scan(&seq); err != nil {
			return fmt.Errorf("watermark: %w", err)
		}
		if seq >= minSequence {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetBalance returns a user's balance for one asset. A never-touched
// account reads as zero.
func (s *Service) GetBalance(ctx context.Context, party uuid.UUID, asset string) (resp *BalanceResponse, err error) {
	defer s.track("balance", time.Now(), &err)

	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("%q: %w", asset, ledger.ErrUnknownAsset)
	}

	asOfSeq, err := s.watermark(ctx, "balance")
	if err != nil {
		return nil, err
	}

	resp = &BalanceResponse{Party: party, Asset: asset, AsOfSequence: asOfSeq}
	err = s.db.QueryRowContext(ctx, `
		SELECT amount FROM projections.balances
		WHERE account_path = $1
	`, ledger.NewUserAccount(party, assetID).AccountPath()).Scan(&resp.Amount)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	return resp, nil
}

// GetBalances returns all of a user's asset balances.
func (s *Service) GetBalances(ctx context.Context, party uuid.UUID) (balances []BalanceResponse, err error) {
	defer s.track("balances", time.Now(), &err)

	asOfSeq, err := s.watermark(ctx, "balances")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, amount FROM projections.balances
		WHERE party = $1 AND account_path LIKE 'user:%'
		ORDER BY asset
	`, party)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		b := BalanceResponse{Party: party, AsOfSequence: asOfSeq}
		if err := rows.Scan(&b.Asset, &b.Amount); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// GetPoolBalances returns the protocol pool balance per asset.
func (s *Service) GetPoolBalances(ctx context.Context) (balances []PoolBalanceResponse, err error) {
	defer s.track("pool_balances", time.Now(), &err)

	asOfSeq, err := s.watermark(ctx, "pool_balances")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, amount FROM projections.balances
		WHERE account_path LIKE 'protocol:pool:%'
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		b := PoolBalanceResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(&b.Asset, &b.Amount); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// GetLoan returns one loan by id.
func (s *Service) GetLoan(ctx context.Context, loanID uint64) (resp *LoanResponse, err error) {
	defer s.track("loan", time.Now(), &err)

	asOfSeq, err := s.watermark(ctx, "loan")
	if err != nil {
		return nil, err
	}

	l := LoanResponse{AsOfSequence: asOfSeq}
	var closedAt sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT loan_id, borrower, collateral_asset, collateral_amount,
		       borrow_asset, principal, rate_bps, status, opened_at, closed_at, interest_paid
		FROM projections.loans
		WHERE loan_id = $1
	`, loanID).Scan(
		&l.LoanID, &l.Borrower, &l.CollateralAsset, &l.CollateralAmount,
		&l.BorrowAsset, &l.Principal, &l.RateBps, &l.Status, &l.OpenedAt,
		&closedAt, &l.InterestPaid,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		l.ClosedAt = &closedAt.Time
	}
	return &l, nil
}

// GetLoans lists loans matching the filter, newest first.
func (s *Service) GetLoans(ctx context.Context, filter LoanFilter) (loans []LoanResponse, err error) {
	defer s.track("loans", time.Now(), &err)

	asOfSeq, err := s.watermark(ctx, "loans")
	if err != nil {
		return nil, err
	}

	query := `
		SELECT loan_id, borrower, collateral_asset, collateral_amount,
		       borrow_asset, principal, rate_bps, status, opened_at, closed_at, interest_paid
		FROM projections.loans
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if filter.Borrower != nil {
		query += fmt.Sprintf(" AND borrower = $%d", argIdx)
		args = append(args, *filter.Borrower)
		argIdx++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *filter.Status)
		argIdx++
	}
	if filter.AfterID != nil {
		query += fmt.Sprintf(" AND loan_id < $%d", argIdx)
		args = append(args, *filter.AfterID)
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " ORDER BY loan_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		l := LoanResponse{AsOfSequence: asOfSeq}
		var closedAt sql.NullTime
		if err := rows.Scan(
			&l.LoanID, &l.Borrower, &l.CollateralAsset, &l.CollateralAmount,
			&l.BorrowAsset, &l.Principal, &l.RateBps, &l.Status, &l.OpenedAt,
			&closedAt, &l.InterestPaid,
		); err != nil {
			return nil, err
		}
		if closedAt.Valid {
			l.ClosedAt = &closedAt.Time
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

// GetPrice returns the latest accepted quote for one asset.
func (s *Service) GetPrice(ctx context.Context, asset string) (resp *PriceResponse, err error) {
	defer s.track("price", time.Now(), &err)

	asOfSeq, err := s.watermark(ctx, "price")
	if err != nil {
		return nil, err
	}

	p := PriceResponse{AsOfSequence: asOfSeq}
	err = s.db.QueryRowContext(ctx, `
		SELECT asset, price, observed_at, feed_sequence
		FROM projections.prices
		WHERE asset = $1
	`, asset).Scan(&p.Asset, &p.Price, &p.ObservedAt, &p.FeedSequence)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPrices returns the latest accepted quote for every asset that has one.
func (s *Service) GetPrices(ctx context.Context) (prices []PriceResponse, err error) {
	defer s.track("prices", time.Now(), &err)

	asOfSeq, err := s.watermark(ctx, "prices")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, price, observed_at, feed_sequence
		FROM projections.prices
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p := PriceResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(&p.Asset, &p.Price, &p.ObservedAt, &p.FeedSequence); err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

// GetJournalHistory returns journal entries touching a user's accounts,
// newest first, with cursor pagination on sequence.
func (s *Service) GetJournalHistory(ctx context.Context, party uuid.UUID, limit int, afterSequence *int64) (entries []JournalHistoryEntry, err error) {
	defer s.track("journal_history", time.Now(), &err)

	accountPrefix := fmt.Sprintf("user:%s:%%", party)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		var assetID uint16
		var journalType int32
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &assetID, &e.Amount,
			&journalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Asset = ledger.AssetID(assetID).Name()
		e.JournalType = ledger.JournalType(journalType).String()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity in the stored event log and
// the zero-sum invariant across the balance projections.
func (s *Service) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer s.track("integrity", time.Now(), &err)

	report = &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Every journal moves an amount from one account to another, so the sum
	// over all accounts, external reserves included, is zero per asset.
	balanceRows, err := s.db.QueryContext(ctx, `
		SELECT asset, SUM(amount) AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(amount) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var ub UnbalancedAsset
		if err := balanceRows.Scan(&ub.Asset, &ub.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, ub)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	if report.Watermark, err = s.watermark(ctx, "integrity"); err != nil {
		return nil, err
	}
	var latest sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log.events`,
	).Scan(&latest); err != nil {
		return nil, err
	}
	report.LatestSequence = -1
	if latest.Valid {
		report.LatestSequence = latest.Int64
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (s *Service) watermark(ctx context.Context, endpoint string) (int64, error) {
	var seq int64
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence, updated_at FROM projections.watermark WHERE id = 1`,
	).Scan(&seq, &updatedAt)
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}

	if s.metrics != nil && s.coreSeq != nil {
		// The lag is how long the projections have trailed the core, zero
		// when caught up.
		lag := 0.0
		if s.coreSeq()-1 > seq {
			lag = time.Since(updatedAt).Seconds()
		}
		s.metrics.QueryFreshnessLag.WithLabelValues(endpoint).Observe(lag)
	}
	return seq, nil
}

func (s *Service) track(endpoint string, start time.Time, errp *error) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	status := "ok"
	switch {
	case *errp == nil:
	case errors.Is(*errp, ErrNotFound):
		status = "not_found"
	case errors.Is(*errp, ledger.ErrUnknownAsset):
		status = "bad_request"
	default:
		status = "error"
		s.metrics.QueryErrors.WithLabelValues(endpoint, "db").Inc()
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
}
