package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// sequenceHint returns a sequence at or above the caller's last write.
// Clients pass it back as min_sequence to read their own writes.
func (s *Server) sequenceHint() int64 {
	return s.deps.Core.Sequence() - 1
}

// awaitIfRequested blocks until the projections reach min_sequence, when the
// client asked for one. Returns false after writing an error response.
func (s *Server) awaitIfRequested(c *gin.Context) bool {
	raw := c.Query("min_sequence")
	if raw == "" {
		return true
	}

	minSeq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || minSeq < 0 {
		badRequest(c, fmt.Sprintf("invalid min_sequence %q", raw))
		return false
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Query.AwaitSequence(ctx, minSeq); err != nil {
		unavailable(c, fmt.Sprintf("projections behind sequence %d", minSeq))
		return false
	}
	return true
}

func parseUUID(field, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", field)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %v", field, err)
	}
	return id, nil
}

func parseLoanID(c *gin.Context) (uint64, bool) {
	loanID, err := strconv.ParseUint(c.Param("loan_id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid loan_id")
		return 0, false
	}
	return loanID, true
}

// ============================================================================
// Deposits and withdrawals
// ============================================================================

type depositRequest struct {
	DepositID string `json:"deposit_id"`
	UserID    string `json:"user_id"`
	Asset     string `json:"asset"`
	Amount    uint64 `json:"amount"`
}

type writeReceipt struct {
	AsOfSequence int64 `json:"as_of_sequence"`
}

func (s *Server) handleDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	depositID, err := parseUUID("deposit_id", req.DepositID)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	userID, err := parseUUID("user_id", req.UserID)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := s.deps.Core.Deposit(depositID, userID, req.Asset, req.Amount); err != nil {
		respondError(c, err)
		return
	}
	success(c, writeReceipt{AsOfSequence: s.sequenceHint()})
}

type withdrawRequest struct {
	WithdrawalID string `json:"withdrawal_id"`
	UserID       string `json:"user_id"`
	Asset        string `json:"asset"`
	Amount       uint64 `json:"amount"`
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	withdrawalID, err := parseUUID("withdrawal_id", req.WithdrawalID)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	userID, err := parseUUID("user_id", req.UserID)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := s.deps.Core.Withdraw(c.Request.Context(), withdrawalID, userID, req.Asset, req.Amount); err != nil {
		respondError(c, err)
		return
	}
	success(c, writeReceipt{AsOfSequence: s.sequenceHint()})
}

type fundPoolRequest struct {
	DepositID string `json:"deposit_id"`
	Asset     string `json:"asset"`
	Amount    uint64 `json:"amount"`
}

func (s *Server) handleFundPool(c *gin.Context) {
	var req fundPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	depositID, err := parseUUID("deposit_id", req.DepositID)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := s.deps.Core.FundPool(depositID, req.Asset, req.Amount); err != nil {
		respondError(c, err)
		return
	}
	success(c, writeReceipt{AsOfSequence: s.sequenceHint()})
}

// ============================================================================
// Loans
// ============================================================================

type openLoanRequest struct {
	Borrower         string `json:"borrower"`
	CollateralAsset  string `json:"collateral_asset"`
	CollateralAmount uint64 `json:"collateral_amount"`
	BorrowAsset      string `json:"borrow_asset"`
	Principal        uint64 `json:"principal"`
}

type openLoanResponse struct {
	LoanID       uint64 `json:"loan_id"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

func (s *Server) handleOpenLoan(c *gin.Context) {
	var req openLoanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	borrower, err := parseUUID("borrower", req.Borrower)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	loanID, err := s.deps.Core.OpenLoan(c.Request.Context(),
		borrower, req.CollateralAsset, req.CollateralAmount, req.BorrowAsset, req.Principal)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, openLoanResponse{LoanID: loanID, AsOfSequence: s.sequenceHint()})
}

type repayRequest struct {
	Payer  string `json:"payer"`
	Amount uint64 `json:"amount"`
}

type repayResponse struct {
	LoanID       uint64 `json:"loan_id"`
	Principal    uint64 `json:"principal"`
	Interest     uint64 `json:"interest"`
	Total        uint64 `json:"total"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

func (s *Server) handleRepayLoan(c *gin.Context) {
	loanID, ok := parseLoanID(c)
	if !ok {
		return
	}

	var req repayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	payer, err := parseUUID("payer", req.Payer)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	due, err := s.deps.Core.RepayLoan(c.Request.Context(), loanID, payer, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, repayResponse{
		LoanID:       loanID,
		Principal:    due.Principal,
		Interest:     due.Interest,
		Total:        due.Total,
		AsOfSequence: s.sequenceHint(),
	})
}

type liquidateRequest struct {
	Liquidator string `json:"liquidator"`
}

type liquidateResponse struct {
	LoanID           uint64 `json:"loan_id"`
	Borrower         string `json:"borrower"`
	BorrowAsset      string `json:"borrow_asset"`
	Principal        uint64 `json:"principal"`
	CollateralAsset  string `json:"collateral_asset"`
	CollateralAmount uint64 `json:"collateral_amount"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

func (s *Server) handleLiquidate(c *gin.Context) {
	loanID, ok := parseLoanID(c)
	if !ok {
		return
	}

	var req liquidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	liquidator, err := parseUUID("liquidator", req.Liquidator)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	liq, err := s.deps.Core.Liquidate(c.Request.Context(), loanID, liquidator)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, liquidateResponse{
		LoanID:           liq.ID,
		Borrower:         liq.Borrower.String(),
		BorrowAsset:      liq.BorrowAsset.Name(),
		Principal:        liq.Principal,
		CollateralAsset:  liq.CollateralAsset.Name(),
		CollateralAmount: liq.CollateralAmount,
		AsOfSequence:     s.sequenceHint(),
	})
}

type amountDueResponse struct {
	LoanID       uint64 `json:"loan_id"`
	Principal    uint64 `json:"principal"`
	Interest     uint64 `json:"interest"`
	Total        uint64 `json:"total"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// handleAmountDue reads live from the engine: interest accrues with the
// clock, so a projection would always be behind.
func (s *Server) handleAmountDue(c *gin.Context) {
	loanID, ok := parseLoanID(c)
	if !ok {
		return
	}

	due, err := s.deps.Core.AmountDue(loanID)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, amountDueResponse{
		LoanID:       loanID,
		Principal:    due.Principal,
		Interest:     due.Interest,
		Total:        due.Total,
		AsOfSequence: s.sequenceHint(),
	})
}

func (s *Server) handleGetLoan(c *gin.Context) {
	loanID, ok := parseLoanID(c)
	if !ok {
		return
	}
	if !s.awaitIfRequested(c) {
		return
	}

	resp, err := s.deps.Query.GetLoan(c.Request.Context(), loanID)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, resp)
}

func (s *Server) handleListLoans(c *gin.Context) {
	if !s.awaitIfRequested(c) {
		return
	}

	var filter query.LoanFilter
	if raw := c.Query("borrower"); raw != "" {
		borrower, err := uuid.Parse(raw)
		if err != nil {
			badRequest(c, "invalid borrower")
			return
		}
		filter.Borrower = &borrower
	}
	if raw := c.Query("status"); raw != "" {
		filter.Status = &raw
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if raw := c.Query("after_id"); raw != "" {
		afterID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			badRequest(c, "invalid after_id")
			return
		}
		filter.AfterID = &afterID
	}

	loans, err := s.deps.Query.GetLoans(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"loans": loans})
}

// ============================================================================
// Prices
// ============================================================================

// Price is a 1e18 fixed-point integer carried as a decimal string; the full
// range does not survive a JSON double.
type priceUpdateRequest struct {
	UpdaterID    string `json:"updater_id"`
	Asset        string `json:"asset"`
	Price        string `json:"price"`
	ObservedAtUs int64  `json:"observed_at_us"`
	FeedSequence int64  `json:"feed_sequence"`
}

func (r priceUpdateRequest) toUpdate() (core.PriceUpdate, error) {
	if r.Asset == "" {
		return core.PriceUpdate{}, fmt.Errorf("asset is required")
	}
	price, err := strconv.ParseUint(r.Price, 10, 64)
	if err != nil {
		return core.PriceUpdate{}, fmt.Errorf("invalid price %q", r.Price)
	}
	if r.ObservedAtUs <= 0 {
		return core.PriceUpdate{}, fmt.Errorf("observed_at_us is required")
	}
	return core.PriceUpdate{
		Asset:        r.Asset,
		Price:        price,
		ObservedAt:   time.UnixMicro(r.ObservedAtUs).UTC(),
		FeedSequence: r.FeedSequence,
	}, nil
}

func (s *Server) handleUpdatePrice(c *gin.Context) {
	var req priceUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	updater, err := parseUUID("updater_id", req.UpdaterID)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	update, err := req.toUpdate()
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := s.deps.Core.UpdatePrice(updater, update); err != nil {
		respondError(c, err)
		return
	}
	success(c, writeReceipt{AsOfSequence: s.sequenceHint()})
}

type priceBatchRequest struct {
	UpdaterID string               `json:"updater_id"`
	Updates   []priceUpdateRequest `json:"updates"`
}

func (s *Server) handleUpdatePriceBatch(c *gin.Context) {
	var req priceBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	updater, err := parseUUID("updater_id", req.UpdaterID)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if len(req.Updates) == 0 {
		badRequest(c, "updates is required")
		return
	}

	updates := make([]core.PriceUpdate, 0, len(req.Updates))
	for i, r := range req.Updates {
		u, err := r.toUpdate()
		if err != nil {
			badRequest(c, fmt.Sprintf("update %d: %v", i, err))
			return
		}
		updates = append(updates, u)
	}

	if err := s.deps.Core.UpdatePrices(updater, updates); err != nil {
		respondError(c, err)
		return
	}
	success(c, writeReceipt{AsOfSequence: s.sequenceHint()})
}

func (s *Server) handleGetPrice(c *gin.Context) {
	if !s.awaitIfRequested(c) {
		return
	}

	resp, err := s.deps.Query.GetPrice(c.Request.Context(), c.Param("asset"))
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, resp)
}

func (s *Server) handleListPrices(c *gin.Context) {
	if !s.awaitIfRequested(c) {
		return
	}

	prices, err := s.deps.Query.GetPrices(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"prices": prices})
}

// ============================================================================
// Balances and journal history
// ============================================================================

func (s *Server) handleGetBalance(c *gin.Context) {
	userID, err := parseUUID("user_id", c.Param("user_id"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if !s.awaitIfRequested(c) {
		return
	}

	resp, err := s.deps.Query.GetBalance(c.Request.Context(), userID, c.Param("asset"))
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, resp)
}

func (s *Server) handleGetBalances(c *gin.Context) {
	userID, err := parseUUID("user_id", c.Param("user_id"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if !s.awaitIfRequested(c) {
		return
	}

	balances, err := s.deps.Query.GetBalances(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"balances": balances})
}

func (s *Server) handleGetPoolBalances(c *gin.Context) {
	if !s.awaitIfRequested(c) {
		return
	}

	balances, err := s.deps.Query.GetPoolBalances(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"balances": balances})
}

func (s *Server) handleGetJournal(c *gin.Context) {
	userID, err := parseUUID("user_id", c.Param("user_id"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if !s.awaitIfRequested(c) {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "invalid limit")
			return
		}
	}
	var afterSeq *int64
	if raw := c.Query("after_sequence"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(c, "invalid after_sequence")
			return
		}
		afterSeq = &seq
	}

	entries, err := s.deps.Query.GetJournalHistory(c.Request.Context(), userID, limit, afterSeq)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"entries": entries})
}

// ============================================================================
// Admin
// ============================================================================

func (s *Server) handleStatus(c *gin.Context) {
	hash := s.deps.Core.StateHash()

	gaps := make([]gin.H, 0)
	for _, g := range s.deps.Core.FeedGaps() {
		gaps = append(gaps, gin.H{
			"partition": g.Partition,
			"expected":  g.Expected,
			"received":  g.Received,
		})
	}

	ready := false
	if s.deps.Health != nil {
		ready = s.deps.Health.IsReady()
	}

	success(c, gin.H{
		"sequence":   s.deps.Core.Sequence(),
		"state_hash": hex.EncodeToString(hash[:]),
		"ready":      ready,
		"uptime":     time.Since(s.deps.StartTime).String(),
		"feed_gaps":  gaps,
	})
}

func (s *Server) handleIntegrity(c *gin.Context) {
	report, err := s.deps.Query.VerifyIntegrity(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	coreErr := s.deps.Core.VerifyIntegrity()
	coreConsistent := coreErr == nil
	if coreErr != nil {
		s.logger.Error().Err(coreErr).Msg("core integrity check failed")
	}

	success(c, gin.H{
		"report":          report,
		"core_consistent": coreConsistent,
	})
}

func (s *Server) handleTakeSnapshot(c *gin.Context) {
	if s.deps.Snapshots == nil {
		unavailable(c, "snapshots not configured")
		return
	}

	state := s.deps.Core.CreateSnapshotState()
	verified, err := s.deps.Snapshots.SaveAndVerify(c.Request.Context(), state)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{
		"sequence": state.Sequence,
		"verified": verified,
	})
}

func (s *Server) handleRebuildProjections(c *gin.Context) {
	if s.deps.DB == nil {
		unavailable(c, "database not configured")
		return
	}

	if err := projection.Rebuild(c.Request.Context(), s.deps.DB, s.logger); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"status": "rebuilt"})
}
