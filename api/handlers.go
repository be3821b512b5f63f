/*
handlers.go - HTTP API handlers for the reward and commission engine

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Order events:
    POST   /api/events/order             Order lifecycle notification

  Wallets:
    GET    /api/wallets/{id}             Wallet summary
    GET    /api/wallets/{id}/transactions  Audit log (paged)
    POST   /api/wallets/{id}/redeem      Spend points (FIFO)

  Commission:
    GET    /api/commissions              List records (agent_id filter)
    GET    /api/agents/{id}/settlements  Settlement batch history

  Admin:
    POST   /api/admin/sweep              Run the expiry sweep now
    POST   /api/admin/settlement         Run settlement now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (settled commission reversal, concurrent modification)
  - 422: Insufficient balance, redemption cap exceeded
  - 503: Transient storage failures (retryable)
  - 500: Internal errors

  Idempotent replays (duplicate order events) are NOT errors: the handler
  responds 200 with the existing state.

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public. The
  engine sits behind the shop's internal network in production.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/salonhub/ledger-engine/commission"
	"github.com/salonhub/ledger-engine/ledger"
	"github.com/salonhub/ledger-engine/policy"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   commission.Store
	Points  *ledger.PointsLedger
	Sweeper *ledger.ExpirySweeper
	Engine  *commission.Engine
	Batcher *commission.SettlementBatcher
	Policy  policy.RewardPolicy
	Clock   ledger.Clock
}

// NewHandler wires the handler. A nil clock defaults to the system clock.
func NewHandler(store commission.Store, points *ledger.PointsLedger, sweeper *ledger.ExpirySweeper,
	engine *commission.Engine, batcher *commission.SettlementBatcher, pol policy.RewardPolicy, clock ledger.Clock) *Handler {
	if clock == nil {
		clock = ledger.SystemClock
	}
	return &Handler{
		Store:   store,
		Points:  points,
		Sweeper: sweeper,
		Engine:  engine,
		Batcher: batcher,
		Policy:  pol,
		Clock:   clock,
	}
}

// =============================================================================
// ORDER EVENTS
// =============================================================================

// HandleOrderEvent reacts to an order lifecycle notification.
// POST /api/events/order
//
// delivered/completed -> accrue points and commission
// confirmed           -> unlock the agent's pending commission
// cancelled/refunded  -> cancel the grant and reverse the commission
func (h *Handler) HandleOrderEvent(w http.ResponseWriter, r *http.Request) {
	var req OrderEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required", nil)
		return
	}

	order := ledger.Order{
		OrderID:       req.OrderID,
		AccountID:     ledger.AccountID(req.AccountID),
		AgentID:       ledger.AccountID(req.AgentID),
		Subtotal:      decimal.NewFromFloat(req.Subtotal),
		Total:         decimal.NewFromFloat(req.Total),
		PaymentMethod: req.PaymentMethod,
		Status:        ledger.OrderStatus(req.Status),
	}

	switch order.Status {
	case ledger.OrderDelivered, ledger.OrderCompleted:
		h.handleAccrual(w, r, order)
	case ledger.OrderConfirmed:
		h.handleUnlock(w, r, order)
	case ledger.OrderCancelled, ledger.OrderRefunded:
		h.handleReversal(w, r, order)
	default:
		writeError(w, http.StatusBadRequest, "Unsupported order status: "+req.Status, nil)
	}
}

func (h *Handler) handleAccrual(w http.ResponseWriter, r *http.Request, order ledger.Order) {
	ctx := r.Context()
	if order.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required", nil)
		return
	}

	resp := OrderEventResponse{OrderID: order.OrderID, Status: string(order.Status)}

	priorGrants, err := h.Store.CountEntries(ctx, order.AccountID)
	if err != nil {
		writeDomainError(w, "Failed to check prior orders", err)
		return
	}

	points := h.Policy.EligiblePoints(order, priorGrants)
	entry, err := h.Points.EarnPoints(ctx, order.AccountID, order.OrderID, points, h.Policy.Expiry())
	if err != nil {
		writeDomainError(w, "Failed to accrue points", err)
		return
	}
	if entry != nil {
		resp.PointsEarned = entry.PointsEarned.String()
		resp.EntryID = string(entry.EntryID)
	}

	record, err := h.Engine.Calculate(ctx, order)
	if err != nil {
		writeDomainError(w, "Failed to calculate commission", err)
		return
	}
	if record != nil {
		dto := toCommissionRecordDTO(*record)
		resp.Commission = &dto
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request, order ledger.Order) {
	err := h.Engine.Unlock(r.Context(), order.OrderID)
	if err != nil && !ledger.IsNotFound(err) {
		// NotFound just means the order carried no commission.
		writeDomainError(w, "Failed to unlock commission", err)
		return
	}

	writeJSON(w, http.StatusOK, OrderEventResponse{
		OrderID: order.OrderID,
		Status:  string(order.Status),
	})
}

func (h *Handler) handleReversal(w http.ResponseWriter, r *http.Request, order ledger.Order) {
	ctx := r.Context()

	if _, err := h.Points.CancelEarn(ctx, order.OrderID); err != nil && !ledger.IsNotFound(err) {
		writeDomainError(w, "Failed to cancel point grant", err)
		return
	}

	if err := h.Engine.Reverse(ctx, order); err != nil {
		if errors.Is(err, commission.ErrCommissionSettled) {
			// The reversal itself is refused; the clawback event has
			// already been published for the ops workflow.
			writeError(w, http.StatusConflict, err.Error(), nil)
			return
		}
		writeDomainError(w, "Failed to reverse commission", err)
		return
	}

	writeJSON(w, http.StatusOK, OrderEventResponse{
		OrderID: order.OrderID,
		Status:  string(order.Status),
	})
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// GetWallet returns the wallet summary.
// GET /api/wallets/{id}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := ledger.AccountID(chi.URLParam(r, "id"))

	acct, err := h.Store.GetAccount(ctx, accountID)
	if err != nil {
		writeDomainError(w, "Failed to load wallet", err)
		return
	}
	if acct == nil {
		a := ledger.NewWalletAccount(accountID)
		acct = &a
	}

	eligible, err := h.Store.UnlockEligibleTotal(ctx, accountID)
	if err != nil {
		writeDomainError(w, "Failed to compute unlock-eligible total", err)
		return
	}

	dto := WalletSummaryDTO{
		AccountID:      string(acct.AccountID),
		Available:      acct.Available.String(),
		Pending:        acct.Pending.String(),
		LifetimeEarned: acct.LifetimeEarned.String(),
		PeriodEarned:   acct.PeriodEarned.String(),
		UnlockEligible: eligible.String(),
		AsOf:           h.Clock.Now().Format(time.RFC3339),
	}

	entries, err := h.Store.ActiveEntries(ctx, accountID)
	if err != nil {
		writeDomainError(w, "Failed to load active entries", err)
		return
	}
	if len(entries) > 0 {
		first := entries[0]
		dto.NextExpiringBatch = &NextExpiryDTO{
			EntryID:   string(first.EntryID),
			Points:    first.PointsRemaining.String(),
			ExpiresAt: first.ExpiresAt.Format(time.RFC3339),
		}
	}

	writeJSON(w, http.StatusOK, dto)
}

// GetTransactions returns the wallet's audit log, newest first.
// GET /api/wallets/{id}/transactions?page=1&limit=50
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "id"))
	page, limit := pageParams(r)

	rows, err := h.Store.ListLog(r.Context(), accountID, page, limit)
	if err != nil {
		writeDomainError(w, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionLogDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toTransactionLogDTO(row)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":   string(accountID),
		"page":         page,
		"limit":        limit,
		"transactions": dtos,
	})
}

// Redeem spends points FIFO.
// POST /api/wallets/{id}/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "id"))

	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount := decimal.NewFromFloat(req.Amount)
	if req.OrderTotal > 0 {
		maxPts := h.Policy.MaxRedeemable(decimal.NewFromFloat(req.OrderTotal))
		if amount.GreaterThan(maxPts) {
			writeError(w, http.StatusUnprocessableEntity,
				"Redemption exceeds the per-order cap of "+maxPts.String()+" points", nil)
			return
		}
	}

	plan, err := h.Points.RedeemFIFO(r.Context(), accountID, amount)
	if err != nil {
		writeDomainError(w, "Failed to redeem points", err)
		return
	}

	writeJSON(w, http.StatusOK, toRedemptionPlanDTO(plan))
}

// =============================================================================
// COMMISSION HANDLERS
// =============================================================================

// ListCommissions returns commission records, newest first.
// GET /api/commissions?agent_id=...&page=1&limit=50
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	agentID := ledger.AccountID(r.URL.Query().Get("agent_id"))
	page, limit := pageParams(r)

	records, err := h.Store.ListRecords(r.Context(), agentID, page, limit)
	if err != nil {
		writeDomainError(w, "Failed to list commission records", err)
		return
	}

	dtos := make([]CommissionRecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = toCommissionRecordDTO(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":    page,
		"limit":   limit,
		"records": dtos,
	})
}

// ListSettlements returns an agent's settlement batches, newest first.
// GET /api/agents/{id}/settlements
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	agentID := ledger.AccountID(chi.URLParam(r, "id"))

	batches, err := h.Store.ListBatches(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, "Failed to list settlements", err)
		return
	}

	dtos := make([]SettlementBatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toSettlementBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":    string(agentID),
		"settlements": dtos,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs the expiry sweep immediately.
// POST /api/admin/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.Sweeper.RunDailyExpirySweep(r.Context())
	if err != nil {
		writeDomainError(w, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResultDTO{
		Swept:      result.Swept,
		Skipped:    result.Skipped,
		Failed:     result.Failed,
		PointsLost: result.PointsLost.String(),
	})
}

// TriggerSettlement runs the monthly settlement immediately. A period in
// the body pins the month; empty means the previous calendar month.
// POST /api/admin/settlement
func (h *Handler) TriggerSettlement(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	var result commission.SettlementResult
	var err error
	if req.Period != "" {
		result, err = h.Batcher.ProcessMonthlySettlement(r.Context(), req.Period)
	} else {
		result, err = h.Batcher.RunMonthlySettlement(r.Context())
	}
	if err != nil {
		writeDomainError(w, "Settlement failed", err)
		return
	}

	writeJSON(w, http.StatusOK, SettlementResultDTO{
		Period:       result.Period,
		SuccessCount: result.SuccessCount,
		SkippedCount: result.SkippedCount,
		FailedCount:  result.FailedCount,
		TotalAmount:  result.TotalAmount.String(),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func pageParams(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return page, limit
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain sentinel errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrConcurrentModification):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
