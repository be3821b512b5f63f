package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salonhub/ledger-engine/api"
	"github.com/salonhub/ledger-engine/commission"
	"github.com/salonhub/ledger-engine/ledger"
	"github.com/salonhub/ledger-engine/policy"
	"github.com/salonhub/ledger-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time           { return c.now }
func (c *testClock) AdvanceMonths(months int) { c.now = c.now.AddDate(0, months, 0) }

type testServer struct {
	router http.Handler
	store  *memory.Memory
	clock  *testClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	clock := &testClock{now: time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)}
	locks := ledger.NewAccountLocks()

	rates := commission.RateTable{DefaultPercent: decimal.NewFromInt(5)}
	pol := policy.NewStandard(policy.DefaultConfig())
	points := ledger.NewPointsLedger(store, locks, clock)
	sweeper := ledger.NewExpirySweeper(store, locks, ledger.NopPublisher{}, clock)
	engine := commission.NewEngine(store, rates, locks, ledger.NopPublisher{}, clock)
	batcher := commission.NewSettlementBatcher(store, locks, clock)

	handler := api.NewHandler(store, points, sweeper, engine, batcher, pol, clock)
	return &testServer{router: api.NewRouter(handler), store: store, clock: clock}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

func deliveredEvent(orderID string, total float64) map[string]any {
	return map[string]any{
		"order_id":       orderID,
		"account_id":     "buyer-1",
		"agent_id":       "agent-1",
		"subtotal":       total,
		"total":          total,
		"payment_method": "card",
		"status":         "delivered",
	}
}

// =============================================================================
// ORDER EVENTS
// =============================================================================

func TestOrderEvent_Delivered_AccruesPointsAndCommission(t *testing.T) {
	// GIVEN: A delivered 1000-value order referred by agent-1
	// WHEN: The event is posted
	// THEN: 100 points accrue and a pending commission record is returned

	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/events/order", deliveredEvent("order-1", 1000))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp api.OrderEventResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "order-1", resp.OrderID)
	assert.Equal(t, "100", resp.PointsEarned)
	assert.NotEmpty(t, resp.EntryID)
	require.NotNil(t, resp.Commission)
	assert.Equal(t, "50", resp.Commission.Amount, "5%% of 1000")
	assert.Equal(t, "pending", resp.Commission.Status)
}

func TestOrderEvent_Replay_IsIdempotent(t *testing.T) {
	// GIVEN: An already-processed delivery event
	// WHEN: The shop's webhook retries it
	// THEN: 200, and neither wallet moves a second time

	ts := newTestServer(t)

	first := ts.do(t, http.MethodPost, "/api/events/order", deliveredEvent("order-1", 1000))
	require.Equal(t, http.StatusOK, first.Code)

	second := ts.do(t, http.MethodPost, "/api/events/order", deliveredEvent("order-1", 1000))
	require.Equal(t, http.StatusOK, second.Code, "replay is not an error")

	var wallet api.WalletSummaryDTO
	decodeJSON(t, ts.do(t, http.MethodGet, "/api/wallets/buyer-1", nil), &wallet)
	assert.Equal(t, "100", wallet.Available)

	decodeJSON(t, ts.do(t, http.MethodGet, "/api/wallets/agent-1", nil), &wallet)
	assert.Equal(t, "50", wallet.Pending)
}

func TestOrderEvent_Confirmed_UnlocksCommission(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/events/order", deliveredEvent("order-1", 1000)).Code)

	confirm := map[string]any{"order_id": "order-1", "status": "confirmed"}
	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/events/order", confirm).Code)

	var wallet api.WalletSummaryDTO
	decodeJSON(t, ts.do(t, http.MethodGet, "/api/wallets/agent-1", nil), &wallet)
	assert.Equal(t, "0", wallet.Pending)
	assert.Equal(t, "50", wallet.Available)
}

func TestOrderEvent_ConfirmedWithoutCommission_IsBenign(t *testing.T) {
	// An order that never earned commission (no agent) confirms cleanly.
	ts := newTestServer(t)

	confirm := map[string]any{"order_id": "order-x", "status": "confirmed"}
	assert.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/events/order", confirm).Code)
}

func TestOrderEvent_Refunded_ReversesGrantAndCommission(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/events/order", deliveredEvent("order-1", 1000)).Code)

	refund := map[string]any{"order_id": "order-1", "status": "refunded"}
	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/events/order", refund).Code)

	var wallet api.WalletSummaryDTO
	decodeJSON(t, ts.do(t, http.MethodGet, "/api/wallets/buyer-1", nil), &wallet)
	assert.Equal(t, "0", wallet.Available)

	decodeJSON(t, ts.do(t, http.MethodGet, "/api/wallets/agent-1", nil), &wallet)
	assert.Equal(t, "0", wallet.Pending)
}

func TestOrderEvent_RefundAfterSettlement_Conflicts(t *testing.T) {
	// GIVEN: The order's commission is inside a settled batch
	// WHEN: A refund event arrives
	// THEN: 409 - the closed batch is never touched

	ts := newTestServer(t)

	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/events/order", deliveredEvent("order-1", 1000)).Code)
	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/admin/settlement", map[string]any{"period": "2026-03"}).Code)

	refund := map[string]any{"order_id": "order-1", "status": "refunded"}
	rec := ts.do(t, http.MethodPost, "/api/events/order", refund)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestOrderEvent_Validation(t *testing.T) {
	ts := newTestServer(t)

	missing := map[string]any{"status": "delivered"}
	assert.Equal(t, http.StatusBadRequest,
		ts.do(t, http.MethodPost, "/api/events/order", missing).Code)

	unknown := map[string]any{"order_id": "order-1", "status": "teleported"}
	assert.Equal(t, http.StatusBadRequest,
		ts.do(t, http.MethodPost, "/api/events/order", unknown).Code)
}

func TestOrderEvent_RepeatCODOrder_EarnsNothing(t *testing.T) {
	// The launch policy blocks COD accrual after the first qualifying order.
	ts := newTestServer(t)

	cod := deliveredEvent("order-1", 1000)
	cod["payment_method"] = "cod"
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/events/order", cod).Code)

	codAgain := deliveredEvent("order-2", 1000)
	codAgain["payment_method"] = "cod"
	rec := ts.do(t, http.MethodPost, "/api/events/order", codAgain)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.OrderEventResponse
	decodeJSON(t, rec, &resp)
	assert.Empty(t, resp.PointsEarned, "second COD order earns no points")
	assert.NotNil(t, resp.Commission, "the agent's commission is unaffected by the COD rule")

	var wallet api.WalletSummaryDTO
	decodeJSON(t, ts.do(t, http.MethodGet, "/api/wallets/buyer-1", nil), &wallet)
	assert.Equal(t, "100", wallet.Available)
}

// =============================================================================
// WALLETS
// =============================================================================

func TestGetWallet_UnknownAccount_ZeroSummary(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/wallets/nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var wallet api.WalletSummaryDTO
	decodeJSON(t, rec, &wallet)
	assert.Equal(t, "nobody", wallet.AccountID)
	assert.Equal(t, "0", wallet.Available)
	assert.Nil(t, wallet.NextExpiringBatch)
}

func TestGetWallet_ReportsNextExpiringGrant(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/events/order", deliveredEvent("order-1", 1000)).Code)

	var wallet api.WalletSummaryDTO
	decodeJSON(t, ts.do(t, http.MethodGet, "/api/wallets/buyer-1", nil), &wallet)
	require.NotNil(t, wallet.NextExpiringBatch)
	assert.Equal(t, "100", wallet.NextExpiringBatch.Points)
	assert.Equal(t, "2026-07-10T09:00:00Z", wallet.NextExpiringBatch.ExpiresAt)
}

func TestRedeem_SpendsFIFO(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/events/order", deliveredEvent("order-1", 1000)).Code)

	rec := ts.do(t, http.MethodPost, "/api/wallets/buyer-1/redeem", map[string]any{"amount": 60})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var plan api.RedemptionPlanDTO
	decodeJSON(t, rec, &plan)
	assert.Equal(t, "60", plan.Requested)
	require.Len(t, plan.Consumed, 1)
	assert.Equal(t, "60", plan.Consumed[0].Points)
	assert.False(t, plan.Consumed[0].Exhausted)

	var wallet api.WalletSummaryDTO
	decodeJSON(t, ts.do(t, http.MethodGet, "/api/wallets/buyer-1", nil), &wallet)
	assert.Equal(t, "40", wallet.Available)
}

func TestRedeem_InsufficientBalance(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/wallets/buyer-1/redeem", map[string]any{"amount": 10})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRedeem_PerOrderCap(t *testing.T) {
	// GIVEN: A 100-value order and the 50% redemption cap
	// WHEN: The buyer tries to pay 60 points against it
	// THEN: 422 before any balance is touched

	ts := newTestServer(t)

	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/events/order", deliveredEvent("order-1", 1000)).Code)

	over := map[string]any{"amount": 60, "order_total": 100}
	rec := ts.do(t, http.MethodPost, "/api/wallets/buyer-1/redeem", over)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var wallet api.WalletSummaryDTO
	decodeJSON(t, ts.do(t, http.MethodGet, "/api/wallets/buyer-1", nil), &wallet)
	assert.Equal(t, "100", wallet.Available, "capped redemption must not spend")

	within := map[string]any{"amount": 50, "order_total": 100}
	assert.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/wallets/buyer-1/redeem", within).Code)
}

func TestGetTransactions_NewestFirst(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/events/order", deliveredEvent("order-1", 1000)).Code)
	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/wallets/buyer-1/redeem", map[string]any{"amount": 30}).Code)

	rec := ts.do(t, http.MethodGet, "/api/wallets/buyer-1/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Transactions []api.TransactionLogDTO `json:"transactions"`
	}
	decodeJSON(t, rec, &resp)
	require.Len(t, resp.Transactions, 2)
	assert.Equal(t, "redeem", resp.Transactions[0].Kind)
	assert.Equal(t, "earn", resp.Transactions[1].Kind)
}

// =============================================================================
// COMMISSION VIEWS
// =============================================================================

func TestListCommissions_FiltersByAgent(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/events/order", deliveredEvent("order-1", 1000)).Code)

	other := deliveredEvent("order-2", 2000)
	other["agent_id"] = "agent-2"
	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/events/order", other).Code)

	var resp struct {
		Records []api.CommissionRecordDTO `json:"records"`
	}
	decodeJSON(t, ts.do(t, http.MethodGet, "/api/commissions?agent_id=agent-1", nil), &resp)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "order-1", resp.Records[0].OrderID)

	decodeJSON(t, ts.do(t, http.MethodGet, "/api/commissions", nil), &resp)
	assert.Len(t, resp.Records, 2, "no filter lists all agents")
}

func TestListSettlements(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/events/order", deliveredEvent("order-1", 1000)).Code)
	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/admin/settlement", map[string]any{"period": "2026-03"}).Code)

	var resp struct {
		Settlements []api.SettlementBatchDTO `json:"settlements"`
	}
	decodeJSON(t, ts.do(t, http.MethodGet, "/api/agents/agent-1/settlements", nil), &resp)
	require.Len(t, resp.Settlements, 1)
	assert.Equal(t, "2026-03", resp.Settlements[0].Period)
	assert.Equal(t, "50", resp.Settlements[0].Amount)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestTriggerSweep(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/events/order", deliveredEvent("order-1", 1000)).Code)
	ts.clock.AdvanceMonths(5)

	rec := ts.do(t, http.MethodPost, "/api/admin/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result api.SweepResultDTO
	decodeJSON(t, rec, &result)
	assert.Equal(t, 1, result.Swept)
	assert.Equal(t, "100", result.PointsLost)
}

func TestTriggerSettlement_DefaultsToPreviousMonth(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/events/order", deliveredEvent("order-1", 1000)).Code)
	ts.clock.AdvanceMonths(1)

	rec := ts.do(t, http.MethodPost, "/api/admin/settlement", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result api.SettlementResultDTO
	decodeJSON(t, rec, &result)
	assert.Equal(t, "2026-03", result.Period)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, "50", result.TotalAmount)
}
