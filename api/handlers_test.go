/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Command transport (pay, order, rejections and their status codes)
- Dashboard reads (stats, recent transactions, top merchants, bot status)
- Merchant and alert administration
- Order cancellation and refunds
- Demo scenarios
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commbank/command"
	"github.com/warp/commbank/ledger"
	"github.com/warp/commbank/ledger/store"
)

var (
	alice = command.User{ExternalID: "u-alice", DisplayName: "alice"}
	bob   = command.User{ExternalID: "u-bob", DisplayName: "bob"}
)

func setupTestServer(t *testing.T) (http.Handler, *Handler) {
	t.Helper()
	mem := store.NewMemory()
	logger, _ := test.NewNullLogger()

	engine := ledger.NewEngine(mem, logger)
	require.NoError(t, engine.Bootstrap(context.Background(), true))

	reporter := ledger.NewReporter(mem, time.UTC)
	dispatcher := command.NewDispatcher(engine, logger)
	h := NewHandler(engine, reporter, dispatcher, logger)
	return NewRouter(h, nil), h
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func pay(t *testing.T, router http.Handler, from, to command.User, amount string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, http.MethodPost, "/api/commands/pay", command.Request{Caller: from, Target: &to, Amount: amount})
}

func order(t *testing.T, router http.Handler, who command.User, merchant, amount string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, http.MethodPost, "/api/commands/order", command.Request{Caller: who, Merchant: merchant, Amount: amount})
}

func balances(t *testing.T, router http.Handler) map[string]string {
	t.Helper()
	rec := do(t, router, http.MethodGet, "/api/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := make(map[string]string)
	for _, a := range decode[[]AccountDTO](t, rec) {
		out[a.DisplayName] = a.Balance
	}
	return out
}

// =============================================================================
// COMMANDS
// =============================================================================

func TestRunCommand_PayMovesMoney(t *testing.T) {
	router, _ := setupTestServer(t)

	// WHEN: alice pays bob 25
	rec := pay(t, router, alice, bob, "25")

	// THEN: The command succeeds and both balances move
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CommandResponse](t, rec)
	assert.True(t, resp.OK)
	assert.Contains(t, resp.Reply.Content, "$25.00")

	b := balances(t, router)
	assert.Equal(t, "975.00", b["alice"])
	assert.Equal(t, "1025.00", b["bob"])
}

func TestRunCommand_RejectionsMapToStatus(t *testing.T) {
	router, _ := setupTestServer(t)

	tests := []struct {
		name   string
		path   string
		req    command.Request
		status int
		code   string
	}{
		{
			name:   "insufficient funds",
			path:   "/api/commands/pay",
			req:    command.Request{Caller: alice, Target: &bob, Amount: "1000.01"},
			status: http.StatusUnprocessableEntity,
			code:   "insufficient_funds",
		},
		{
			name:   "self transfer",
			path:   "/api/commands/pay",
			req:    command.Request{Caller: alice, Target: &alice, Amount: "5"},
			status: http.StatusUnprocessableEntity,
			code:   "self_transfer",
		},
		{
			name:   "bad amount",
			path:   "/api/commands/pay",
			req:    command.Request{Caller: alice, Target: &bob, Amount: "lots"},
			status: http.StatusBadRequest,
			code:   "validation_error",
		},
		{
			name:   "unknown merchant",
			path:   "/api/commands/order",
			req:    command.Request{Caller: alice, Merchant: "Nowhere", Amount: "5"},
			status: http.StatusNotFound,
			code:   "not_found",
		},
		{
			name:   "history limit too large",
			path:   "/api/commands/history",
			req:    command.Request{Caller: alice, Limit: 21},
			status: http.StatusBadRequest,
			code:   "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, tt.path, tt.req)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decode[CommandResponse](t, rec)
			assert.False(t, resp.OK)
			assert.Equal(t, tt.code, resp.Code)
			assert.True(t, strings.HasPrefix(resp.Reply.Content, "❌"), resp.Reply.Content)
		})
	}
}

func TestRunCommand_UnknownCommand(t *testing.T) {
	router, _ := setupTestServer(t)

	rec := do(t, router, http.MethodPost, "/api/commands/dance", command.Request{Caller: alice})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "validation_error", resp.Code)
}

func TestRunCommand_EveryCallCountsToday(t *testing.T) {
	router, _ := setupTestServer(t)

	pay(t, router, alice, bob, "10")
	pay(t, router, alice, bob, "5000")
	do(t, router, http.MethodPost, "/api/commands/help", command.Request{Caller: alice})

	rec := do(t, router, http.MethodGet, "/api/commands/today", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[CountDTO](t, rec).Count)
}

// =============================================================================
// DASHBOARD
// =============================================================================

func TestGetStats(t *testing.T) {
	router, _ := setupTestServer(t)

	// GIVEN: One completed transfer and one pending order
	require.Equal(t, http.StatusOK, pay(t, router, alice, bob, "12.50").Code)
	require.Equal(t, http.StatusOK, order(t, router, bob, "Pizza Corner", "30").Code)

	rec := do(t, router, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[StatsDTO](t, rec)

	// THEN: Only the completed transfer counts toward volume
	assert.Equal(t, "12.50", stats.TotalVolume)
	assert.Equal(t, 2, stats.TotalTransactions)
	assert.Equal(t, 2, stats.ActiveUsers)
	assert.Equal(t, 0, stats.FailedTransactions)
}

func TestListRecentTransactions_JoinsUserAndMerchant(t *testing.T) {
	router, _ := setupTestServer(t)
	require.Equal(t, http.StatusOK, pay(t, router, alice, bob, "3").Code)
	require.Equal(t, http.StatusOK, order(t, router, alice, "Brew Masters", "4.25").Code)

	rec := do(t, router, http.MethodGet, "/api/transactions/recent?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recent := decode[[]RecentTransactionDTO](t, rec)

	require.Len(t, recent, 1)
	assert.Equal(t, "alice", recent[0].User.DisplayName)
	assert.Equal(t, "Brew Masters", recent[0].Merchant.Name)
	assert.Equal(t, "4.25", recent[0].Amount)
	assert.Equal(t, "pending", recent[0].Status)
}

func TestListTopMerchants(t *testing.T) {
	router, h := setupTestServer(t)
	ctx := context.Background()

	// GIVEN: A settled order at Burger Palace and a pending one at Pizza Corner
	require.Equal(t, http.StatusOK, order(t, router, alice, "Burger Palace", "20").Code)
	require.Equal(t, http.StatusOK, order(t, router, bob, "Pizza Corner", "99").Code)

	aliceAcct, err := h.Store.GetAccountByExternalID(ctx, alice.ExternalID)
	require.NoError(t, err)
	txs, err := h.Store.ListTransactionsByAccount(ctx, aliceAcct.ID, 1)
	require.NoError(t, err)
	_, err = h.Engine.Settle(ctx, txs[0].ID)
	require.NoError(t, err)

	rec := do(t, router, http.MethodGet, "/api/merchants/top", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	top := decode[[]TopMerchantDTO](t, rec)

	// THEN: Pending revenue does not count
	require.NotEmpty(t, top)
	assert.Equal(t, "Burger Palace", top[0].Name)
	assert.Equal(t, "20.00", top[0].TotalRevenue)
	assert.Equal(t, 1, top[0].OrderCount)
	for _, m := range top[1:] {
		assert.Equal(t, "0.00", m.TotalRevenue, m.Name)
	}
}

func TestGetBotStatus(t *testing.T) {
	router, h := setupTestServer(t)
	now := time.Now()
	h.StartedAt = now.Add(-(90*time.Minute + 20*time.Second))
	h.Now = func() time.Time { return now }

	do(t, router, http.MethodPost, "/api/commands/balance", command.Request{Caller: alice})

	rec := do(t, router, http.MethodGet, "/api/bot/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[BotStatusDTO](t, rec)
	assert.Equal(t, "online", status.Status)
	assert.Equal(t, "1h 30m", status.Uptime)
	assert.Equal(t, 1, status.CommandsToday)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestGetTransaction_NotFound(t *testing.T) {
	router, _ := setupTestServer(t)

	rec := do(t, router, http.MethodGet, "/api/transactions/TX000000000", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTransaction_RefundsPendingOrder(t *testing.T) {
	router, _ := setupTestServer(t)

	// GIVEN: A pending order
	require.Equal(t, http.StatusOK, order(t, router, alice, "GameStop Express", "59.99").Code)
	assert.Equal(t, "940.01", balances(t, router)["alice"])

	rec := do(t, router, http.MethodGet, "/api/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decode[[]TransactionDTO](t, rec)
	require.Len(t, txs, 1)
	publicID := txs[0].PublicID

	rec = do(t, router, http.MethodGet, "/api/transactions/"+publicID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode[TransactionDTO](t, rec).Status)

	// WHEN: The order is cancelled
	rec = do(t, router, http.MethodPost, "/api/transactions/"+publicID+"/cancel", nil)

	// THEN: It is cancelled and refunded
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[TransactionDTO](t, rec).Status)
	assert.Equal(t, "1000.00", balances(t, router)["alice"])

	// AND: Cancelling again is rejected without a second refund
	rec = do(t, router, http.MethodPost, "/api/transactions/"+publicID+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "1000.00", balances(t, router)["alice"])
}

func TestGetUserTransactions(t *testing.T) {
	router, _ := setupTestServer(t)
	require.Equal(t, http.StatusOK, pay(t, router, alice, bob, "1").Code)
	require.Equal(t, http.StatusOK, pay(t, router, alice, bob, "2").Code)

	rec := do(t, router, http.MethodGet, "/api/users", nil)
	var aliceID int64
	for _, a := range decode[[]AccountDTO](t, rec) {
		if a.DisplayName == "alice" {
			aliceID = a.ID
		}
	}
	require.NotZero(t, aliceID)

	rec = do(t, router, http.MethodGet, "/api/users/"+jsonID(aliceID)+"/transactions?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decode[[]TransactionDTO](t, rec)
	require.Len(t, txs, 1)
	assert.Equal(t, "2.00", txs[0].Amount)

	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/api/users/9999/transactions", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/users/abc/transactions", nil).Code)
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

// =============================================================================
// MERCHANTS
// =============================================================================

func TestCreateMerchant(t *testing.T) {
	router, _ := setupTestServer(t)

	rec := do(t, router, http.MethodPost, "/api/merchants", CreateMerchantRequest{
		Name: "Noodle Bar", Category: "food", Description: "Ramen",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	m := decode[MerchantDTO](t, rec)
	assert.Equal(t, "Noodle Bar", m.Name)
	assert.True(t, m.IsActive)

	tests := []struct {
		name string
		req  CreateMerchantRequest
	}{
		{"duplicate name", CreateMerchantRequest{Name: "Noodle Bar", Category: "food"}},
		{"unknown category", CreateMerchantRequest{Name: "Spa", Category: "wellness"}},
		{"reserved category", CreateMerchantRequest{Name: "Wire", Category: "transfer"}},
		{"missing name", CreateMerchantRequest{Category: "items"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/merchants", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "Invalid merchant data", decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestSetMerchantActive_GatesOrders(t *testing.T) {
	router, _ := setupTestServer(t)

	rec := do(t, router, http.MethodGet, "/api/merchants", nil)
	var burgerID, peerID int64
	for _, m := range decode[[]MerchantDTO](t, rec) {
		switch m.Name {
		case "Burger Palace":
			burgerID = m.ID
		case ledger.PeerMerchantName:
			peerID = m.ID
		}
	}
	require.NotZero(t, burgerID)
	require.NotZero(t, peerID)

	off := false
	rec = do(t, router, http.MethodPatch, "/api/merchants/"+jsonID(burgerID)+"/active", SetMerchantActiveRequest{IsActive: &off})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[MerchantDTO](t, rec).IsActive)

	rec = order(t, router, alice, "Burger Palace", "5")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "merchant_inactive", decode[CommandResponse](t, rec).Code)
	assert.Equal(t, "1000.00", balances(t, router)["alice"])

	on := true
	rec = do(t, router, http.MethodPatch, "/api/merchants/"+jsonID(peerID)+"/active", SetMerchantActiveRequest{IsActive: &on})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPatch, "/api/merchants/"+jsonID(burgerID)+"/active", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ALERTS
// =============================================================================

func TestAlerts_CreateListMarkRead(t *testing.T) {
	router, _ := setupTestServer(t)

	rec := do(t, router, http.MethodPost, "/api/alerts", CreateAlertRequest{Type: "system", Message: "Maintenance at noon"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[AlertDTO](t, rec)
	assert.Equal(t, "info", created.Severity)

	rec = do(t, router, http.MethodGet, "/api/alerts", nil)
	require.Len(t, decode[[]AlertDTO](t, rec), 1)

	rec = do(t, router, http.MethodPatch, "/api/alerts/"+jsonID(created.ID)+"/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[AlertDTO](t, rec).IsRead)

	rec = do(t, router, http.MethodGet, "/api/alerts", nil)
	assert.Empty(t, decode[[]AlertDTO](t, rec))

	rec = do(t, router, http.MethodPatch, "/api/alerts/999/read", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Alert not found", decode[ErrorResponse](t, rec).Error)
}

func TestCreateAlert_Invalid(t *testing.T) {
	router, _ := setupTestServer(t)

	for _, req := range []CreateAlertRequest{
		{Type: "system"},
		{Type: "weather", Message: "Rain"},
		{Type: "fraud", Message: "x", Severity: "critical"},
	} {
		rec := do(t, router, http.MethodPost, "/api/alerts", req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%+v", req)
	}
}

func TestDuplicatePayment_RaisesAlert(t *testing.T) {
	router, _ := setupTestServer(t)

	require.Equal(t, http.StatusOK, pay(t, router, alice, bob, "10").Code)
	rec := pay(t, router, alice, bob, "10")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/alerts", nil)
	alerts := decode[[]AlertDTO](t, rec)
	require.Len(t, alerts, 1)
	assert.Equal(t, "fraud", alerts[0].Type)
	assert.Equal(t, "warning", alerts[0].Severity)
	assert.Equal(t, "Duplicate transaction attempted by user alice", alerts[0].Message)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestLoadScenario_Community(t *testing.T) {
	router, _ := setupTestServer(t)

	rec := do(t, router, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))

	rec = do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "community"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	b := balances(t, router)
	assert.Equal(t, "996.25", b["alice"])
	assert.Equal(t, "1012.50", b["bob"])
	assert.Equal(t, "968.00", b["carol"])

	rec = do(t, router, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "community", decode[ScenarioDTO](t, rec).ID)
}

func TestLoadScenario_FraudAlert(t *testing.T) {
	router, _ := setupTestServer(t)

	rec := do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "fraud-alert"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/alerts", nil)
	assert.Len(t, decode[[]AlertDTO](t, rec), 1)
}

func TestLoadScenario_Unknown(t *testing.T) {
	router, _ := setupTestServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{}).Code)

	rec := do(t, router, http.MethodGet, "/api/scenarios", nil)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))
}
