/*
handlers.go - HTTP API handlers for the community bank

PURPOSE:
  Exposes the ledger engine, the reporter and the command surface via REST.
  Handles HTTP request/response and JSON serialization and delegates to
  domain logic.

ENDPOINTS:
  Dashboard:
    GET    /api/stats                        Volume, counts, failures today
    GET    /api/commands/today               Commands since local midnight
    GET    /api/bot/status                   Command surface status

  Transactions:
    GET    /api/transactions                 Latest 100
    GET    /api/transactions/recent          Latest N with user and merchant
    GET    /api/transactions/{publicId}      Lookup by public id
    POST   /api/transactions/{publicId}/cancel  Cancel a pending order

  Users:
    GET    /api/users                        All accounts
    GET    /api/users/{id}/transactions      Account history

  Merchants:
    GET    /api/merchants                    All merchants
    GET    /api/merchants/top                Revenue leaderboard
    POST   /api/merchants                    Create merchant
    PATCH  /api/merchants/{id}/active        Toggle order acceptance

  Alerts:
    GET    /api/alerts                       Unread alerts
    POST   /api/alerts                       Raise an alert
    PATCH  /api/alerts/{id}/read             Mark read

  Commands:
    POST   /api/commands/{name}              Run a chat command

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (engine, reporter, dispatcher)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Duplicate payment suspected, conflicting key
  - 422: Business rejection (funds, self transfer, inactive merchant)
  - 503: Store unavailable
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/commbank/command"
	"github.com/warp/commbank/ledger"
)

const (
	defaultRecentLimit  = 10
	defaultAllLimit     = 100
	defaultHistoryLimit = 20
	maxListLimit        = 100
)

var validate = validator.New()

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine     *ledger.Engine
	Store      ledger.Store
	Reporter   *ledger.Reporter
	Dispatcher *command.Dispatcher
	Logger     logrus.FieldLogger

	StartedAt time.Time
	Now       func() time.Time

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(engine *ledger.Engine, reporter *ledger.Reporter, dispatcher *command.Dispatcher, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Engine:     engine,
		Store:      engine.Store,
		Reporter:   reporter,
		Dispatcher: dispatcher,
		Logger:     logger.WithField("component", "api"),
		StartedAt:  time.Now(),
	}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
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

// statusFor maps a domain error to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, ledger.ErrSelfTransfer):
		return http.StatusUnprocessableEntity, "self_transfer"
	case errors.Is(err, ledger.ErrMerchantInactive):
		return http.StatusUnprocessableEntity, "merchant_inactive"
	case errors.Is(err, ledger.ErrDuplicateSuspected):
		return http.StatusConflict, "duplicate_suspected"
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ledger.ErrMerchantNotFound), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// fail writes err with its mapped status. Server-side failures are logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.WithError(err).WithField("path", r.URL.Path).Error(message)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

// limitParam reads a positive ?limit= value, falling back on anything else.
func limitParam(r *http.Request, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return fallback
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// formatUptime renders a duration as "3h 12m".
func formatUptime(d time.Duration) string {
	mins := int(d / time.Minute)
	return fmt.Sprintf("%dh %dm", mins/60, mins%60)
}

// =============================================================================
// DASHBOARD
// =============================================================================

// GetStats returns the dashboard summary.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Reporter.Stats(r.Context())
	if err != nil {
		h.fail(w, r, "failed to fetch stats", err)
		return
	}
	writeJSON(w, http.StatusOK, StatsDTO{
		TotalVolume:        ledger.FormatMoney(stats.TotalVolume),
		TotalTransactions:  stats.TotalTransactions,
		ActiveUsers:        stats.ActiveUsers,
		FailedTransactions: stats.FailedToday,
	})
}

// GetCommandsToday returns the number of commands since local midnight.
func (h *Handler) GetCommandsToday(w http.ResponseWriter, r *http.Request) {
	n, err := h.Reporter.CommandsToday(r.Context())
	if err != nil {
		h.fail(w, r, "failed to fetch command count", err)
		return
	}
	writeJSON(w, http.StatusOK, CountDTO{Count: n})
}

// GetBotStatus reports the command surface as online with its uptime.
func (h *Handler) GetBotStatus(w http.ResponseWriter, r *http.Request) {
	n, err := h.Reporter.CommandsToday(r.Context())
	if err != nil {
		h.fail(w, r, "failed to fetch bot status", err)
		return
	}
	writeJSON(w, http.StatusOK, BotStatusDTO{
		Status:        "online",
		Uptime:        formatUptime(h.now().Sub(h.StartedAt)),
		CommandsToday: n,
	})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// ListTransactions returns the latest transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Store.ListTransactions(r.Context(), defaultAllLimit)
	if err != nil {
		h.fail(w, r, "failed to fetch transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// ListRecentTransactions returns the latest transactions with their account
// and merchant attached.
func (h *Handler) ListRecentTransactions(w http.ResponseWriter, r *http.Request) {
	details, err := h.Reporter.RecentTransactions(r.Context(), limitParam(r, defaultRecentLimit))
	if err != nil {
		h.fail(w, r, "failed to fetch recent transactions", err)
		return
	}
	dtos := make([]RecentTransactionDTO, len(details))
	for i, d := range details {
		dtos[i] = RecentTransactionDTO{
			TransactionDTO: toTransactionDTO(d.Transaction),
			User:           toAccountDTO(d.Account),
			Merchant:       toMerchantDTO(d.Merchant),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTransaction looks up a transaction by public id.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Store.GetTransactionByPublicID(r.Context(), chi.URLParam(r, "publicId"))
	if err != nil {
		h.fail(w, r, "transaction not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// CancelTransaction cancels a pending order and refunds it.
func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tx, err := h.Store.GetTransactionByPublicID(ctx, chi.URLParam(r, "publicId"))
	if err != nil {
		h.fail(w, r, "transaction not found", err)
		return
	}
	tx, err = h.Engine.Cancel(ctx, tx.ID)
	if err != nil {
		h.fail(w, r, "failed to cancel transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// =============================================================================
// USERS
// =============================================================================

// ListUsers returns every account.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Store.ListAccounts(r.Context())
	if err != nil {
		h.fail(w, r, "failed to fetch users", err)
		return
	}
	dtos := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetUserTransactions returns an account's latest transactions.
func (h *Handler) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id", err)
		return
	}
	ctx := r.Context()
	if _, err := h.Store.GetAccount(ctx, ledger.AccountID(id)); err != nil {
		h.fail(w, r, "user not found", err)
		return
	}
	txs, err := h.Store.ListTransactionsByAccount(ctx, ledger.AccountID(id), limitParam(r, defaultHistoryLimit))
	if err != nil {
		h.fail(w, r, "failed to fetch user transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// MERCHANTS
// =============================================================================

// ListMerchants returns every merchant.
func (h *Handler) ListMerchants(w http.ResponseWriter, r *http.Request) {
	merchants, err := h.Store.ListMerchants(r.Context())
	if err != nil {
		h.fail(w, r, "failed to fetch merchants", err)
		return
	}
	dtos := make([]MerchantDTO, len(merchants))
	for i, m := range merchants {
		dtos[i] = toMerchantDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListTopMerchants returns merchants ranked by completed revenue.
func (h *Handler) ListTopMerchants(w http.ResponseWriter, r *http.Request) {
	ranked, err := h.Reporter.TopMerchants(r.Context())
	if err != nil {
		h.fail(w, r, "failed to fetch top merchants", err)
		return
	}
	dtos := make([]TopMerchantDTO, len(ranked))
	for i, m := range ranked {
		dtos[i] = TopMerchantDTO{
			MerchantDTO:  toMerchantDTO(m.Merchant),
			TotalRevenue: ledger.FormatMoney(m.Revenue),
			OrderCount:   m.OrderCount,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateMerchant adds a merchant.
func (h *Handler) CreateMerchant(w http.ResponseWriter, r *http.Request) {
	var req CreateMerchantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid merchant data", err)
		return
	}
	m, err := h.Engine.CreateMerchant(r.Context(), ledger.NewMerchant{
		Name:        req.Name,
		Category:    req.Category,
		Description: req.Description,
		IsActive:    req.IsActive,
	})
	if err != nil {
		h.fail(w, r, "Invalid merchant data", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMerchantDTO(m))
}

// SetMerchantActive toggles whether a merchant accepts orders.
func (h *Handler) SetMerchantActive(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid merchant id", err)
		return
	}
	var req SetMerchantActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "is_active is required", err)
		return
	}
	m, err := h.Engine.SetMerchantActive(r.Context(), ledger.MerchantID(id), *req.IsActive)
	if err != nil {
		h.fail(w, r, "failed to update merchant", err)
		return
	}
	writeJSON(w, http.StatusOK, toMerchantDTO(m))
}

// =============================================================================
// ALERTS
// =============================================================================

// ListAlerts returns unread alerts, newest first.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.Reporter.UnreadAlerts(r.Context())
	if err != nil {
		h.fail(w, r, "failed to fetch alerts", err)
		return
	}
	dtos := make([]AlertDTO, len(alerts))
	for i, a := range alerts {
		dtos[i] = toAlertDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAlert raises an alert. Severity defaults to info.
func (h *Handler) CreateAlert(w http.ResponseWriter, r *http.Request) {
	var req CreateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid alert data", err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid alert data", err)
		return
	}
	kind, err := ledger.ParseAlertKind(req.Type)
	if err != nil {
		h.fail(w, r, "Invalid alert data", err)
		return
	}
	severity := ledger.SeverityInfo
	if req.Severity != "" {
		if severity, err = ledger.ParseSeverity(req.Severity); err != nil {
			h.fail(w, r, "Invalid alert data", err)
			return
		}
	}

	alert, err := h.Store.CreateAlert(r.Context(), ledger.Alert{
		Kind:      kind,
		Message:   req.Message,
		Severity:  severity,
		CreatedAt: h.now(),
	})
	if err != nil {
		h.fail(w, r, "failed to create alert", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAlertDTO(alert))
}

// MarkAlertRead flags an alert as read.
func (h *Handler) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id", err)
		return
	}
	alert, err := h.Store.MarkAlertRead(r.Context(), ledger.AlertID(id))
	if err != nil {
		if ledger.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Alert not found", nil)
			return
		}
		h.fail(w, r, "failed to update alert", err)
		return
	}
	writeJSON(w, http.StatusOK, toAlertDTO(alert))
}

// =============================================================================
// COMMANDS
// =============================================================================

// RunCommand executes a chat command. Rejected commands still carry the
// reply the member should see.
func (h *Handler) RunCommand(w http.ResponseWriter, r *http.Request) {
	name, err := ledger.ParseCommandName(chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, r, "unknown command", err)
		return
	}
	var req command.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid command body", err)
		return
	}

	reply, err := h.Dispatcher.Dispatch(r.Context(), name, req)
	if err != nil {
		status, code := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.Logger.WithError(err).WithField("command", name).Error("command failed")
		}
		writeJSON(w, status, CommandResponse{OK: false, Reply: reply, Code: code})
		return
	}
	writeJSON(w, http.StatusOK, CommandResponse{OK: true, Reply: reply})
}
