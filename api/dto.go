/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are always fixed two-decimal strings ("12.50"), never floats.

TIMESTAMPS:
  RFC3339 in UTC.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/commbank/command"
	"github.com/warp/commbank/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// AccountDTO represents a member account.
type AccountDTO struct {
	ID          int64  `json:"id"`
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"username"`
	Balance     string `json:"balance"`
	CreatedAt   string `json:"created_at"`
}

// MerchantDTO represents a merchant.
type MerchantDTO struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at"`
}

// TopMerchantDTO is a merchant with its completed revenue.
type TopMerchantDTO struct {
	MerchantDTO
	TotalRevenue string `json:"total_revenue"`
	OrderCount   int    `json:"order_count"`
}

// TransactionDTO represents a transaction.
type TransactionDTO struct {
	ID          int64  `json:"id"`
	PublicID    string `json:"transaction_id"`
	AccountID   int64  `json:"user_id"`
	MerchantID  int64  `json:"merchant_id"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// RecentTransactionDTO is a transaction with its account and merchant attached.
type RecentTransactionDTO struct {
	TransactionDTO
	User     AccountDTO  `json:"user"`
	Merchant MerchantDTO `json:"merchant"`
}

// StatsDTO is the dashboard summary.
type StatsDTO struct {
	TotalVolume        string `json:"total_volume"`
	TotalTransactions  int    `json:"total_transactions"`
	ActiveUsers        int    `json:"active_users"`
	FailedTransactions int    `json:"failed_transactions"`
}

// AlertDTO represents an alert.
type AlertDTO struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	IsRead    bool   `json:"is_read"`
	CreatedAt string `json:"created_at"`
}

// CountDTO wraps a single count.
type CountDTO struct {
	Count int `json:"count"`
}

// BotStatusDTO reports the command surface's health.
type BotStatusDTO struct {
	Status        string `json:"status"`
	Uptime        string `json:"uptime"`
	CommandsToday int    `json:"commands_today"`
}

// CreateMerchantRequest is the body of POST /api/merchants.
type CreateMerchantRequest struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	IsActive    *bool  `json:"is_active,omitempty"`
}

// SetMerchantActiveRequest is the body of PATCH /api/merchants/{id}/active.
type SetMerchantActiveRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

// CreateAlertRequest is the body of POST /api/alerts.
type CreateAlertRequest struct {
	Type     string `json:"type" validate:"required"`
	Message  string `json:"message" validate:"required,max=500"`
	Severity string `json:"severity"`
}

// CommandResponse carries a command reply back to the chat front end.
type CommandResponse struct {
	OK    bool          `json:"ok"`
	Reply command.Reply `json:"reply"`
	Code  string        `json:"code,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:          int64(a.ID),
		ExternalID:  a.ExternalID,
		DisplayName: a.DisplayName,
		Balance:     ledger.FormatMoney(a.Balance),
		CreatedAt:   formatTime(a.CreatedAt),
	}
}

func toMerchantDTO(m ledger.Merchant) MerchantDTO {
	return MerchantDTO{
		ID:          int64(m.ID),
		Name:        m.Name,
		Category:    string(m.Category),
		Description: m.Description,
		IsActive:    m.IsActive,
		CreatedAt:   formatTime(m.CreatedAt),
	}
}

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          int64(t.ID),
		PublicID:    t.PublicID,
		AccountID:   int64(t.AccountID),
		MerchantID:  int64(t.MerchantID),
		Amount:      ledger.FormatMoney(t.Amount),
		Status:      string(t.Status),
		Description: t.Description,
		CreatedAt:   formatTime(t.CreatedAt),
		UpdatedAt:   formatTime(t.UpdatedAt),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = toTransactionDTO(t)
	}
	return dtos
}

func toAlertDTO(a ledger.Alert) AlertDTO {
	return AlertDTO{
		ID:        int64(a.ID),
		Type:      string(a.Kind),
		Message:   a.Message,
		Severity:  string(a.Severity),
		IsRead:    a.IsRead,
		CreatedAt: formatTime(a.CreatedAt),
	}
}
