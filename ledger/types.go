/*
Package ledger provides the transactional core of the community bank.

PURPOSE:
  Records money movement between member accounts and merchants, enforces
  balance invariants, flags suspicious repeat payments, and exposes derived
  views (totals, leaderboards, per-member history) to concurrent readers.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account:         A member's wallet, bound one-to-one to a chat identity
  - Merchant:        A payee that accepts orders
  - Transaction:     One recorded movement of funds (peer payment or order)
  - Status:          Closed lifecycle of a transaction with guarded transitions
  - CommandLogEntry: Append-only audit of every command invocation
  - Alert:           Anomaly notice raised by fraud detection
  - SettlementJob:   Durable record driving delayed order settlement

MONEY:
  All amounts are decimal.Decimal with two fractional digits. Durable
  representations use StringFixed(2); floats never cross the store boundary.

SEE ALSO:
  - engine.go:   Transfer, Order, Settle
  - store.go:    Persistence contract
  - reporter.go: Aggregated read views
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID int64
type MerchantID int64
type TransactionID int64
type CommandLogID int64
type AlertID int64
type SettlementJobID string

// =============================================================================
// MONEY
// =============================================================================

// DefaultStartingBalance is credited to every account on first sight.
var DefaultStartingBalance = decimal.RequireFromString("1000.00")

// NormalizeAmount rounds a caller-supplied amount to two decimal places.
func NormalizeAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// FormatMoney renders an amount the way it is persisted and displayed.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// ParseMoney parses a fixed-point string. Empty input is an error.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Message: fmt.Sprintf("invalid amount %q", s)}
	}
	return NormalizeAmount(d), nil
}

// =============================================================================
// ACCOUNT
// =============================================================================

type Account struct {
	ID          AccountID
	ExternalID  string
	DisplayName string
	Balance     decimal.Decimal
	CreatedAt   time.Time
}

// =============================================================================
// MERCHANT
// =============================================================================

type Category string

const (
	CategoryFood     Category = "food"
	CategoryItems    Category = "items"
	CategoryServices Category = "services"

	// CategoryTransfer is reserved for the peer-payment bucket.
	CategoryTransfer Category = "transfer"
)

// ParseCategory accepts the categories a merchant can be created with.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryFood, CategoryItems, CategoryServices:
		return Category(s), nil
	case CategoryTransfer:
		return "", &ValidationError{Field: "category", Message: "category transfer is reserved"}
	}
	return "", &ValidationError{Field: "category", Message: fmt.Sprintf("unknown category %q", s)}
}

type Merchant struct {
	ID          MerchantID
	Name        string
	Category    Category
	Description string
	IsActive    bool
	CreatedAt   time.Time
}

// PeerMerchantName names the merchant slot that peer transfers are booked against.
const PeerMerchantName = "Peer Transfer"

// =============================================================================
// TRANSACTION
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusCompleted, StatusCancelled, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown transaction status %q", s)
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPending:
		return false
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return true
}

// Transition validates a status change. Only pending transactions move, and
// they never move back to pending.
func (s Status) Transition(to Status) error {
	if s.IsTerminal() || to == StatusPending {
		return &InvalidTransitionError{From: s, To: to}
	}
	switch to {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return nil
	}
	return &InvalidTransitionError{From: s, To: to}
}

type Transaction struct {
	ID          TransactionID
	PublicID    string
	AccountID   AccountID
	MerchantID  MerchantID
	Amount      decimal.Decimal
	Status      Status
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TransactionDetail is a transaction joined with its account and merchant.
type TransactionDetail struct {
	Transaction
	Account  Account
	Merchant Merchant
}

// =============================================================================
// COMMAND LOG
// =============================================================================

type CommandName string

const (
	CommandBalance     CommandName = "balance"
	CommandTransaction CommandName = "transaction"
	CommandHistory     CommandName = "history"
	CommandMerchants   CommandName = "merchants"
	CommandPay         CommandName = "pay"
	CommandOrder       CommandName = "order"
	CommandHelp        CommandName = "help"
)

func ParseCommandName(s string) (CommandName, error) {
	switch CommandName(s) {
	case CommandBalance, CommandTransaction, CommandHistory, CommandMerchants,
		CommandPay, CommandOrder, CommandHelp:
		return CommandName(s), nil
	}
	return "", &ValidationError{Field: "command", Message: fmt.Sprintf("unknown command %q", s)}
}

type CommandLogEntry struct {
	ID          CommandLogID
	CommandName CommandName
	AccountID   AccountID
	Parameters  string
	Response    string
	ExecutedAt  time.Time
}

// =============================================================================
// ALERTS
// =============================================================================

type AlertKind string

const (
	AlertFraud      AlertKind = "fraud"
	AlertHighVolume AlertKind = "high_volume"
	AlertSystem     AlertKind = "system"
)

func ParseAlertKind(s string) (AlertKind, error) {
	switch AlertKind(s) {
	case AlertFraud, AlertHighVolume, AlertSystem:
		return AlertKind(s), nil
	}
	return "", &ValidationError{Field: "type", Message: fmt.Sprintf("unknown alert type %q", s)}
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityError:
		return Severity(s), nil
	}
	return "", &ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", s)}
}

type Alert struct {
	ID        AlertID
	Kind      AlertKind
	Message   string
	Severity  Severity
	IsRead    bool
	CreatedAt time.Time
}

// =============================================================================
// SETTLEMENT JOBS
// =============================================================================

type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
)

func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case JobScheduled, JobDone, JobFailed:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// SettlementJob moves a pending order to completed once RunAfter has passed.
// It is persisted with the order so a restart does not strand the order.
type SettlementJob struct {
	ID            SettlementJobID
	TransactionID TransactionID
	Status        JobStatus
	RunAfter      time.Time
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
