/*
store.go - Persistence contract for the ledger

PURPOSE:
  Defines the interface between the engine and the database. The Store is
  the single source of truth; every mutation passes through it.

KEY INTERFACES:
  Store:   Single-entity reads and writes, each atomic on its own
  TxStore: Store plus WithTx for all-or-nothing multi-entity writes

MUTATION RULES:
  - SetAccountBalance writes an absolute value; the engine does the arithmetic
  - SetTransactionStatus refreshes UpdatedAt; lifecycle checks happen in the engine
  - Command log entries and alerts are append-only (alerts flip IsRead only)

ERRORS:
  - Missing rows: ErrNotFound
  - Natural key already taken: ErrConflict
  - Driver failures: *StoreError (errors.Is(err, ErrStoreUnavailable))

IMPLEMENTATIONS:
  - ledger/store/memory.go:   In-memory, for tests and development
  - store/sqlstore:           SQLite and PostgreSQL
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store handles persistence of every ledger entity.
// List methods treat a limit <= 0 as "no limit".
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, a Account) (Account, error)
	GetAccount(ctx context.Context, id AccountID) (Account, error)
	GetAccountByExternalID(ctx context.Context, externalID string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	SetAccountBalance(ctx context.Context, id AccountID, balance decimal.Decimal) error

	// Merchants
	CreateMerchant(ctx context.Context, m Merchant) (Merchant, error)
	GetMerchant(ctx context.Context, id MerchantID) (Merchant, error)
	GetMerchantByName(ctx context.Context, name string) (Merchant, error)
	ListMerchants(ctx context.Context) ([]Merchant, error)
	UpdateMerchant(ctx context.Context, m Merchant) error

	// Transactions, most recent first
	CreateTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)
	GetTransactionByPublicID(ctx context.Context, publicID string) (Transaction, error)
	ListTransactions(ctx context.Context, limit int) ([]Transaction, error)
	ListTransactionsByAccount(ctx context.Context, accountID AccountID, limit int) ([]Transaction, error)
	SetTransactionStatus(ctx context.Context, id TransactionID, status Status, at time.Time) error

	// Command log
	AppendCommandLog(ctx context.Context, e CommandLogEntry) (CommandLogEntry, error)
	CountCommandsSince(ctx context.Context, since time.Time) (int, error)

	// Alerts, newest first
	CreateAlert(ctx context.Context, a Alert) (Alert, error)
	ListAlerts(ctx context.Context, unreadOnly bool) ([]Alert, error)
	MarkAlertRead(ctx context.Context, id AlertID) (Alert, error)

	// Settlement jobs
	CreateSettlementJob(ctx context.Context, j SettlementJob) error
	DueSettlementJobs(ctx context.Context, now time.Time, limit int) ([]SettlementJob, error)
	FinishSettlementJob(ctx context.Context, id SettlementJobID, status JobStatus, lastError string, at time.Time) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the view is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
