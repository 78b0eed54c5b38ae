/*
Package sqlstore provides a database/sql implementation of ledger.TxStore.

PURPOSE:
  Persists the ledger in SQLite (single-node deployments, tests) or
  PostgreSQL. The same queries serve both; the dialect only supplies the
  primary key type, placeholder syntax and unique-violation detection.

KEY TABLES:
  accounts:        external_id UNIQUE, balance as fixed 2-decimal TEXT
  merchants:       name UNIQUE
  transactions:    public_id UNIQUE, newest-first via created_at + id
  command_log:     append-only audit trail
  alerts:          append-only except is_read
  settlement_jobs: durable pending-order completion

ENCODING:
  Amounts are stored as decimal strings ("12.50") so no float ever touches
  money. Timestamps are stored as fixed-width UTC text, which keeps string
  comparison and ORDER BY chronological on both engines.

USAGE:
  store, err := sqlstore.Open(sqlstore.DriverSQLite, "./data/commbank.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on Open().

SEE ALSO:
  - ledger/store.go: Interface definition
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commbank/ledger"
)

// timeLayout is RFC3339Nano with a fixed-width fraction.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements ledger.TxStore on top of database/sql.
type Store struct {
	db      *sql.DB
	q       querier
	dialect dialect
	inTx    bool
}

// Open connects to the database and migrates the schema.
// For SQLite, use ":memory:" for a throwaway database.
func Open(driver, dsn string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection: SQLite allows a single writer, and every
		// connection to :memory: would otherwise be a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, q: db, dialect: d}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	if dsn == ":memory:" {
		return dsn + "?_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver reports which dialect the store speaks.
func (s *Store) Driver() string {
	return s.dialect.name()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &ledger.StoreError{Op: "ping", Err: err}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	pk := s.dialect.primaryKey()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id ` + pk + `,
			external_id TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			balance TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS merchants (
			id ` + pk + `,
			name TEXT NOT NULL UNIQUE,
			category TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id ` + pk + `,
			public_id TEXT NOT NULL UNIQUE,
			account_id BIGINT NOT NULL REFERENCES accounts(id),
			merchant_id BIGINT NOT NULL REFERENCES merchants(id),
			amount TEXT NOT NULL,
			status TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS command_log (
			id ` + pk + `,
			command_name TEXT NOT NULL,
			account_id BIGINT NOT NULL,
			parameters TEXT NOT NULL DEFAULT '',
			response TEXT NOT NULL DEFAULT '',
			executed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_command_log_executed ON command_log(executed_at)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id ` + pk + `,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			severity TEXT NOT NULL,
			is_read BOOLEAN NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settlement_jobs (
			id TEXT PRIMARY KEY,
			transaction_id BIGINT NOT NULL REFERENCES transactions(id),
			status TEXT NOT NULL,
			run_after TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_settlement_jobs_due ON settlement_jobs(status, run_after)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := s.q.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, s.wrap(op, err)
	}
	return res, nil
}

func (s *Store) query(ctx context.Context, op, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.q.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, s.wrap(op, err)
	}
	return rows, nil
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// insert runs an INSERT ... RETURNING id and returns the new id.
func (s *Store) insert(ctx context.Context, op, query string, args ...any) (int64, error) {
	var id int64
	if err := s.queryRow(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, s.wrap(op, err)
	}
	return id, nil
}

// wrap maps driver errors onto the ledger taxonomy.
func (s *Store) wrap(op string, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ledger.ErrNotFound)
	case s.dialect.isUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, ledger.ErrConflict)
	}
	return &ledger.StoreError{Op: op, Err: err}
}

func expectRow(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &ledger.StoreError{Op: op, Err: err}
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ledger.ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func formatAmount(d decimal.Decimal) string {
	return ledger.FormatMoney(d)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `id, external_id, display_name, balance, created_at`

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		a         ledger.Account
		balance   string
		createdAt string
	)
	if err := row.Scan(&a.ID, &a.ExternalID, &a.DisplayName, &balance, &createdAt); err != nil {
		return ledger.Account{}, err
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return ledger.Account{}, fmt.Errorf("account %d balance: %w", a.ID, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Account{}, fmt.Errorf("account %d created_at: %w", a.ID, err)
	}
	return a, nil
}

func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) (ledger.Account, error) {
	a.Balance = ledger.NormalizeAmount(a.Balance)
	id, err := s.insert(ctx, "create account",
		`INSERT INTO accounts (external_id, display_name, balance, created_at) VALUES (?, ?, ?, ?)`,
		a.ExternalID, a.DisplayName, formatAmount(a.Balance), formatTime(a.CreatedAt))
	if err != nil {
		return ledger.Account{}, err
	}
	a.ID = ledger.AccountID(id)
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	a, err := scanAccount(s.queryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if err != nil {
		return ledger.Account{}, s.wrap(fmt.Sprintf("account %d", id), err)
	}
	return a, nil
}

func (s *Store) GetAccountByExternalID(ctx context.Context, externalID string) (ledger.Account, error) {
	a, err := scanAccount(s.queryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE external_id = ?`, externalID))
	if err != nil {
		return ledger.Account{}, s.wrap(fmt.Sprintf("account %q", externalID), err)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.query(ctx, "list accounts", `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, s.wrap("list accounts", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list accounts", err)
	}
	return out, nil
}

func (s *Store) SetAccountBalance(ctx context.Context, id ledger.AccountID, balance decimal.Decimal) error {
	op := fmt.Sprintf("account %d", id)
	res, err := s.exec(ctx, op, `UPDATE accounts SET balance = ? WHERE id = ?`,
		formatAmount(ledger.NormalizeAmount(balance)), id)
	if err != nil {
		return err
	}
	return expectRow(op, res)
}

// =============================================================================
// MERCHANTS
// =============================================================================

const merchantColumns = `id, name, category, description, is_active, created_at`

func scanMerchant(row scanner) (ledger.Merchant, error) {
	var (
		m         ledger.Merchant
		category  string
		createdAt string
	)
	if err := row.Scan(&m.ID, &m.Name, &category, &m.Description, &m.IsActive, &createdAt); err != nil {
		return ledger.Merchant{}, err
	}
	m.Category = ledger.Category(category)
	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Merchant{}, fmt.Errorf("merchant %d created_at: %w", m.ID, err)
	}
	return m, nil
}

func (s *Store) CreateMerchant(ctx context.Context, m ledger.Merchant) (ledger.Merchant, error) {
	id, err := s.insert(ctx, "create merchant",
		`INSERT INTO merchants (name, category, description, is_active, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.Name, string(m.Category), m.Description, m.IsActive, formatTime(m.CreatedAt))
	if err != nil {
		return ledger.Merchant{}, err
	}
	m.ID = ledger.MerchantID(id)
	return m, nil
}

func (s *Store) GetMerchant(ctx context.Context, id ledger.MerchantID) (ledger.Merchant, error) {
	m, err := scanMerchant(s.queryRow(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE id = ?`, id))
	if err != nil {
		return ledger.Merchant{}, s.wrap(fmt.Sprintf("merchant %d", id), err)
	}
	return m, nil
}

func (s *Store) GetMerchantByName(ctx context.Context, name string) (ledger.Merchant, error) {
	m, err := scanMerchant(s.queryRow(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE name = ?`, name))
	if err != nil {
		return ledger.Merchant{}, s.wrap(fmt.Sprintf("merchant %q", name), err)
	}
	return m, nil
}

func (s *Store) ListMerchants(ctx context.Context) ([]ledger.Merchant, error) {
	rows, err := s.query(ctx, "list merchants", `SELECT `+merchantColumns+` FROM merchants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Merchant, 0)
	for rows.Next() {
		m, err := scanMerchant(rows)
		if err != nil {
			return nil, s.wrap("list merchants", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list merchants", err)
	}
	return out, nil
}

func (s *Store) UpdateMerchant(ctx context.Context, m ledger.Merchant) error {
	op := fmt.Sprintf("merchant %d", m.ID)
	res, err := s.exec(ctx, op,
		`UPDATE merchants SET name = ?, category = ?, description = ?, is_active = ? WHERE id = ?`,
		m.Name, string(m.Category), m.Description, m.IsActive, m.ID)
	if err != nil {
		return err
	}
	return expectRow(op, res)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `id, public_id, account_id, merchant_id, amount, status, description, created_at, updated_at`

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		t                    ledger.Transaction
		amount, status       string
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.PublicID, &t.AccountID, &t.MerchantID, &amount, &status,
		&t.Description, &createdAt, &updatedAt)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %d amount: %w", t.ID, err)
	}
	if t.Status, err = ledger.ParseStatus(status); err != nil {
		return ledger.Transaction{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %d created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %d updated_at: %w", t.ID, err)
	}
	return t, nil
}

func (s *Store) CreateTransaction(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error) {
	t.Amount = ledger.NormalizeAmount(t.Amount)
	id, err := s.insert(ctx, "create transaction",
		`INSERT INTO transactions
		(public_id, account_id, merchant_id, amount, status, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.PublicID, t.AccountID, t.MerchantID, formatAmount(t.Amount), string(t.Status),
		t.Description, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.ID = ledger.TransactionID(id)
	return t, nil
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	t, err := scanTransaction(s.queryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id))
	if err != nil {
		return ledger.Transaction{}, s.wrap(fmt.Sprintf("transaction %d", id), err)
	}
	return t, nil
}

func (s *Store) GetTransactionByPublicID(ctx context.Context, publicID string) (ledger.Transaction, error) {
	t, err := scanTransaction(s.queryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE public_id = ?`, publicID))
	if err != nil {
		return ledger.Transaction{}, s.wrap(fmt.Sprintf("transaction %q", publicID), err)
	}
	return t, nil
}

func (s *Store) ListTransactions(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions ORDER BY created_at DESC, id DESC`+limitClause(limit))
}

func (s *Store) ListTransactionsByAccount(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = ? ORDER BY created_at DESC, id DESC`+limitClause(limit),
		accountID)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.query(ctx, "list transactions", query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, s.wrap("list transactions", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list transactions", err)
	}
	return out, nil
}

func (s *Store) SetTransactionStatus(ctx context.Context, id ledger.TransactionID, status ledger.Status, at time.Time) error {
	op := fmt.Sprintf("transaction %d", id)
	res, err := s.exec(ctx, op, `UPDATE transactions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(at), id)
	if err != nil {
		return err
	}
	return expectRow(op, res)
}

// =============================================================================
// COMMAND LOG
// =============================================================================

func (s *Store) AppendCommandLog(ctx context.Context, e ledger.CommandLogEntry) (ledger.CommandLogEntry, error) {
	id, err := s.insert(ctx, "append command log",
		`INSERT INTO command_log (command_name, account_id, parameters, response, executed_at) VALUES (?, ?, ?, ?, ?)`,
		string(e.CommandName), e.AccountID, e.Parameters, e.Response, formatTime(e.ExecutedAt))
	if err != nil {
		return ledger.CommandLogEntry{}, err
	}
	e.ID = ledger.CommandLogID(id)
	return e, nil
}

func (s *Store) CountCommandsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM command_log WHERE executed_at >= ?`, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, s.wrap("count commands", err)
	}
	return n, nil
}

// =============================================================================
// ALERTS
// =============================================================================

const alertColumns = `id, kind, message, severity, is_read, created_at`

func scanAlert(row scanner) (ledger.Alert, error) {
	var (
		a                   ledger.Alert
		kind, severity, cAt string
	)
	if err := row.Scan(&a.ID, &kind, &a.Message, &severity, &a.IsRead, &cAt); err != nil {
		return ledger.Alert{}, err
	}
	a.Kind = ledger.AlertKind(kind)
	a.Severity = ledger.Severity(severity)
	var err error
	if a.CreatedAt, err = parseTime(cAt); err != nil {
		return ledger.Alert{}, fmt.Errorf("alert %d created_at: %w", a.ID, err)
	}
	return a, nil
}

func (s *Store) CreateAlert(ctx context.Context, a ledger.Alert) (ledger.Alert, error) {
	id, err := s.insert(ctx, "create alert",
		`INSERT INTO alerts (kind, message, severity, is_read, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(a.Kind), a.Message, string(a.Severity), a.IsRead, formatTime(a.CreatedAt))
	if err != nil {
		return ledger.Alert{}, err
	}
	a.ID = ledger.AlertID(id)
	return a, nil
}

func (s *Store) ListAlerts(ctx context.Context, unreadOnly bool) ([]ledger.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts`
	var args []any
	if unreadOnly {
		query += ` WHERE is_read = ?`
		args = append(args, false)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.query(ctx, "list alerts", query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, s.wrap("list alerts", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list alerts", err)
	}
	return out, nil
}

func (s *Store) MarkAlertRead(ctx context.Context, id ledger.AlertID) (ledger.Alert, error) {
	op := fmt.Sprintf("alert %d", id)
	res, err := s.exec(ctx, op, `UPDATE alerts SET is_read = ? WHERE id = ?`, true, id)
	if err != nil {
		return ledger.Alert{}, err
	}
	if err := expectRow(op, res); err != nil {
		return ledger.Alert{}, err
	}
	a, err := scanAlert(s.queryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if err != nil {
		return ledger.Alert{}, s.wrap(op, err)
	}
	return a, nil
}

// =============================================================================
// SETTLEMENT JOBS
// =============================================================================

func (s *Store) CreateSettlementJob(ctx context.Context, j ledger.SettlementJob) error {
	_, err := s.exec(ctx, "create settlement job",
		`INSERT INTO settlement_jobs
		(id, transaction_id, status, run_after, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(j.ID), j.TransactionID, string(j.Status), formatTime(j.RunAfter), j.Attempts,
		nullString(j.LastError), formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	return err
}

func (s *Store) DueSettlementJobs(ctx context.Context, now time.Time, limit int) ([]ledger.SettlementJob, error) {
	rows, err := s.query(ctx, "due settlement jobs",
		`SELECT id, transaction_id, status, run_after, attempts, last_error, created_at, updated_at
		FROM settlement_jobs
		WHERE status = ? AND run_after <= ?
		ORDER BY run_after`+limitClause(limit),
		string(ledger.JobScheduled), formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.SettlementJob, 0)
	for rows.Next() {
		var (
			j                              ledger.SettlementJob
			id, status                     string
			runAfter, createdAt, updatedAt string
			lastError                      sql.NullString
		)
		if err := rows.Scan(&id, &j.TransactionID, &status, &runAfter, &j.Attempts, &lastError, &createdAt, &updatedAt); err != nil {
			return nil, s.wrap("due settlement jobs", err)
		}
		j.ID = ledger.SettlementJobID(id)
		if j.Status, err = ledger.ParseJobStatus(status); err != nil {
			return nil, err
		}
		j.LastError = lastError.String
		if j.RunAfter, err = parseTime(runAfter); err != nil {
			return nil, err
		}
		if j.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("due settlement jobs", err)
	}
	return out, nil
}

func (s *Store) FinishSettlementJob(ctx context.Context, id ledger.SettlementJobID, status ledger.JobStatus, lastError string, at time.Time) error {
	op := fmt.Sprintf("settlement job %s", id)
	res, err := s.exec(ctx, op,
		`UPDATE settlement_jobs SET status = ?, last_error = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		string(status), nullString(lastError), formatTime(at), string(id))
	if err != nil {
		return err
	}
	return expectRow(op, res)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction. Nested calls on the
// view run inside the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ledger.StoreError{Op: "begin", Err: err}
	}
	defer sqlTx.Rollback()

	view := &Store{db: s.db, q: sqlTx, dialect: s.dialect, inTx: true}
	if err := fn(view); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return &ledger.StoreError{Op: "commit", Err: err}
	}
	return nil
}

var _ ledger.TxStore = (*Store)(nil)
