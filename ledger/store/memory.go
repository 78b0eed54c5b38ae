// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commbank/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every collection in maps with auto-increment counters.
// All methods are safe for concurrent use.
type Memory struct {
	mu rwLocker
	*state
}

type state struct {
	accounts     map[ledger.AccountID]ledger.Account
	merchants    map[ledger.MerchantID]ledger.Merchant
	transactions map[ledger.TransactionID]ledger.Transaction
	commands     map[ledger.CommandLogID]ledger.CommandLogEntry
	alerts       map[ledger.AlertID]ledger.Alert
	jobs         map[ledger.SettlementJobID]ledger.SettlementJob

	nextAccount     ledger.AccountID
	nextMerchant    ledger.MerchantID
	nextTransaction ledger.TransactionID
	nextCommand     ledger.CommandLogID
	nextAlert       ledger.AlertID
}

type rwLocker interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

// nopLocker is used by the transactional view; the parent already holds the lock.
type nopLocker struct{}

func (nopLocker) Lock()    {}
func (nopLocker) Unlock()  {}
func (nopLocker) RLock()   {}
func (nopLocker) RUnlock() {}

func NewMemory() *Memory {
	return &Memory{
		mu: &sync.RWMutex{},
		state: &state{
			accounts:     make(map[ledger.AccountID]ledger.Account),
			merchants:    make(map[ledger.MerchantID]ledger.Merchant),
			transactions: make(map[ledger.TransactionID]ledger.Transaction),
			commands:     make(map[ledger.CommandLogID]ledger.CommandLogEntry),
			alerts:       make(map[ledger.AlertID]ledger.Alert),
			jobs:         make(map[ledger.SettlementJobID]ledger.SettlementJob),
		},
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, a ledger.Account) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.accounts {
		if existing.ExternalID == a.ExternalID {
			return ledger.Account{}, fmt.Errorf("%w: account %q exists", ledger.ErrConflict, a.ExternalID)
		}
	}
	m.nextAccount++
	a.ID = m.nextAccount
	a.Balance = ledger.NormalizeAmount(a.Balance)
	m.accounts[a.ID] = a
	return a, nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, fmt.Errorf("account %d: %w", id, ledger.ErrNotFound)
	}
	return a, nil
}

func (m *Memory) GetAccountByExternalID(_ context.Context, externalID string) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.accounts {
		if a.ExternalID == externalID {
			return a, nil
		}
	}
	return ledger.Account{}, fmt.Errorf("account %q: %w", externalID, ledger.ErrNotFound)
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetAccountBalance(_ context.Context, id ledger.AccountID, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("account %d: %w", id, ledger.ErrNotFound)
	}
	a.Balance = ledger.NormalizeAmount(balance)
	m.accounts[id] = a
	return nil
}

// =============================================================================
// MERCHANTS
// =============================================================================

func (m *Memory) CreateMerchant(_ context.Context, mr ledger.Merchant) (ledger.Merchant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.merchants {
		if existing.Name == mr.Name {
			return ledger.Merchant{}, fmt.Errorf("%w: merchant %q exists", ledger.ErrConflict, mr.Name)
		}
	}
	m.nextMerchant++
	mr.ID = m.nextMerchant
	m.merchants[mr.ID] = mr
	return mr, nil
}

func (m *Memory) GetMerchant(_ context.Context, id ledger.MerchantID) (ledger.Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mr, ok := m.merchants[id]
	if !ok {
		return ledger.Merchant{}, fmt.Errorf("merchant %d: %w", id, ledger.ErrNotFound)
	}
	return mr, nil
}

func (m *Memory) GetMerchantByName(_ context.Context, name string) (ledger.Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mr := range m.merchants {
		if mr.Name == name {
			return mr, nil
		}
	}
	return ledger.Merchant{}, fmt.Errorf("merchant %q: %w", name, ledger.ErrNotFound)
}

func (m *Memory) ListMerchants(_ context.Context) ([]ledger.Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.Merchant, 0, len(m.merchants))
	for _, mr := range m.merchants {
		out = append(out, mr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateMerchant(_ context.Context, mr ledger.Merchant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.merchants[mr.ID]
	if !ok {
		return fmt.Errorf("merchant %d: %w", mr.ID, ledger.ErrNotFound)
	}
	mr.CreatedAt = existing.CreatedAt
	m.merchants[mr.ID] = mr
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) CreateTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.transactions {
		if existing.PublicID == tx.PublicID {
			return ledger.Transaction{}, fmt.Errorf("%w: transaction %q exists", ledger.ErrConflict, tx.PublicID)
		}
	}
	m.nextTransaction++
	tx.ID = m.nextTransaction
	tx.Amount = ledger.NormalizeAmount(tx.Amount)
	m.transactions[tx.ID] = tx
	return tx, nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("transaction %d: %w", id, ledger.ErrNotFound)
	}
	return tx, nil
}

func (m *Memory) GetTransactionByPublicID(_ context.Context, publicID string) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.transactions {
		if tx.PublicID == publicID {
			return tx, nil
		}
	}
	return ledger.Transaction{}, fmt.Errorf("transaction %q: %w", publicID, ledger.ErrNotFound)
}

func (m *Memory) ListTransactions(_ context.Context, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.recent(func(ledger.Transaction) bool { return true }, limit), nil
}

func (m *Memory) ListTransactionsByAccount(_ context.Context, accountID ledger.AccountID, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.recent(func(tx ledger.Transaction) bool { return tx.AccountID == accountID }, limit), nil
}

// recent returns matching transactions newest first; later ids win ties.
func (s *state) recent(match func(ledger.Transaction) bool, limit int) []ledger.Transaction {
	out := make([]ledger.Transaction, 0)
	for _, tx := range s.transactions {
		if match(tx) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) SetTransactionStatus(_ context.Context, id ledger.TransactionID, status ledger.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %d: %w", id, ledger.ErrNotFound)
	}
	tx.Status = status
	tx.UpdatedAt = at
	m.transactions[id] = tx
	return nil
}

// =============================================================================
// COMMAND LOG
// =============================================================================

func (m *Memory) AppendCommandLog(_ context.Context, e ledger.CommandLogEntry) (ledger.CommandLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextCommand++
	e.ID = m.nextCommand
	m.commands[e.ID] = e
	return e, nil
}

func (m *Memory) CountCommandsSince(_ context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.commands {
		if !e.ExecutedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// ALERTS
// =============================================================================

func (m *Memory) CreateAlert(_ context.Context, a ledger.Alert) (ledger.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAlert++
	a.ID = m.nextAlert
	m.alerts[a.ID] = a
	return a, nil
}

func (m *Memory) ListAlerts(_ context.Context, unreadOnly bool) ([]ledger.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.Alert, 0)
	for _, a := range m.alerts {
		if unreadOnly && a.IsRead {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) MarkAlertRead(_ context.Context, id ledger.AlertID) (ledger.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return ledger.Alert{}, fmt.Errorf("alert %d: %w", id, ledger.ErrNotFound)
	}
	a.IsRead = true
	m.alerts[id] = a
	return a, nil
}

// =============================================================================
// SETTLEMENT JOBS
// =============================================================================

func (m *Memory) CreateSettlementJob(_ context.Context, j ledger.SettlementJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("%w: job %s exists", ledger.ErrConflict, j.ID)
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *Memory) DueSettlementJobs(_ context.Context, now time.Time, limit int) ([]ledger.SettlementJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.SettlementJob, 0)
	for _, j := range m.jobs {
		if j.Status == ledger.JobScheduled && !j.RunAfter.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAfter.Before(out[j].RunAfter) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FinishSettlementJob(_ context.Context, id ledger.SettlementJobID, status ledger.JobStatus, lastError string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ledger.ErrNotFound)
	}
	j.Status = status
	j.LastError = lastError
	j.Attempts++
	j.UpdatedAt = at
	m.jobs[id] = j
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn against a view of the store while holding the write
// lock. On error the state is restored from a snapshot taken before fn ran.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	view := &Memory{mu: nopLocker{}, state: m.state}

	if err := fn(view); err != nil {
		*m.state = snapshot
		return err
	}
	return nil
}

func (s *state) snapshot() state {
	c := *s
	c.accounts = cloneMap(s.accounts)
	c.merchants = cloneMap(s.merchants)
	c.transactions = cloneMap(s.transactions)
	c.commands = cloneMap(s.commands)
	c.alerts = cloneMap(s.alerts)
	c.jobs = cloneMap(s.jobs)
	return c
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ ledger.TxStore = (*Memory)(nil)
