/*
reporter.go - Derived read views

PURPOSE:
  Computes totals, leaderboards and daily counts from the store's current
  contents. Nothing is cached or persisted: every call recomputes from the
  latest state, and no locks are taken, so a view may observe a mutation
  that is still in flight.

VIEWS:
  Stats:              volume, transaction count, members, failures today
  TopMerchants:       completed revenue per merchant, highest first
  RecentTransactions: latest transactions joined with account and merchant
  UnreadAlerts:       newest first
  CommandsToday:      command log entries since local midnight
*/
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Reporter computes aggregated views. It holds no state of its own.
type Reporter struct {
	Store Store

	// Location defines "today". Defaults to time.Local.
	Location *time.Location
	Now      func() time.Time
}

func NewReporter(store Store, loc *time.Location) *Reporter {
	return &Reporter{Store: store, Location: loc}
}

type Stats struct {
	TotalVolume       decimal.Decimal
	TotalTransactions int
	ActiveUsers       int
	FailedToday       int
}

type MerchantRevenue struct {
	Merchant
	Revenue    decimal.Decimal
	OrderCount int
}

// StartOfToday returns local midnight of the current day.
func (r *Reporter) StartOfToday() time.Time {
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Stats runs the four dashboard aggregates concurrently.
func (r *Reporter) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		v, err := r.TotalVolume(ctx)
		stats.TotalVolume = v
		return err
	})
	g.Go(func() error {
		n, err := r.TotalTransactionCount(ctx)
		stats.TotalTransactions = n
		return err
	})
	g.Go(func() error {
		accounts, err := r.Store.ListAccounts(ctx)
		stats.ActiveUsers = len(accounts)
		return err
	})
	g.Go(func() error {
		n, err := r.FailedToday(ctx)
		stats.FailedToday = n
		return err
	})

	if err := g.Wait(); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// TotalVolume sums the amounts of completed transactions.
func (r *Reporter) TotalVolume(ctx context.Context) (decimal.Decimal, error) {
	txs, err := r.Store.ListTransactions(ctx, 0)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, t := range txs {
		if t.Status == StatusCompleted {
			total = total.Add(t.Amount)
		}
	}
	return total, nil
}

// TotalTransactionCount counts transactions regardless of status.
func (r *Reporter) TotalTransactionCount(ctx context.Context) (int, error) {
	txs, err := r.Store.ListTransactions(ctx, 0)
	if err != nil {
		return 0, err
	}
	return len(txs), nil
}

// FailedToday counts failed transactions created since local midnight.
func (r *Reporter) FailedToday(ctx context.Context) (int, error) {
	txs, err := r.Store.ListTransactions(ctx, 0)
	if err != nil {
		return 0, err
	}
	since := r.StartOfToday()
	n := 0
	for _, t := range txs {
		if t.Status == StatusFailed && !t.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// CommandsToday counts command log entries since local midnight.
func (r *Reporter) CommandsToday(ctx context.Context) (int, error) {
	return r.Store.CountCommandsSince(ctx, r.StartOfToday())
}

// TopMerchants ranks every merchant by completed revenue. Ties keep
// ascending merchant id order.
func (r *Reporter) TopMerchants(ctx context.Context) ([]MerchantRevenue, error) {
	merchants, err := r.Store.ListMerchants(ctx)
	if err != nil {
		return nil, err
	}
	txs, err := r.Store.ListTransactions(ctx, 0)
	if err != nil {
		return nil, err
	}

	byID := make(map[MerchantID]*MerchantRevenue, len(merchants))
	out := make([]MerchantRevenue, len(merchants))
	sort.Slice(merchants, func(i, j int) bool { return merchants[i].ID < merchants[j].ID })
	for i, m := range merchants {
		out[i] = MerchantRevenue{Merchant: m, Revenue: decimal.Zero}
		byID[m.ID] = &out[i]
	}
	for _, t := range txs {
		if t.Status != StatusCompleted {
			continue
		}
		if mr, ok := byID[t.MerchantID]; ok {
			mr.Revenue = mr.Revenue.Add(t.Amount)
			mr.OrderCount++
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Revenue.GreaterThan(out[j].Revenue) })
	return out, nil
}

// UnreadAlerts returns alerts not yet marked read, newest first.
func (r *Reporter) UnreadAlerts(ctx context.Context) ([]Alert, error) {
	return r.Store.ListAlerts(ctx, true)
}

// RecentTransactions returns the latest transactions with their account and
// merchant attached.
func (r *Reporter) RecentTransactions(ctx context.Context, limit int) ([]TransactionDetail, error) {
	txs, err := r.Store.ListTransactions(ctx, limit)
	if err != nil {
		return nil, err
	}
	accounts, err := r.Store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	merchants, err := r.Store.ListMerchants(ctx)
	if err != nil {
		return nil, err
	}

	acctByID := make(map[AccountID]Account, len(accounts))
	for _, a := range accounts {
		acctByID[a.ID] = a
	}
	merchByID := make(map[MerchantID]Merchant, len(merchants))
	for _, m := range merchants {
		merchByID[m.ID] = m
	}

	out := make([]TransactionDetail, len(txs))
	for i, t := range txs {
		out[i] = TransactionDetail{Transaction: t, Account: acctByID[t.AccountID], Merchant: merchByID[t.MerchantID]}
	}
	return out, nil
}
