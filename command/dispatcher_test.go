package command

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commbank/ledger"
	"github.com/warp/commbank/ledger/store"
)

var (
	alice = User{ExternalID: "u-alice", DisplayName: "alice"}
	bob   = User{ExternalID: "u-bob", DisplayName: "bob"}
)

// auditRecorder captures the entries the dispatcher writes itself. Entries
// the engine writes inside its own store transaction bypass it.
type auditRecorder struct {
	*store.Memory
	mu      sync.Mutex
	entries []ledger.CommandLogEntry
}

func (a *auditRecorder) AppendCommandLog(ctx context.Context, e ledger.CommandLogEntry) (ledger.CommandLogEntry, error) {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return a.Memory.AppendCommandLog(ctx, e)
}

func (a *auditRecorder) last() ledger.CommandLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries[len(a.entries)-1]
}

type fixture struct {
	d     *Dispatcher
	mem   *store.Memory
	audit *auditRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	logger, _ := test.NewNullLogger()
	engine := ledger.NewEngine(mem, logger)
	require.NoError(t, engine.Bootstrap(context.Background(), true))

	rec := &auditRecorder{Memory: mem}
	d := NewDispatcher(engine, logger)
	d.Store = rec
	return &fixture{d: d, mem: mem, audit: rec}
}

func (f *fixture) logCount(t *testing.T) int {
	t.Helper()
	n, err := f.mem.CountCommandsSince(context.Background(), time.Time{})
	require.NoError(t, err)
	return n
}

func (f *fixture) balance(t *testing.T, u User) string {
	t.Helper()
	a, err := f.mem.GetAccountByExternalID(context.Background(), u.ExternalID)
	require.NoError(t, err)
	return ledger.FormatMoney(a.Balance)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// AUDIT
// =============================================================================

func TestDispatch_EveryInvocationLogsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A known transaction for the lookup case.
	_, err := f.d.Pay(ctx, alice, bob, dec("1"))
	require.NoError(t, err)
	txs, err := f.mem.ListTransactions(ctx, 1)
	require.NoError(t, err)
	known := txs[0].PublicID

	tests := []struct {
		name    string
		command ledger.CommandName
		req     Request
		wantErr bool
	}{
		{"balance self", ledger.CommandBalance, Request{Caller: alice}, false},
		{"balance other", ledger.CommandBalance, Request{Caller: alice, Target: &bob}, false},
		{"transaction found", ledger.CommandTransaction, Request{Caller: alice, ID: known}, false},
		{"transaction missing", ledger.CommandTransaction, Request{Caller: alice, ID: "TX000000000"}, true},
		{"transaction blank", ledger.CommandTransaction, Request{Caller: alice, ID: "  "}, true},
		{"history default", ledger.CommandHistory, Request{Caller: alice}, false},
		{"history other", ledger.CommandHistory, Request{Caller: alice, Target: &bob, Limit: 3}, false},
		{"history limit too high", ledger.CommandHistory, Request{Caller: alice, Limit: MaxHistoryLimit + 1}, true},
		{"history limit negative", ledger.CommandHistory, Request{Caller: alice, Limit: -1}, true},
		{"merchants", ledger.CommandMerchants, Request{Caller: alice}, false},
		{"pay", ledger.CommandPay, Request{Caller: alice, Target: &bob, Amount: "2.50"}, false},
		{"pay insufficient", ledger.CommandPay, Request{Caller: alice, Target: &bob, Amount: "5000"}, true},
		{"pay self", ledger.CommandPay, Request{Caller: alice, Target: &alice, Amount: "3"}, true},
		{"pay bad amount", ledger.CommandPay, Request{Caller: alice, Target: &bob, Amount: "abc"}, true},
		{"pay zero", ledger.CommandPay, Request{Caller: alice, Target: &bob, Amount: "0"}, true},
		{"pay no target", ledger.CommandPay, Request{Caller: alice, Amount: "3"}, true},
		{"order", ledger.CommandOrder, Request{Caller: alice, Merchant: "Pizza Corner", Amount: "7.25"}, false},
		{"order unknown merchant", ledger.CommandOrder, Request{Caller: alice, Merchant: "Nowhere", Amount: "7"}, true},
		{"order peer bucket", ledger.CommandOrder, Request{Caller: alice, Merchant: ledger.PeerMerchantName, Amount: "7"}, true},
		{"order bad amount", ledger.CommandOrder, Request{Caller: alice, Merchant: "Pizza Corner"}, true},
		{"help", ledger.CommandHelp, Request{Caller: alice}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.logCount(t)

			reply, err := f.d.Dispatch(ctx, tt.command, tt.req)

			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, strings.HasPrefix(reply.Content, "❌"), reply.Content)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, before+1, f.logCount(t))
		})
	}
}

func TestDispatch_UnattributableInvocationsAreNotLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.d.Dispatch(ctx, ledger.CommandBalance, Request{Caller: User{DisplayName: "ghost"}})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = f.d.Dispatch(ctx, "dance", Request{Caller: alice})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	assert.Equal(t, 0, f.logCount(t))
}

// =============================================================================
// REPLIES
// =============================================================================

func TestBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply, err := f.d.Balance(ctx, alice, nil)
	require.NoError(t, err)
	require.Len(t, reply.Fields, 2)
	assert.Equal(t, "$1000.00", reply.Fields[0].Value)
	assert.Equal(t, "✅ Active", reply.Fields[1].Value)

	entry := f.audit.last()
	assert.Equal(t, ledger.CommandBalance, entry.CommandName)
	assert.Equal(t, "Balance: $1000.00", entry.Response)
	assert.Equal(t, "", entry.Parameters)

	acct, err := f.mem.GetAccountByExternalID(ctx, alice.ExternalID)
	require.NoError(t, err)
	require.NoError(t, f.mem.SetAccountBalance(ctx, acct.ID, dec("50")))

	reply, err = f.d.Balance(ctx, alice, nil)
	require.NoError(t, err)
	assert.Equal(t, "⚠️ Low Balance", reply.Fields[1].Value)
}

func TestBalance_OtherUserOpensTheirAccount(t *testing.T) {
	f := newFixture(t)

	reply, err := f.d.Balance(context.Background(), alice, &bob)

	require.NoError(t, err)
	assert.Contains(t, reply.Content, "**bob**")
	entry := f.audit.last()
	assert.Equal(t, "user:u-bob", entry.Parameters)
	assert.Equal(t, "1000.00", f.balance(t, bob))
}

func TestPay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply, err := f.d.Pay(ctx, alice, bob, dec("25"))

	require.NoError(t, err)
	assert.Contains(t, reply.Content, "Successfully sent $25.00 to bob")
	assert.Contains(t, reply.Content, "$975.00")
	assert.Equal(t, "975.00", f.balance(t, alice))
	assert.Equal(t, "1025.00", f.balance(t, bob))
	// The engine wrote the entry; the dispatcher did not.
	assert.Empty(t, f.audit.entries)
	assert.Equal(t, 1, f.logCount(t))
}

func TestPay_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply, err := f.d.Pay(ctx, alice, bob, dec("1000.01"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, "❌ Insufficient balance. You have $1000.00 but need $1000.01.", reply.Content)
	assert.Equal(t, reply.Content, f.audit.last().Response)

	reply, err = f.d.Pay(ctx, alice, alice, dec("1"))
	assert.ErrorIs(t, err, ledger.ErrSelfTransfer)
	assert.Equal(t, "❌ You cannot send money to yourself.", reply.Content)

	_, err = f.d.Pay(ctx, alice, bob, dec("10"))
	require.NoError(t, err)
	reply, err = f.d.Pay(ctx, alice, bob, dec("10"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateSuspected)
	assert.Contains(t, reply.Content, "Duplicate transaction detected")

	assert.Equal(t, "990.00", f.balance(t, alice))
}

func TestOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply, err := f.d.Order(ctx, alice, " Burger Palace ", dec("12.5"), "Fries")
	require.NoError(t, err)
	assert.Contains(t, reply.Content, "Order Placed Successfully")
	assert.Contains(t, reply.Content, "⏳ Pending")
	assert.Equal(t, "987.50", f.balance(t, alice))

	reply, err = f.d.Order(ctx, alice, "Nowhere", dec("1"), "")
	assert.ErrorIs(t, err, ledger.ErrMerchantNotFound)
	assert.Equal(t, `❌ Merchant "Nowhere" not found. Use `+"`/merchants`"+` to see available merchants.`, reply.Content)
}

func TestTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.d.Order(ctx, alice, "Brew Masters", dec("3.75"), "")
	require.NoError(t, err)
	txs, err := f.mem.ListTransactions(ctx, 1)
	require.NoError(t, err)
	id := txs[0].PublicID

	reply, err := f.d.Transaction(ctx, bob, id)
	require.NoError(t, err)
	assert.Contains(t, reply.Content, id)
	values := make(map[string]string)
	for _, fld := range reply.Fields {
		values[fld.Name] = fld.Value
	}
	assert.Equal(t, "alice", values["👤 User"])
	assert.Equal(t, "Brew Masters", values["🏪 Merchant"])
	assert.Equal(t, "$3.75", values["💰 Amount"])
	assert.Equal(t, "⏳ pending", values["📊 Status"])
	assert.Equal(t, "Found transaction "+id, f.audit.last().Response)

	reply, err = f.d.Transaction(ctx, bob, "TX999")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Equal(t, "❌ Transaction `TX999` not found.", reply.Content)
	assert.Equal(t, "Transaction TX999 not found", f.audit.last().Response)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply, err := f.d.History(ctx, alice, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "No transaction history found for **alice**.", reply.Content)
	assert.Equal(t, "limit:5", f.audit.last().Parameters)

	for _, amount := range []string{"1", "2", "3"} {
		_, err := f.d.Pay(ctx, alice, bob, dec(amount))
		require.NoError(t, err)
	}

	reply, err = f.d.History(ctx, bob, &alice, 2)
	require.NoError(t, err)
	require.Len(t, reply.Fields, 2)
	assert.Contains(t, reply.Fields[0].Value, "$3.00")
	assert.Contains(t, reply.Fields[0].Value, ledger.PeerMerchantName)
	entry := f.audit.last()
	assert.Equal(t, "user:u-alice limit:2", entry.Parameters)
	assert.Equal(t, "Found 2 transactions", entry.Response)
}

func TestMerchants_ListsActiveOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply, err := f.d.Merchants(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, reply.Fields, len(ledger.DefaultMerchants))
	assert.Equal(t, "Listed 5 merchants", f.audit.last().Response)

	m, err := f.mem.GetMerchantByName(ctx, "Pizza Corner")
	require.NoError(t, err)
	_, err = f.d.Engine.SetMerchantActive(ctx, m.ID, false)
	require.NoError(t, err)

	reply, err = f.d.Merchants(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, reply.Fields, len(ledger.DefaultMerchants)-1)
	for _, fld := range reply.Fields {
		assert.NotContains(t, fld.Name, "Pizza Corner")
	}
}

func TestHelp(t *testing.T) {
	f := newFixture(t)

	reply, err := f.d.Help(context.Background(), alice)

	require.NoError(t, err)
	assert.Equal(t, "🏦 CommBank Commands", reply.Title)
	assert.Len(t, reply.Fields, 3)
	assert.Equal(t, "Displayed help information", f.audit.last().Response)
}

// =============================================================================
// FORMATTING
// =============================================================================

func TestTimeAgo(t *testing.T) {
	now := time.Date(2025, 5, 5, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{30 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{59 * time.Minute, "59m ago"},
		{3 * time.Hour, "3h ago"},
		{50 * time.Hour, "2d ago"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TimeAgo(now, now.Add(-tt.ago)))
	}
}

func TestEmoji(t *testing.T) {
	assert.Equal(t, "✅", StatusEmoji(ledger.StatusCompleted))
	assert.Equal(t, "❓", StatusEmoji("archived"))
	assert.Equal(t, "💸", CategoryEmoji(ledger.CategoryTransfer))
	assert.Equal(t, "🏪", CategoryEmoji("toys"))
}
