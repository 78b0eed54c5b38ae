package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commbank/ledger"
	"github.com/warp/commbank/ledger/store"
)

func TestResolver_OpensAccountOnFirstSight(t *testing.T) {
	mem := store.NewMemory()
	r := ledger.NewResolver(mem)
	ctx := context.Background()

	acct, err := r.Resolve(ctx, "discord-42", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", acct.DisplayName)
	assert.Equal(t, "1000.00", ledger.FormatMoney(acct.Balance))

	// A later sighting keeps the original name and balance.
	require.NoError(t, mem.SetAccountBalance(ctx, acct.ID, money("12.34")))
	again, err := r.Resolve(ctx, "discord-42", "alice-renamed")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, again.ID)
	assert.Equal(t, "alice", again.DisplayName)
	assert.Equal(t, "12.34", ledger.FormatMoney(again.Balance))
}

func TestResolver_ConcurrentFirstSightYieldsOneAccount(t *testing.T) {
	mem := store.NewMemory()
	r := ledger.NewResolver(mem)

	var wg sync.WaitGroup
	ids := make(chan ledger.AccountID, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acct, err := r.Resolve(context.Background(), "same", "same")
			assert.NoError(t, err)
			ids <- acct.ID
		}()
	}
	wg.Wait()
	close(ids)

	first := <-ids
	for id := range ids {
		assert.Equal(t, first, id)
	}
	accounts, err := mem.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestCreateMerchant_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.engine.CreateMerchant(ctx, ledger.NewMerchant{Name: "  Noodle Bar ", Category: "food", Description: "Ramen"})
	require.NoError(t, err)
	assert.Equal(t, "Noodle Bar", m.Name)
	assert.Equal(t, ledger.CategoryFood, m.Category)
	assert.True(t, m.IsActive)

	inactive := false
	m, err = f.engine.CreateMerchant(ctx, ledger.NewMerchant{Name: "Closed Shop", Category: "services", IsActive: &inactive})
	require.NoError(t, err)
	assert.False(t, m.IsActive)

	tests := []struct {
		name  string
		in    ledger.NewMerchant
		field string
	}{
		{"duplicate", ledger.NewMerchant{Name: "Noodle Bar", Category: "food"}, "name"},
		{"missing name", ledger.NewMerchant{Category: "food"}, "name"},
		{"unknown category", ledger.NewMerchant{Name: "Spa", Category: "wellness"}, "category"},
		{"reserved category", ledger.NewMerchant{Name: "Wire", Category: "transfer"}, "category"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateMerchant(ctx, tt.in)
			var ve *ledger.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestBootstrap_IsRepeatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Bootstrap(ctx, true))

	merchants, err := f.store.ListMerchants(ctx)
	require.NoError(t, err)
	assert.Len(t, merchants, len(ledger.DefaultMerchants)+1)

	peer, err := f.store.GetMerchantByName(ctx, ledger.PeerMerchantName)
	require.NoError(t, err)
	assert.Equal(t, ledger.CategoryTransfer, peer.Category)
	assert.False(t, peer.IsActive)

	_, err = f.engine.SetMerchantActive(ctx, peer.ID, true)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = f.engine.SetMerchantActive(ctx, 9999, true)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestKeyedMutex_OrderAndRelease(t *testing.T) {
	assert.Equal(t, []ledger.AccountID{1, 3, 7}, ledger.SortAccountIDs([]ledger.AccountID{7, 3, 7, 1}))

	k := ledger.NewKeyedMutex()
	release, err := k.LockAccounts(context.Background(), 2, 1)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := k.LockAccounts(context.Background(), 1)
		if assert.NoError(t, err) {
			r()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("lock on account 1 acquired while held")
	default:
	}
	release()
	release()
	<-acquired

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = k.LockAccounts(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
