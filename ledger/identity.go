package ledger

import (
	"context"
	"errors"
	"time"
)

// Resolver maps a chat-platform identity to an account, opening one with the
// starting balance on first sight.
type Resolver struct {
	Store Store
	Now   func() time.Time
}

func NewResolver(store Store) *Resolver {
	return &Resolver{Store: store}
}

// Resolve returns the account bound to externalID. An existing account is
// returned unchanged; the display name is only recorded at creation.
func (r *Resolver) Resolve(ctx context.Context, externalID, displayName string) (Account, error) {
	acct, err := r.Store.GetAccountByExternalID(ctx, externalID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Account{}, err
	}

	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	acct, err = r.Store.CreateAccount(ctx, Account{
		ExternalID:  externalID,
		DisplayName: displayName,
		Balance:     DefaultStartingBalance,
		CreatedAt:   now,
	})
	if errors.Is(err, ErrConflict) {
		// Lost a first-sight race; the winner's account is the one.
		return r.Store.GetAccountByExternalID(ctx, externalID)
	}
	return acct, err
}
