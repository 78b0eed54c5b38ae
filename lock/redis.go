// Package lock provides a Redis-backed ledger.Locker for running several
// server processes against one database.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/commbank/ledger"
)

const (
	DefaultTTL     = 30 * time.Second
	DefaultRetries = 50
	DefaultBackoff = 20 * time.Millisecond
)

// ErrNotObtained is returned when an account lock is still held elsewhere
// after every retry. It matches ledger.ErrStoreUnavailable.
var ErrNotObtained = fmt.Errorf("%w: account lock not obtained", ledger.ErrStoreUnavailable)

// Redis locks accounts with one redislock key per account.
type Redis struct {
	locker *redislock.Client
	logger logrus.FieldLogger

	Prefix  string
	TTL     time.Duration
	Retries int
	Backoff time.Duration
}

func NewRedis(client redis.UniversalClient, logger logrus.FieldLogger) *Redis {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Redis{
		locker:  redislock.New(client),
		logger:  logger.WithField("component", "lock"),
		Prefix:  "commbank:account",
		TTL:     DefaultTTL,
		Retries: DefaultRetries,
		Backoff: DefaultBackoff,
	}
}

func (r *Redis) key(id ledger.AccountID) string {
	return fmt.Sprintf("%s:%d", r.Prefix, id)
}

// LockAccounts obtains every account key in ascending id order. On failure
// the keys already held are released before returning.
func (r *Redis) LockAccounts(ctx context.Context, ids ...ledger.AccountID) (func(), error) {
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(r.Backoff), r.Retries),
	}

	held := make([]*redislock.Lock, 0, len(ids))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			// Background context: release even when the request was cancelled.
			if err := held[i].Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				r.logger.WithError(err).WithField("key", held[i].Key()).Warn("release account lock")
			}
		}
	}

	for _, id := range ledger.SortAccountIDs(ids) {
		l, err := r.locker.Obtain(ctx, r.key(id), r.TTL, opts)
		if err != nil {
			releaseAll()
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, fmt.Errorf("%w: account %d", ErrNotObtained, id)
			}
			return nil, &ledger.StoreError{Op: "lock account", Err: err}
		}
		held = append(held, l)
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

var _ ledger.Locker = (*Redis)(nil)
