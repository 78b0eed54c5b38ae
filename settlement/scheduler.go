/*
Package settlement completes pending merchant orders after a delay.

DESIGN:
  - Scheduler writes a SettlementJob{RunAfter} inside the order's store
    transaction, with a delay drawn uniformly from [MinDelay, MaxDelay]
  - Worker polls due jobs on a ticker and settles each through the engine
  - Jobs are durable: whatever was scheduled before a restart is picked up
    by the next worker

OUTCOMES PER JOB:
  settled                 -> done
  already terminal        -> done (recorded with the transition error)
  transaction missing     -> failed
  store/lock failure      -> left scheduled, retried next tick

USAGE:
  engine.Settlement = settlement.NewScheduler()
  worker := settlement.NewWorker(store, engine, logger)
  worker.Start()
  defer worker.Stop()
*/
package settlement

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/warp/commbank/ledger"
)

const (
	DefaultMinDelay = 10 * time.Second
	DefaultMaxDelay = 40 * time.Second
)

// Scheduler implements ledger.SettlementScheduler with durable job records.
type Scheduler struct {
	MinDelay time.Duration
	MaxDelay time.Duration

	Now    func() time.Time
	Int63n func(n int64) int64
}

func NewScheduler() *Scheduler {
	return &Scheduler{MinDelay: DefaultMinDelay, MaxDelay: DefaultMaxDelay}
}

// Delay draws a settlement delay uniformly from [MinDelay, MaxDelay].
func (s *Scheduler) Delay() time.Duration {
	span := int64(s.MaxDelay - s.MinDelay)
	if span <= 0 {
		return s.MinDelay
	}
	int63n := rand.Int63n
	if s.Int63n != nil {
		int63n = s.Int63n
	}
	return s.MinDelay + time.Duration(int63n(span+1))
}

// Schedule records a job that settles txID once its delay has passed.
func (s *Scheduler) Schedule(ctx context.Context, store ledger.Store, txID ledger.TransactionID) error {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	return store.CreateSettlementJob(ctx, ledger.SettlementJob{
		ID:            ledger.SettlementJobID(uuid.NewString()),
		TransactionID: txID,
		Status:        ledger.JobScheduled,
		RunAfter:      now.Add(s.Delay()),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

var _ ledger.SettlementScheduler = (*Scheduler)(nil)
