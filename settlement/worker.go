package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/commbank/ledger"
)

// Settler completes a pending transaction. *ledger.Engine satisfies it.
type Settler interface {
	Settle(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error)
}

// Worker polls the store for due settlement jobs.
type Worker struct {
	Store        ledger.Store
	Settler      Settler
	Logger       logrus.FieldLogger
	PollInterval time.Duration
	BatchSize    int
	Now          func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewWorker(store ledger.Store, settler Settler, logger logrus.FieldLogger) *Worker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		Store:        store,
		Settler:      settler,
		Logger:       logger.WithField("component", "settlement"),
		PollInterval: 2 * time.Second,
		BatchSize:    50,
	}
}

// Start begins polling in the background. Calling Start twice is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ticker != nil {
		return
	}
	w.ticker = time.NewTicker(w.PollInterval)
	w.stop = make(chan struct{})
	w.wg.Add(1)
	go w.run(w.ticker, w.stop)

	w.Logger.WithField("interval", w.PollInterval).Info("settlement worker started")
}

// Stop halts polling and waits for the in-flight batch to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ticker == nil {
		return
	}
	w.ticker.Stop()
	close(w.stop)
	w.wg.Wait()
	w.ticker = nil
	w.Logger.Info("settlement worker stopped")
}

func (w *Worker) run(ticker *time.Ticker, stop chan struct{}) {
	defer w.wg.Done()

	// Catch up on anything left over from a previous process.
	w.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			w.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow processes every job due at this instant and returns how many were
// finished (done or failed).
func (w *Worker) RunNow(ctx context.Context) int {
	now := time.Now()
	if w.Now != nil {
		now = w.Now()
	}

	jobs, err := w.Store.DueSettlementJobs(ctx, now, w.BatchSize)
	if err != nil {
		w.Logger.WithError(err).Error("list due settlement jobs")
		return 0
	}

	finished := 0
	for _, job := range jobs {
		if w.process(ctx, job, now) {
			finished++
		}
	}
	if finished > 0 {
		w.Logger.WithField("count", finished).Info("settlement batch finished")
	}
	return finished
}

func (w *Worker) process(ctx context.Context, job ledger.SettlementJob, now time.Time) bool {
	log := w.Logger.WithFields(logrus.Fields{"job": job.ID, "tx": job.TransactionID})

	status, lastError := ledger.JobDone, ""
	_, err := w.Settler.Settle(ctx, job.TransactionID)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrValidation):
		// Already terminal: settled earlier, cancelled or failed.
		lastError = err.Error()
		log.WithError(err).Warn("settlement skipped")
	case errors.Is(err, ledger.ErrNotFound):
		status, lastError = ledger.JobFailed, err.Error()
		log.WithError(err).Error("settlement failed")
	default:
		log.WithError(err).Error("settlement deferred")
		return false
	}

	if err := w.Store.FinishSettlementJob(ctx, job.ID, status, lastError, now); err != nil {
		log.WithError(err).Error("record settlement job outcome")
		return false
	}
	return true
}
