/*
runner.go - Interval trigger for the expiration job

PURPOSE:
  A background goroutine invoking RunExpiration on a fixed interval. The
  cadence is configuration, not contract: the job itself is idempotent, so
  any external cron-equivalent can drive it instead.

USAGE:
  runner := expiry.NewRunner(job, logger)
  runner.Start()
  defer runner.Stop()
*/
package expiry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/ledger"
)

type Runner struct {
	Job      *Job
	Interval time.Duration
	Logger   *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewRunner(job *Job, logger *zap.Logger) *Runner {
	return &Runner{
		Job:      job,
		Interval: 24 * time.Hour,
		Logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the interval loop; the first run happens immediately.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ticker = time.NewTicker(r.Interval)
	r.wg.Add(1)
	go r.run()
	r.Logger.Info("expiration runner started", zap.Duration("interval", r.Interval))
}

func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker != nil {
		r.ticker.Stop()
		close(r.stop)
		r.wg.Wait()
		r.Logger.Info("expiration runner stopped")
	}
}

func (r *Runner) run() {
	defer r.wg.Done()

	r.RunNow()
	for {
		select {
		case <-r.ticker.C:
			r.RunNow()
		case <-r.stop:
			return
		}
	}
}

// RunNow triggers one immediate run.
func (r *Runner) RunNow() {
	if _, err := r.Job.RunExpiration(context.Background(), ledger.Today()); err != nil {
		r.Logger.Error("expiration run failed", zap.Error(err))
	}
}
