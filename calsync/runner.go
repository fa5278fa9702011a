/*
runner.go - Interval trigger for sync cycles

Runs one cycle per enabled user; users sync concurrently with each other,
while calls within one user's cycle stay sequential to respect provider
rate limits.
*/
package calsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Runner struct {
	Engine   *Engine
	Interval time.Duration
	Logger   *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewRunner(engine *Engine, logger *zap.Logger) *Runner {
	return &Runner{
		Engine:   engine,
		Interval: 5 * time.Minute,
		Logger:   logger,
		stop:     make(chan struct{}),
	}
}

func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ticker = time.NewTicker(r.Interval)
	r.wg.Add(1)
	go r.run()
	r.Logger.Info("sync runner started", zap.Duration("interval", r.Interval))
}

func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker != nil {
		r.ticker.Stop()
		close(r.stop)
		r.wg.Wait()
		r.Logger.Info("sync runner stopped")
	}
}

func (r *Runner) run() {
	defer r.wg.Done()

	r.RunNow(context.Background())
	for {
		select {
		case <-r.ticker.C:
			r.RunNow(context.Background())
		case <-r.stop:
			return
		}
	}
}

// RunNow syncs every enabled user once. One user's failure is logged and
// does not block the others.
func (r *Runner) RunNow(ctx context.Context) {
	configs, err := r.Engine.Store.ListEnabledConfigs(ctx)
	if err != nil {
		r.Logger.Error("listing sync configs failed", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, cfg := range configs {
		wg.Add(1)
		go func(cfg *Config) {
			defer wg.Done()
			if _, err := r.Engine.SyncUser(ctx, cfg.UserID); err != nil {
				r.Logger.Error("sync cycle failed",
					zap.String("user", string(cfg.UserID)), zap.Error(err))
			}
		}(cfg)
	}
	wg.Wait()
}
