package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// Syncer runs one catch-up pass.
type Syncer interface {
	Update(ctx context.Context) (SyncReport, error)
}

// Runner serializes sync passes on a single goroutine. Passes are triggered
// by a periodic tick and by Notify, e.g. when new archive records arrive.
type Runner struct {
	syncer   Syncer
	interval time.Duration
	logger   *slog.Logger
	trigger  chan struct{}
}

// NewRunner returns a runner that triggers a pass every interval. A zero
// interval disables the tick.
func NewRunner(s Syncer, interval time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		syncer:   s,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Notify requests a pass. It never blocks; requests made while one is
// already pending are coalesced.
func (r *Runner) Notify() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run processes triggers until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if r.interval > 0 {
		sched := gocron.NewScheduler(time.UTC)
		sched.SingletonModeAll()
		if _, err := sched.Every(r.interval).Do(r.Notify); err != nil {
			return fmt.Errorf("scheduling sync: %w", err)
		}
		sched.StartAsync()
		defer sched.Stop()
		r.logger.Info("sync scheduler started", "interval", r.interval)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.trigger:
			r.runOnce(ctx)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in sync pass", "error", rec)
		}
	}()

	_, err := r.syncer.Update(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, ErrSyncInProgress):
		r.logger.Debug("sync already running")
	default:
		r.logger.Error("sync failed", "error", err)
	}
}
