package driver

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrStopped is the cancellation cause used when a graceful stop runs out
// of time.
var ErrStopped = errors.New("driver: stopped")

// Runner runs drivers concurrently. A failure of any driver cancels the
// others and is returned by Run.
type Runner struct {
	drivers []*Driver
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

// NewRunner creates a runner over drivers.
func NewRunner(drivers ...*Driver) *Runner {
	return &Runner{drivers: drivers, logger: slog.Default().With("component", "runner")}
}

// Drivers returns the drivers of the runner.
func (r *Runner) Drivers() []*Driver { return r.drivers }

// Run blocks until every driver returns.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range r.drivers {
		g.Go(func() error {
			return d.Run(gctx)
		})
	}
	r.logger.Info("runner started", "drivers", len(r.drivers))
	err := g.Wait()
	if err != nil {
		r.logger.Error("runner failed", "error", err)
	}
	return err
}

// Stop asks every driver to drain.
func (r *Runner) Stop() {
	for _, d := range r.drivers {
		d.Stop()
	}
}

// Cancel aborts every driver with cause.
func (r *Runner) Cancel(cause error) {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}
