package driver

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const defaultShutdownTimeout = 30 * time.Second

// RunWithGracefulShutdown runs r and handles SIGTERM/SIGINT by asking every
// driver to drain. If draining takes longer than timeout the drivers are
// cancelled.
func RunWithGracefulShutdown(ctx context.Context, r *Runner, timeout time.Duration) error {
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
		r.Stop()

		select {
		case err := <-errCh:
			return err
		case <-time.After(timeout):
			slog.Warn("shutdown timeout expired, cancelling drivers", "timeout", timeout)
			r.Cancel(ErrStopped)
			return <-errCh
		}

	case err := <-errCh:
		return err
	}
}
