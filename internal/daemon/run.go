package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
)

// Run holds the PID file while fn runs. fn's context is canceled on
// SIGINT, SIGTERM or when ctx is done; a clean shutdown returns nil.
func Run(ctx context.Context, pf *PIDFile, logger *slog.Logger, fn func(ctx context.Context) error) error {
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := pf.Release(); err != nil {
			logger.Warn("release pid file", "path", pf.Path, "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("daemon started", "pid_file", pf.Path)
	err := fn(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	logger.Info("daemon stopped")
	return nil
}
