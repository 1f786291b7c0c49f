package housekeeping

import (
	"context"
	"errors"

	"trading_bot/internal/core"
)

// Shutdown runs the ordered teardown after every runner has stopped:
// cancel open orders and flatten positions first, then record where
// equity ended. Later steps still run when an earlier one fails; the
// errors come back joined.
func Shutdown(ctx context.Context, orders core.IOrderManager, snap *Snapshotter, logger core.ILogger) error {
	logger = logger.WithField("component", "shutdown")
	logger.Info("graceful shutdown started")

	var errs []error
	if err := orders.FlattenAll(ctx, "shutdown"); err != nil {
		logger.Error("shutdown flatten failed", "error", err)
		errs = append(errs, err)
	}
	if err := snap.Snapshot(ctx); err != nil {
		logger.Error("final equity snapshot failed", "error", err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		logger.Info("graceful shutdown complete")
	}
	return errors.Join(errs...)
}
