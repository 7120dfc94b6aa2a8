package billingcycle

import (
	"context"
	"errors"
)

// SyncJob returns a scheduler job that syncs the current period for every
// tenant. A run skipped because another one holds the lock is not an error.
func (a *Aggregator) SyncJob() func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := a.SyncUsage(ctx, SyncOptions{})
		if errors.Is(err, ErrSyncInProgress) {
			a.logger.Info("usage sync skipped, previous run still active")
			return nil
		}
		return err
	}
}

// ConsolidateJob returns a scheduler job that consolidates the period that
// just closed.
func (a *Aggregator) ConsolidateJob() func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := a.Consolidate(ctx, "")
		if errors.Is(err, ErrSyncInProgress) {
			a.logger.Info("usage consolidation skipped, previous run still active")
			return nil
		}
		return err
	}
}
