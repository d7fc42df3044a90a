// Package cleanup bounds disk usage by removing readings that were uploaded
// long enough ago.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/sensorgate/internal/storage"
	"github.com/kalambet/sensorgate/internal/supervisor"
)

// Store defines the storage operations the Cleaner needs.
// Implemented by storage.Store.
type Store interface {
	CountUploadedOlderThan(ctx context.Context, cutoff time.Time) (storage.RetentionCount, error)
	DeleteUploadedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	PruneUploadAttempts(ctx context.Context, before time.Time) (int64, error)
	Compact(ctx context.Context) error
	Stats(ctx context.Context) (storage.Stats, error)
}

// Options configures a Cleaner.
type Options struct {
	RetentionDays  int
	Interval       time.Duration
	AttemptLogDays int
	Logger         *slog.Logger
}

// Result describes one cleanup run. In a dry run Deleted is the number of
// readings that would have been removed.
type Result struct {
	RetentionDays  int        `json:"retention_days"`
	Cutoff         time.Time  `json:"cutoff"`
	DryRun         bool       `json:"dry_run"`
	Deleted        int64      `json:"deleted"`
	Oldest         *time.Time `json:"oldest,omitempty"`
	Newest         *time.Time `json:"newest,omitempty"`
	AttemptsPruned int64      `json:"attempts_pruned"`
}

// Cleaner deletes uploaded readings past their retention period.
type Cleaner struct {
	store  Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group
}

// New creates a Cleaner. Unset options default to 7 days retention, an
// hourly interval and 30 days of upload log.
func New(store Store, opts Options) *Cleaner {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 7
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.AttemptLogDays <= 0 {
		opts.AttemptLogDays = 30
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		store:  store,
		opts:   opts,
		logger: logger.With("worker", "cleanup"),
		now:    time.Now,
	}
}

// RetentionDays returns the configured retention.
func (c *Cleaner) RetentionDays() int {
	return c.opts.RetentionDays
}

// RunOnce removes readings uploaded more than retentionDays ago, or only
// counts them when dryRun is set. A retentionDays of 0 or less uses the
// configured retention. Pending readings are never touched. Concurrent calls
// with the same arguments share one run.
func (c *Cleaner) RunOnce(ctx context.Context, retentionDays int, dryRun bool) (Result, error) {
	if retentionDays <= 0 {
		retentionDays = c.opts.RetentionDays
	}
	key := fmt.Sprintf("%d/%t", retentionDays, dryRun)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.run(ctx, retentionDays, dryRun)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (c *Cleaner) run(ctx context.Context, retentionDays int, dryRun bool) (Result, error) {
	now := c.now()
	res := Result{
		RetentionDays: retentionDays,
		Cutoff:        now.Add(-time.Duration(retentionDays) * 24 * time.Hour),
		DryRun:        dryRun,
	}

	rc, err := c.store.CountUploadedOlderThan(ctx, res.Cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("counting expired readings: %w", err)
	}
	res.Oldest, res.Newest = rc.Oldest, rc.Newest
	if dryRun {
		res.Deleted = rc.Count
		return res, nil
	}

	if rc.Count > 0 {
		if res.Deleted, err = c.store.DeleteUploadedOlderThan(ctx, res.Cutoff); err != nil {
			return Result{}, fmt.Errorf("deleting expired readings: %w", err)
		}
	}

	logCutoff := now.Add(-time.Duration(c.opts.AttemptLogDays) * 24 * time.Hour)
	if res.AttemptsPruned, err = c.store.PruneUploadAttempts(ctx, logCutoff); err != nil {
		c.logger.Warn("pruning upload log failed", "error", err)
	}

	if res.Deleted > 0 || res.AttemptsPruned > 0 {
		if err := c.store.Compact(ctx); err != nil {
			c.logger.Warn("compacting database failed", "error", err)
		}
	}
	return res, nil
}

// Stats reports pending and uploaded counts for the status output.
func (c *Cleaner) Stats(ctx context.Context) (storage.Stats, error) {
	return c.store.Stats(ctx)
}

// Run cleans up every interval until ctx is cancelled. Failures are logged
// and retried at the next interval.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		res, err := c.RunOnce(ctx, 0, false)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, storage.ErrStoreUnavailable):
			c.logger.Warn("cleanup skipped, store unavailable", "error", err)
		case err != nil:
			c.logger.Error("cleanup failed", "error", err)
		case res.Deleted > 0:
			c.logger.Info("cleanup complete", "deleted", res.Deleted, "attempts_pruned", res.AttemptsPruned,
				"retention_days", res.RetentionDays)
		default:
			c.logger.Debug("cleanup found nothing to delete")
		}
		supervisor.Heartbeat(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
