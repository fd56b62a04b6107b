package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"imaging-edge-proxy/receiver/internal/storage"
	"imaging-edge-proxy/shared/lockx"
	"imaging-edge-proxy/shared/logx"
)

// TaskStorageSweep reclaims expired task workspaces on a schedule.
const TaskStorageSweep = "storage.sweep"

const sweepLockKey = "proxy:lock:storage_sweep"

// NewSweepHandler returns the asynq handler for the retention sweep.
// The Redis lock keeps the sweep single-flight when multiple proxy
// replicas share scratch storage.
func NewSweepHandler(log logx.Logger, layout *storage.Layout, rdb *redis.Client, retention time.Duration) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		if rdb != nil {
			lock, acquired, err := lockx.Acquire(ctx, rdb, sweepLockKey, 10*time.Minute)
			if err != nil {
				return err
			}
			if !acquired {
				log.Debug(ctx, "sweep_skipped", "another replica holds the sweep lock")
				return nil
			}
			defer func() { _ = lockx.Release(ctx, rdb, lock) }()
		}

		removed, err := layout.Sweep(retention)
		if err != nil {
			return err
		}
		log.Info(ctx, "storage_sweep", "retention sweep finished",
			slog.Int("removed", removed),
			slog.String("retention", retention.String()),
		)
		return nil
	}
}
