package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunCleanup purges expired records every interval until ctx is cancelled.
func RunCleanup(ctx context.Context, store Store, interval time.Duration, batch int, logger *zap.Logger) {
	if store == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), batch)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}
