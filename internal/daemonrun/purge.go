package daemonrun

import (
	"context"
	"log/slog"
	"time"

	"accession/internal/logging"
	"accession/internal/status"
)

// purgeLoop removes expired deposit records from backends without native
// key expiry. It returns immediately for stores that expire keys themselves.
func purgeLoop(ctx context.Context, store status.Store, interval time.Duration, logger *slog.Logger) {
	purger, ok := store.(status.Purger)
	if !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purgeOnce(ctx, purger, now, logger)
		}
	}
}

func purgeOnce(ctx context.Context, purger status.Purger, now time.Time, logger *slog.Logger) int {
	n, err := purger.PurgeExpired(ctx, now)
	if err != nil {
		logging.WarnWithContext(logger, "expired status records not purged", "status_purge_failed",
			logging.Error(err),
			logging.ErrorHint("check status store access"),
			logging.Impact("expired deposits stay visible until the next purge"),
		)
		return 0
	}
	if n > 0 {
		logger.Info("purged expired deposits",
			logging.Int("count", n),
			logging.EventType("status_purged"),
		)
	}
	return n
}
