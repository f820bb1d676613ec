package redemption

import (
	"context"
	"time"

	"github.com/vitwit/paygate/logger"
)

// RunPruner deletes records older than retention every interval until ctx
// is done. A zero retention disables pruning and returns immediately.
func RunPruner(ctx context.Context, store Store, retention, interval time.Duration, log logger.Logger) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = logger.NoopLogger{}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			n, err := store.Prune(ctx, cutoff)
			if err != nil {
				log.Error("prune redemptions failed", map[string]any{"error": err.Error()})
				continue
			}
			if n > 0 {
				log.Info("pruned redemptions", map[string]any{"count": n, "before": cutoff})
			}
		}
	}
}
