package node

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SyncCheckInterval is how often a serving node asks whether a sync cycle
// is due. The cycle itself runs at most once per sync.interval_minutes.
const SyncCheckInterval = time.Minute

// syncLoop is the scheduler used by Serve. Each tick runs a non-forced sync,
// which is skipped until the configured interval has elapsed.
func (n *Node) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(SyncCheckInterval)
	defer ticker.Stop()

	n.runScheduledSync(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.runScheduledSync(ctx)
		}
	}
}

func (n *Node) runScheduledSync(ctx context.Context) {
	result, err := n.Sync(ctx, false)
	if err != nil {
		n.logger.Error("Scheduled sync failed", zap.Error(err))
		return
	}
	if result.Status == StatusSkipped {
		return
	}

	s := result.Summary
	n.logger.Info("Scheduled sync finished",
		zap.String("status", string(result.Status)),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Duration("duration", s.CompletedAt.Sub(s.StartedAt)))
}
