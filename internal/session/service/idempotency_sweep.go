package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartIdempotencyRecordSweep starts a background goroutine that periodically
// purges idempotency records past the createTask idempotency window
// (cfg.SessionManager.IdempotencyTTL). Stops when ctx is cancelled.
func (m *Manager) StartIdempotencyRecordSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runIdempotencySweep(ctx)
			}
		}
	}()
	m.log.Info("idempotency record sweep started", zap.Duration("interval", interval))
}

func (m *Manager) runIdempotencySweep(ctx context.Context) {
	purged, err := m.repo.PurgeExpiredIdempotencyRecords(ctx)
	if err != nil {
		m.log.Warn("idempotency sweep: purge failed", zap.Error(err))
		return
	}
	if purged > 0 {
		m.log.Info("idempotency sweep: purged expired records", zap.Int64("count", purged))
	}
}
