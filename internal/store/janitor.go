package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/gembot/pkg/logger"
)

// Janitor periodically purges sessions that have been inactive too long.
type Janitor struct {
	store     Store
	threshold time.Duration
	interval  time.Duration
	logger    *logger.Logger
	now       func() time.Time
}

// NewJanitor creates a janitor. Defaults: 30 days of inactivity, every 6 hours.
func NewJanitor(s Store, threshold, interval time.Duration, log *logger.Logger) *Janitor {
	if threshold <= 0 {
		threshold = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Janitor{store: s, threshold: threshold, interval: interval, logger: log, now: time.Now}
}

// RunOnce purges once and returns how many sessions were removed.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	n, err := j.store.PurgeInactive(ctx, j.now().Add(-j.threshold))
	if err != nil {
		j.logger.Error("failed to purge inactive sessions", zap.Error(err))
		return 0, err
	}
	if n > 0 {
		j.logger.Info("purged inactive sessions", zap.Int("count", n))
	}
	return n, nil
}

// Run purges on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}
