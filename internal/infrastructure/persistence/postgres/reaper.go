package postgres

import (
	"context"
	"time"

	"github.com/turtacn/tap/internal/domain/repository"
	"github.com/turtacn/tap/internal/infrastructure/monitoring"
	"github.com/turtacn/tap/pkg/logger"
)

// Reaper periodically deletes funding history rows older than the configured
// TTL.
type Reaper struct {
	repo     repository.RequestRepository
	rowTTL   time.Duration
	interval time.Duration
	metrics  *monitoring.Metrics
	logger   logger.Logger
}

// NewReaper creates a history row reaper.
func NewReaper(repo repository.RequestRepository, rowTTL, interval time.Duration, metrics *monitoring.Metrics, log logger.Logger) *Reaper {
	return &Reaper{
		repo:     repo,
		rowTTL:   rowTTL,
		interval: interval,
		metrics:  metrics,
		logger:   log.WithComponent("history_reaper"),
	}
}

// Run reaps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info(ctx, "history reaper started",
		logger.Duration("row_ttl", r.rowTTL),
		logger.Duration("interval", r.interval),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "history reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			r.reapOnce(ctx)
		}
	}
}

func (r *Reaper) reapOnce(ctx context.Context) {
	cutoff := time.Now().Add(-r.rowTTL)
	deleted, err := r.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Error(ctx, "failed to reap funding history", err)
		return
	}
	if deleted > 0 {
		r.metrics.ReapedRows.Add(float64(deleted))
		r.logger.Info(ctx, "reaped stale funding records",
			logger.Int64("deleted", deleted),
			logger.Time("cutoff", cutoff),
		)
	}
}
