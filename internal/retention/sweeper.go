// Package retention deletes events and snapshots past the retention window.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MurbotLabs/Forked/internal/metrics"
	"github.com/MurbotLabs/Forked/internal/store"
)

// SweepInterval is the fixed cadence between sweeps after the startup run.
const SweepInterval = time.Hour

// Sweeper periodically deletes data older than the retention window.
type Sweeper struct {
	store store.Store
	days  int
	log   *zap.Logger
}

// NewSweeper builds a sweeper; days <= 0 disables sweeping entirely.
func NewSweeper(st store.Store, days int, log *zap.Logger) *Sweeper {
	return &Sweeper{store: st, days: days, log: log}
}

// Run sweeps once immediately, then on every interval tick until the
// context is canceled. Sweeps are best-effort and never retried.
func (s *Sweeper) Run(ctx context.Context) {
	if s.days <= 0 {
		s.log.Info("retention sweep disabled")
		return
	}

	s.sweep(ctx)

	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	events, snapshots, err := s.store.DeleteOlderThan(ctx, s.days)
	if err != nil {
		s.log.Warn("retention sweep failed", zap.Error(err))
		return
	}
	metrics.RetentionSweep()
	if events > 0 || snapshots > 0 {
		s.log.Info("retention sweep complete",
			zap.Int("retention_days", s.days),
			zap.Int64("events_deleted", events),
			zap.Int64("snapshots_deleted", snapshots))
	}
}
