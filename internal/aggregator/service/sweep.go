package service

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically drains due submissions: fresh PENDING rows whose
// post-enqueue attempt never ran, and RETRY rows whose backoff has elapsed.
// Each tick first reclaims SUBMITTING rows abandoned by a crashed process,
// so those re-enter the due set instead of blocking their record forever.
// Multiple sweepers are safe; the store's claim partitions the due set.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, batch int, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{svc: svc, interval: interval, batch: batch, logger: logger}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.svc.ReclaimStale(ctx); err != nil {
				s.logger.ErrorContext(ctx, "stale claim reclaim failed", slog.String("error", err.Error()))
			}
			n, err := s.svc.DeliverDue(ctx, s.batch)
			if err != nil {
				s.logger.ErrorContext(ctx, "submission sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.logger.InfoContext(ctx, "submission sweep delivered", slog.Int("attempted", n))
			}
		}
	}
}
