package requests

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs Manager.SweepExpired on a fixed interval until ctx is done.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(m *Manager, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{manager: m, interval: interval, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.logger.Info("expiry sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-t.C:
			n, err := s.manager.SweepExpired(ctx)
			if err != nil {
				s.logger.Warn("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expired stale requests", "count", n)
			}
		}
	}
}
