package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/medellinbot/orchestrator/internal/observability"
)

// Sweeper runs the expired-session sweep on a fixed interval. Unlike a
// fire-and-forget daemon it has an explicit lifecycle: Start at process
// init, Stop on shutdown.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *observability.Logger

	cron    *cron.Cron
	entryID cron.EntryID
	started bool
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(manager *Manager, interval time.Duration, logger *observability.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		logger:   logger,
		cron:     cron.New(),
	}
}

// Start schedules the sweep. Calling Start on a started sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.started {
		return nil
	}
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.manager.Sweep(sweepCtx); err != nil {
			s.logger.Error(sweepCtx, "session sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	s.started = true
	s.logger.Info(ctx, "session sweeper started", "interval", s.interval.String())
	return nil
}

// Stop cancels the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.started = false
	s.logger.Info(ctx, "session sweeper stopped")
	return nil
}
