// ABOUTME: Cron-scheduled sweeper that deletes expired sessions
// ABOUTME: Sweeps once on start, then on the configured schedule

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// sweepTimeout bounds a single sweep.
const sweepTimeout = 30 * time.Second

// Sweeper runs Registry.Sweep on a cron schedule.
type Sweeper struct {
	registry *Registry
	schedule string
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a sweeper. schedule accepts standard five-field cron
// expressions and descriptors such as "@every 1h" or "@hourly".
func NewSweeper(registry *Registry, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{
		registry: registry,
		schedule: schedule,
		logger:   logger.With("component", "sweeper"),
	}, nil
}

// Start sweeps once and then schedules periodic sweeps.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	s.RunOnce(ctx)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("session sweeper started", "schedule", s.schedule)
	return nil
}

// RunOnce performs a single sweep and logs the outcome.
func (s *Sweeper) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	if _, err := s.registry.Sweep(ctx); err != nil {
		s.logger.Error("session sweep failed", "error", err)
	}
}

// Stop halts scheduling and waits for an in-flight sweep or ctx expiry.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.logger.Info("session sweeper stopped")
}
