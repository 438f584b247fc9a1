package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"testforge/backend/internal/logging"
)

// Sweeper periodically evicts settled executions from the registry once they
// are older than the retention window. Evicted executions remain readable
// from the repository.
type Sweeper struct {
	registry  *Registry
	retention time.Duration
	logger    *logging.Logger
	cron      *cron.Cron
	now       func() time.Time
}

// NewSweeper creates a Sweeper running on schedule, a cron expression with an
// optional seconds field or a descriptor such as "@every 5m".
func NewSweeper(registry *Registry, schedule string, retention time.Duration, logger *logging.Logger) (*Sweeper, error) {
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	s := &Sweeper{
		registry:  registry,
		retention: retention,
		logger:    logger.WithModule("sweeper"),
		cron:      cron.New(cron.WithParser(parser)),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep() }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule '%s': %w", schedule, err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("Execution sweeper started", "retention", s.retention)
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Sweep evicts once and returns how many executions were dropped.
func (s *Sweeper) Sweep() int {
	n := s.registry.Evict(s.now().Add(-s.retention))
	if n > 0 {
		s.logger.Debug("Evicted settled executions", "count", n, "remaining", s.registry.Len())
	}
	return n
}
