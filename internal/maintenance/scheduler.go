// Package maintenance provides a cron-driven scheduler that prunes
// ended sessions past their retention window from the persistence
// store.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/vox/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store     *persistence.Store
	Logger    *slog.Logger
	Schedule  string        // cron expression, e.g. "0 3 * * *"
	Retention time.Duration // how long ended sessions are kept
	Interval  time.Duration // due-check interval; defaults to 1 minute if zero
}

// Scheduler periodically checks whether the cron schedule is due and
// prunes expired sessions when it is.
type Scheduler struct {
	store     *persistence.Store
	logger    *slog.Logger
	schedule  cronlib.Schedule
	retention time.Duration
	interval  time.Duration

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. The cron expression is validated here.
func NewScheduler(cfg Config) (*Scheduler, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     cfg.Store,
		logger:    logger,
		schedule:  sched,
		retention: retention,
		interval:  interval,
		nextRun:   sched.Next(time.Now()),
	}, nil
}

// NextRun returns the next scheduled activation.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started",
		"next_run_at", s.NextRun(), "retention", s.retention)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

// Destroy implements the service registry destroy hook.
func (s *Scheduler) Destroy(context.Context) error {
	s.Stop()
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick runs the prune when the schedule is due and advances the next
// activation.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.schedule.Next(now)
	}
	s.mu.Unlock()
	if !due {
		return
	}
	if err := s.Prune(ctx, now); err != nil {
		s.logger.Error("maintenance: prune failed", "error", err)
	}
}

// Prune deletes sessions that ended before the retention window.
func (s *Scheduler) Prune(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.retention)
	pruned, err := s.store.PruneSessions(ctx, cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.logger.Info("maintenance: pruned sessions",
			"count", pruned, "ended_before", cutoff)
	}
	return nil
}
