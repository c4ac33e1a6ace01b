package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"github.com/lox/eventweather/internal/models"
)

// RosterSource loads the roster at the start of each scheduled run.
type RosterSource func(ctx context.Context) ([]models.RosterEntry, error)

// Scheduler re-runs the pipeline on a fixed interval. A run never overlaps
// the previous one.
type Scheduler struct {
	pipeline *Pipeline
	roster   RosterSource
	every    time.Duration
	clock    clockwork.Clock
	log      *slog.Logger

	// AfterRun, when set, is called after every run.
	AfterRun func(*Summary, error)
}

func NewScheduler(p *Pipeline, roster RosterSource, every time.Duration, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		pipeline: p,
		roster:   roster,
		every:    every,
		clock:    clock,
		log:      logger,
	}
}

// Run starts the first enrichment immediately and blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.every),
		gocron.NewTask(s.runOnce),
		gocron.WithContext(ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithName("enrichment_run"),
	)
	if err != nil {
		return fmt.Errorf("create enrichment job: %w", err)
	}

	s.log.Info("scheduler started", "every", s.every)
	scheduler.Start()

	<-ctx.Done()
	s.log.Info("scheduler shutting down")
	if err := scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

func (s *Scheduler) runOnce(ctx context.Context) {
	entries, err := s.roster(ctx)
	if err != nil {
		s.log.Error("failed to load roster", "error", err)
		if s.AfterRun != nil {
			s.AfterRun(nil, err)
		}
		return
	}

	summary, err := s.pipeline.Run(ctx, entries)
	if err != nil {
		s.log.Error("enrichment run failed", "error", err)
	}
	if s.AfterRun != nil {
		s.AfterRun(summary, err)
	}
}
