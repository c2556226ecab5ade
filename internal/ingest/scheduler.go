package ingest

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs a pipeline refresh on a cron schedule. A refresh still in
// progress when the next tick fires causes that tick to be skipped.
type Scheduler struct {
	cron     *cron.Cron
	spec     string
	pipeline *Pipeline
	log      zerolog.Logger
}

func NewScheduler(spec string, pipeline *Pipeline, logger zerolog.Logger) (*Scheduler, error) {
	log := logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: log}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		spec:     spec,
		pipeline: pipeline,
		log:      log,
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// Run schedules refreshes until ctx is done, then waits for a running
// refresh to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.refresh(ctx) }); err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}

	s.cron.Start()
	s.log.Info().Str("schedule", s.spec).Msg("scheduler started")

	<-ctx.Done()
	s.log.Info().Msg("scheduler: shutting down")
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) refresh(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.pipeline.Refresh(ctx); err != nil {
		s.log.Error().Err(err).Msg("scheduled refresh failed")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
