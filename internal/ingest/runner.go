package ingest

import (
	"context"
	"database/sql"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lox/dmistats/internal/metrics"
	"github.com/lox/dmistats/internal/store"
)

const DefaultWorkers = 4

// Unit is one independent piece of ingestion work.
type Unit struct {
	Station   string
	Parameter string
	Year      int
}

// Units returns every combination of station, parameter and year in that
// nesting order.
func Units(stations, parameters []string, fromYear, toYear int) []Unit {
	var units []Unit
	for _, st := range stations {
		for _, p := range parameters {
			for y := fromYear; y <= toYear; y++ {
				units = append(units, Unit{Station: st, Parameter: p, Year: y})
			}
		}
	}
	return units
}

type UnitFailure struct {
	Unit Unit
	Err  string
}

type RunSummary struct {
	RunID    string
	Units    int
	Fetched  int
	Skipped  int
	Failed   int
	Stored   int64
	Failures []UnitFailure
}

func (s *RunSummary) add(u Unit, res UnitResult, err error) {
	s.Stored += res.Stored
	if err != nil {
		s.Failed++
		s.Failures = append(s.Failures, UnitFailure{Unit: u, Err: err.Error()})
		return
	}
	switch res.Status {
	case UnitFetched:
		s.Fetched++
	case UnitSkipped:
		s.Skipped++
	}
}

// UnitIngester is satisfied by *Engine.
type UnitIngester interface {
	Ingest(ctx context.Context, station, parameter string, year int) (UnitResult, error)
}

// Runner fans units out over a bounded pool of workers. A failing unit is
// logged and audited; it never stops the others.
type Runner struct {
	engine  UnitIngester
	store   *store.Store
	workers int
	log     zerolog.Logger
}

func NewRunner(engine UnitIngester, st *store.Store, workers int, logger zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Runner{
		engine:  engine,
		store:   st,
		workers: workers,
		log:     logger.With().Str("component", "runner").Logger(),
	}
}

// Run processes units until all are done or ctx is cancelled. Units not yet
// started at cancellation are not counted.
func (r *Runner) Run(ctx context.Context, units []Unit) RunSummary {
	summary := RunSummary{RunID: uuid.NewString(), Units: len(units)}
	log := r.log.With().Str("run_id", summary.RunID).Logger()
	log.Info().Int("units", len(units)).Int("workers", r.workers).Msg("starting ingest run")

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.workers)

	for _, u := range units {
		if ctx.Err() != nil {
			log.Warn().Err(ctx.Err()).Msg("run cancelled, not dispatching remaining units")
			break
		}
		g.Go(func() error {
			// g.Go may have waited for a free worker past cancellation.
			if ctx.Err() != nil {
				return nil
			}
			res, err := r.runUnit(ctx, summary.RunID, u)
			mu.Lock()
			summary.add(u, res, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	log.Info().
		Int("fetched", summary.Fetched).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Int64("stored", summary.Stored).
		Msg("ingest run complete")
	return summary
}

func (r *Runner) runUnit(ctx context.Context, runID string, u Unit) (UnitResult, error) {
	log := r.log.With().Str("run_id", runID).Str("station", u.Station).Str("parameter", u.Parameter).Int("year", u.Year).Logger()

	run, err := r.store.StartIngestRun(ctx, runID, u.Station, u.Parameter, u.Year)
	if err != nil {
		log.Warn().Err(err).Msg("start ingest run audit")
	}

	res, ingestErr := r.engine.Ingest(ctx, u.Station, u.Parameter, u.Year)
	if ingestErr != nil {
		res.Status = UnitFailed
		log.Error().Err(ingestErr).Int("pages", res.Pages).Int64("stored", res.Stored).Msg("unit failed")
	}
	metrics.UnitsTotal.WithLabelValues(string(res.Status)).Inc()

	if run != nil {
		run.Status = string(res.Status)
		run.ExistingRows = sql.NullInt64{Int64: res.ExistingRows, Valid: true}
		run.Pages = sql.NullInt64{Int64: int64(res.Pages), Valid: true}
		run.RecordsFetched = sql.NullInt64{Int64: int64(res.Fetched), Valid: true}
		run.RecordsStored = sql.NullInt64{Int64: res.Stored, Valid: true}
		run.RecordsFlagged = sql.NullInt64{Int64: int64(res.Flagged), Valid: true}
		if ingestErr != nil {
			run.ErrorMessage = sql.NullString{String: ingestErr.Error(), Valid: true}
		}
		if err := r.store.CompleteIngestRun(context.WithoutCancel(ctx), run); err != nil {
			log.Warn().Err(err).Msg("complete ingest run audit")
		}
	}

	return res, ingestErr
}
