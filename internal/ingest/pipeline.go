package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lox/dmistats/internal/store"
)

type PipelineConfig struct {
	Stations   []string
	Parameters []string
	FromYear   int
	ToYear     int // zero means the current year
	Workers    int
	Engine     EngineConfig
}

// Pipeline wires the engine, runner and aggregator together for the CLI and
// the scheduler.
type Pipeline struct {
	raw     *store.Store
	stats   *store.StatsStore
	fetcher Fetcher
	cfg     PipelineConfig
	log     zerolog.Logger
}

func NewPipeline(raw *store.Store, stats *store.StatsStore, fetcher Fetcher, cfg PipelineConfig, logger zerolog.Logger) *Pipeline {
	if cfg.Engine.Now == nil {
		cfg.Engine.Now = time.Now
	}
	return &Pipeline{raw: raw, stats: stats, fetcher: fetcher, cfg: cfg, log: logger}
}

// Ingest runs every configured unit between fromYear and toYear. The lookup
// tables are read once per run.
func (p *Pipeline) Ingest(ctx context.Context, fromYear, toYear int) (RunSummary, error) {
	if toYear == 0 {
		toYear = p.cfg.Engine.Now().UTC().Year()
	}
	if fromYear > toYear {
		return RunSummary{}, fmt.Errorf("from year %d is after to year %d", fromYear, toYear)
	}

	resolver, err := p.raw.LoadResolver(ctx)
	if err != nil {
		return RunSummary{}, err
	}

	engine := NewEngine(p.raw, p.fetcher, resolver, p.cfg.Engine, p.log)
	runner := NewRunner(engine, p.raw, p.cfg.Workers, p.log)
	return runner.Run(ctx, Units(p.cfg.Stations, p.cfg.Parameters, fromYear, toYear)), nil
}

// IngestConfigured ingests the configured year range.
func (p *Pipeline) IngestConfigured(ctx context.Context) (RunSummary, error) {
	return p.Ingest(ctx, p.cfg.FromYear, p.cfg.ToYear)
}

func (p *Pipeline) Rebuild(ctx context.Context) (RebuildResult, error) {
	return NewAggregator(p.raw, p.stats, p.log).RebuildDailyStats(ctx)
}

// Refresh tops up the previous and current year, then rebuilds the derived
// store. Unit failures do not prevent the rebuild.
func (p *Pipeline) Refresh(ctx context.Context) error {
	year := p.cfg.Engine.Now().UTC().Year()
	summary, err := p.Ingest(ctx, year-1, year)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, err := p.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	if summary.Failed > 0 {
		p.log.Warn().Str("run_id", summary.RunID).Int("failed", summary.Failed).Msg("refresh completed with failed units")
	}
	return nil
}
