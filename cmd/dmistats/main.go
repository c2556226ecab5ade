package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	"golang.org/x/sync/errgroup"

	"github.com/lox/dmistats/internal/api"
	"github.com/lox/dmistats/internal/ingest"
	"github.com/lox/dmistats/internal/models"
	"github.com/lox/dmistats/internal/store"
)

type Globals struct {
	RawDB       string        `name:"raw-db" env:"DMISTATS_RAW_DB" default:"data/dmi_raw.db" help:"Path to the raw observations database."`
	StatsDB     string        `name:"stats-db" env:"DMISTATS_STATS_DB" default:"data/dmi_stats.db" help:"Path to the derived statistics database. May equal --raw-db."`
	APIKey      string        `name:"api-key" env:"DMI_API_KEY" help:"DMI Open Data API key."`
	BaseURL     string        `name:"base-url" env:"DMI_BASE_URL" default:"${base_url}" help:"metObs observation items endpoint."`
	PageTimeout time.Duration `name:"page-timeout" default:"2m" help:"Deadline for a single page request."`
	LogLevel    string        `name:"log-level" env:"LOG_LEVEL" enum:"debug,info,warn,error" default:"info" help:"Log level."`
	LogFormat   string        `name:"log-format" env:"LOG_FORMAT" enum:"console,json" default:"console" help:"Log output format."`

	log zerolog.Logger
}

func (g *Globals) AfterApply() error {
	level, err := zerolog.ParseLevel(g.LogLevel)
	if err != nil {
		return err
	}
	var logger zerolog.Logger
	if g.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	g.log = logger.Level(level).With().Timestamp().Logger()
	return nil
}

func (g *Globals) openRaw(ctx context.Context) (*store.Store, error) {
	db, err := store.Open(ctx, g.RawDB)
	if err != nil {
		return nil, err
	}
	st := store.New(db, g.log)
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate raw store: %w", err)
	}
	return st, nil
}

func (g *Globals) openStats(ctx context.Context) (*store.StatsStore, error) {
	db, err := store.Open(ctx, g.StatsDB)
	if err != nil {
		return nil, err
	}
	st := store.NewStats(db, g.log)
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate stats store: %w", err)
	}
	return st, nil
}

func (g *Globals) client() *ingest.Client {
	return ingest.NewClient(ingest.ClientConfig{
		BaseURL:     g.BaseURL,
		APIKey:      g.APIKey,
		PageTimeout: g.PageTimeout,
		MaxRetries:  ingest.DefaultMaxRetries,
	}, g.log)
}

// PipelineFlags configure bulk ingestion for both the ingest command and the
// scheduled refresh in serve.
type PipelineFlags struct {
	Stations          []string `name:"stations" env:"DMISTATS_STATIONS" default:"06180,06072,06120,06190" help:"Station ids to ingest."`
	Parameters        []string `name:"parameters" env:"DMISTATS_PARAMETERS" default:"temp_dry,wind_speed,precip_past10min" help:"Parameter ids to ingest."`
	FromYear          int      `name:"from-year" default:"2011" help:"First year to ingest."`
	ToYear            int      `name:"to-year" default:"0" help:"Last year to ingest (0 for the current year)."`
	Workers           int      `name:"workers" default:"4" help:"Units ingested concurrently."`
	BatchSize         int      `name:"batch-size" default:"5000" help:"Rows per insert transaction."`
	BulkPageSize      int      `name:"bulk-page-size" default:"300000" help:"Provider page size for ingestion."`
	CompletenessRatio float64  `name:"completeness-ratio" default:"0.95" help:"Share of expected samples above which a year is skipped."`
}

func (f PipelineFlags) pipeline(g *Globals, raw *store.Store, stats *store.StatsStore) *ingest.Pipeline {
	return ingest.NewPipeline(raw, stats, g.client(), ingest.PipelineConfig{
		Stations:   f.Stations,
		Parameters: f.Parameters,
		FromYear:   f.FromYear,
		ToYear:     f.ToYear,
		Workers:    f.Workers,
		Engine: ingest.EngineConfig{
			BatchSize: f.BatchSize,
			PageSize:  f.BulkPageSize,
			Ratio:     f.CompletenessRatio,
			Intervals: catalog.SamplingIntervals(),
		},
	}, g.log)
}

type InitCmd struct{}

func (c *InitCmd) Run(ctx context.Context, g *Globals) error {
	raw, err := g.openRaw(ctx)
	if err != nil {
		return err
	}
	defer raw.Close()

	stats, err := g.openStats(ctx)
	if err != nil {
		return err
	}
	defer stats.Close()

	if err := raw.EnsureLookups(ctx, catalog.Stations, catalog.Parameters); err != nil {
		return err
	}
	g.log.Info().Int("stations", len(catalog.Stations)).Int("parameters", len(catalog.Parameters)).Msg("stores initialised")
	return nil
}

type IngestCmd struct {
	PipelineFlags `embed:""`

	Aggregate bool `name:"aggregate" help:"Rebuild derived statistics after ingesting."`
}

func (c *IngestCmd) Run(ctx context.Context, g *Globals) error {
	raw, err := g.openRaw(ctx)
	if err != nil {
		return err
	}
	defer raw.Close()

	stats, err := g.openStats(ctx)
	if err != nil {
		return err
	}
	defer stats.Close()

	if err := raw.EnsureLookups(ctx, catalog.Stations, catalog.Parameters); err != nil {
		return err
	}

	p := c.pipeline(g, raw, stats)
	summary, err := p.IngestConfigured(ctx)
	if err != nil {
		return err
	}
	for _, f := range summary.Failures {
		g.log.Warn().
			Str("station", f.Unit.Station).
			Str("parameter", f.Unit.Parameter).
			Int("year", f.Unit.Year).
			Str("error", f.Err).
			Msg("unit failed")
	}
	g.log.Info().
		Str("run_id", summary.RunID).
		Int("units", summary.Units).
		Int("fetched", summary.Fetched).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Int64("stored", summary.Stored).
		Msg("ingest finished")

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.Aggregate {
		res, err := p.Rebuild(ctx)
		if err != nil {
			return err
		}
		g.log.Info().Int("daily_rows", res.DailyRows).Int64("monthly_rows", res.MonthlyRows).Msg("statistics rebuilt")
	}
	return nil
}

type AggregateCmd struct{}

func (c *AggregateCmd) Run(ctx context.Context, g *Globals) error {
	raw, err := g.openRaw(ctx)
	if err != nil {
		return err
	}
	defer raw.Close()

	stats, err := g.openStats(ctx)
	if err != nil {
		return err
	}
	defer stats.Close()

	res, err := ingest.NewAggregator(raw, stats, g.log).RebuildDailyStats(ctx)
	if err != nil {
		return err
	}
	g.log.Info().
		Int("daily_rows", res.DailyRows).
		Int64("monthly_rows", res.MonthlyRows).
		Bool("copied_lookups", res.CopiedLookups).
		Dur("took", res.Duration).
		Msg("statistics rebuilt")
	return nil
}

type ServeCmd struct {
	PipelineFlags `embed:"" prefix:"refresh-"`

	Addr      string `name:"addr" env:"DMISTATS_ADDR" default:":8080" help:"HTTP listen address."`
	Schedule  string `name:"schedule" env:"DMISTATS_SCHEDULE" help:"Cron spec for periodic ingest and rebuild, e.g. '@every 6h'. Empty disables it."`
	RateLimit int    `name:"observations-per-minute" default:"20" help:"Per-client limit on ad-hoc provider requests."`
}

// service is a long-running component that stops when its context is done.
type service interface {
	Run(ctx context.Context) error
}

// runServices runs all services until ctx is done or one of them fails, and
// returns once every one has stopped.
func runServices(ctx context.Context, services ...service) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range services {
		g.Go(func() error { return s.Run(gctx) })
	}
	return g.Wait()
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	stats, err := g.openStats(ctx)
	if err != nil {
		return err
	}
	defer stats.Close()

	var services []service
	if c.Schedule != "" {
		raw, err := g.openRaw(ctx)
		if err != nil {
			return err
		}
		defer raw.Close()
		if err := raw.EnsureLookups(ctx, catalog.Stations, catalog.Parameters); err != nil {
			return err
		}

		scheduler, err := ingest.NewScheduler(c.Schedule, c.pipeline(g, raw, stats), g.log)
		if err != nil {
			return err
		}
		services = append(services, scheduler)
	}

	server := api.NewServer(stats, g.client(), api.Config{
		Addr:                  c.Addr,
		ObservationsPerMinute: c.RateLimit,
	}, g.log)
	services = append(services, server)

	// The stores stay open until the scheduler's in-flight refresh is done.
	return runServices(ctx, services...)
}

type QueryCmd struct {
	Extremes QueryExtremesCmd `cmd:"" help:"All-time extremes for a station."`
	Monthly  QueryMonthlyCmd  `cmd:"" help:"Average daily mean temperature for a calendar month."`
	Period   QueryPeriodCmd   `cmd:"" help:"Per-year statistics for a recurring calendar window."`
}

type QueryExtremesCmd struct {
	Station string `arg:"" help:"Station id."`
}

func (c *QueryExtremesCmd) Run(ctx context.Context, g *Globals) error {
	stats, err := g.openStats(ctx)
	if err != nil {
		return err
	}
	defer stats.Close()
	return printResult(g, stats.StationExtremes(ctx, c.Station))
}

type QueryMonthlyCmd struct {
	Station string `arg:"" help:"Station id."`
	Month   int    `arg:"" help:"Month, 1-12."`
}

func (c *QueryMonthlyCmd) Run(ctx context.Context, g *Globals) error {
	stats, err := g.openStats(ctx)
	if err != nil {
		return err
	}
	defer stats.Close()
	return printResult(g, stats.MonthlyAverage(ctx, c.Station, c.Month))
}

type QueryPeriodCmd struct {
	Station   string `arg:"" help:"Station id."`
	Start     string `arg:"" help:"First day of the window, MM-DD."`
	End       string `arg:"" help:"Last day of the window, MM-DD. May precede start to wrap the year."`
	Parameter string `name:"parameter" default:"temp_dry" help:"Parameter id."`
}

func (c *QueryPeriodCmd) Run(ctx context.Context, g *Globals) error {
	start, err := models.ParseMonthDay(c.Start)
	if err != nil {
		return err
	}
	end, err := models.ParseMonthDay(c.End)
	if err != nil {
		return err
	}

	stats, err := g.openStats(ctx)
	if err != nil {
		return err
	}
	defer stats.Close()
	return printResult(g, stats.PeriodStatsPerYear(ctx, c.Station, c.Parameter, start, end))
}

func printResult[T any](g *Globals, res models.Result[T]) error {
	switch res.Status {
	case models.StatusOK:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Value)
	case models.StatusEmpty:
		g.log.Warn().Msg("no data")
		return nil
	default:
		return res.Err
	}
}

type StationCmd struct {
	Delete StationDeleteCmd `cmd:"" help:"Delete a station and all of its raw observations."`
}

type StationDeleteCmd struct {
	Station string `arg:"" help:"Station id."`
}

func (c *StationDeleteCmd) Run(ctx context.Context, g *Globals) error {
	raw, err := g.openRaw(ctx)
	if err != nil {
		return err
	}
	defer raw.Close()

	n, err := raw.DeleteStation(ctx, c.Station)
	if err != nil {
		return err
	}
	g.log.Info().Str("station", c.Station).Int64("observations", n).Msg("station deleted; run aggregate to refresh statistics")
	return nil
}

type StatusCmd struct {
	Failures int `name:"failures" default:"10" help:"Number of recent failed units to list."`
}

func (c *StatusCmd) Run(ctx context.Context, g *Globals) error {
	raw, err := g.openRaw(ctx)
	if err != nil {
		return err
	}
	defer raw.Close()

	stats, err := g.openStats(ctx)
	if err != nil {
		return err
	}
	defer stats.Close()

	rawVersion, err := raw.MigrationVersion(ctx)
	if err != nil {
		return err
	}
	statsVersion, err := stats.MigrationVersion(ctx)
	if err != nil {
		return err
	}
	total, err := raw.TotalObservations(ctx)
	if err != nil {
		return err
	}
	daily, err := stats.DailyStatsCount(ctx)
	if err != nil {
		return err
	}
	g.log.Info().
		Int("raw_schema", rawVersion).
		Int("stats_schema", statsVersion).
		Int64("observations", total).
		Int64("daily_stats", daily).
		Msg("status")

	failures, err := raw.RecentIngestFailures(ctx, c.Failures)
	if err != nil {
		return err
	}
	for _, f := range failures {
		g.log.Warn().
			Str("run_id", f.RunID).
			Str("station", f.Station).
			Str("parameter", f.Parameter).
			Int("year", f.Year).
			Str("started_at", f.StartedAt).
			Str("error", f.ErrorMessage.String).
			Msg("failed unit")
	}
	return nil
}

type CLI struct {
	Globals

	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,help='Path to .env file'"`

	Init      InitCmd      `cmd:"" help:"Create both stores and seed the station and parameter catalog."`
	Ingest    IngestCmd    `cmd:"" help:"Ingest observations for every station, parameter and year."`
	Aggregate AggregateCmd `cmd:"" help:"Rebuild daily and monthly statistics from raw observations."`
	Serve     ServeCmd     `cmd:"" help:"Serve the statistics API."`
	Query     QueryCmd     `cmd:"" help:"Query derived statistics."`
	Station   StationCmd   `cmd:"" help:"Manage stations."`
	Status    StatusCmd    `cmd:"" help:"Show store state and recent ingestion failures."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("dmistats"),
		kong.Description("Ingest DMI observations and serve climate statistics."),
		kong.UsageOnError(),
		kong.Vars{"base_url": ingest.DefaultBaseURL},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kctx.BindTo(ctx, (*context.Context)(nil))
	err := kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}
