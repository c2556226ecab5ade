package ingest

import (
	"context"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/lox/dmistats/internal/metrics"
	"github.com/lox/dmistats/internal/models"
	"github.com/lox/dmistats/internal/store"
)

// DefaultCompletenessRatio is the share of expected samples above which a
// year is treated as already ingested.
const DefaultCompletenessRatio = 0.95

// Fetcher is the paginated provider the engine pulls from.
type Fetcher interface {
	Pages(ctx context.Context, q Query) iter.Seq2[[]Record, error]
}

type UnitStatus string

const (
	UnitFetched UnitStatus = "fetched"
	UnitSkipped UnitStatus = "skipped"
	UnitFailed  UnitStatus = "failed"
)

// UnitResult describes what happened to one (station, parameter, year).
type UnitResult struct {
	Station      string
	Parameter    string
	Year         int
	Status       UnitStatus
	SkipReason   string
	ExistingRows int64
	Threshold    int64
	Pages        int
	Fetched      int
	Missing      int // records without a value
	Flagged      int
	Stored       int64
}

type EngineConfig struct {
	Now       func() time.Time
	BatchSize int
	PageSize  int // zero uses the fetcher default
	Ratio     float64
	// Intervals maps parameter ids to their sampling interval. Unknown
	// parameters use models.DefaultSamplingInterval.
	Intervals map[string]time.Duration
}

// Engine ingests one unit at a time into the raw store.
type Engine struct {
	store    *store.Store
	fetcher  Fetcher
	resolver *store.Resolver
	cfg      EngineConfig
	log      zerolog.Logger
}

func NewEngine(st *store.Store, fetcher Fetcher, resolver *store.Resolver, cfg EngineConfig, logger zerolog.Logger) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = store.DefaultBatchSize
	}
	if cfg.Ratio <= 0 || cfg.Ratio > 1 {
		cfg.Ratio = DefaultCompletenessRatio
	}
	return &Engine{
		store:    st,
		fetcher:  fetcher,
		resolver: resolver,
		cfg:      cfg,
		log:      logger.With().Str("component", "engine").Logger(),
	}
}

// CompletenessThreshold is the observation count above which a year of a
// parameter sampled every interval counts as complete.
func CompletenessThreshold(interval time.Duration, year int, ratio float64) int64 {
	if interval <= 0 {
		interval = models.DefaultSamplingInterval
	}
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	expected := float64(start.AddDate(1, 0, 0).Sub(start)) / float64(interval)
	return int64(math.Floor(ratio * expected))
}

func (e *Engine) interval(parameter string) time.Duration {
	if d, ok := e.cfg.Intervals[parameter]; ok && d > 0 {
		return d
	}
	return models.DefaultSamplingInterval
}

// Ingest fetches one year of one parameter at one station unless the raw
// store already holds enough of it. Pages are written as they arrive, so on
// a fetch error the pages before it stay stored and the error is returned
// with the partial counts.
func (e *Engine) Ingest(ctx context.Context, stationExt, parameterExt string, year int) (UnitResult, error) {
	res := UnitResult{Station: stationExt, Parameter: parameterExt, Year: year, Status: UnitFailed}
	log := e.log.With().Str("station", stationExt).Str("parameter", parameterExt).Int("year", year).Logger()

	stationID, err := e.resolver.Station(stationExt)
	if err != nil {
		return res, err
	}
	parameterID, err := e.resolver.Parameter(parameterExt)
	if err != nil {
		return res, err
	}

	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(1, 0, 0)
	now := e.cfg.Now().UTC()

	if !from.Before(now) {
		res.Status = UnitSkipped
		res.SkipReason = "future"
		log.Debug().Msg("year has not started, skipping")
		return res, nil
	}

	res.ExistingRows, err = e.store.CountObservations(ctx, stationID, parameterID, from, to)
	if err != nil {
		return res, fmt.Errorf("count existing: %w", err)
	}
	res.Threshold = CompletenessThreshold(e.interval(parameterExt), year, e.cfg.Ratio)
	if res.ExistingRows > res.Threshold {
		res.Status = UnitSkipped
		res.SkipReason = "complete"
		log.Debug().Int64("existing", res.ExistingRows).Int64("threshold", res.Threshold).Msg("year already complete, skipping")
		return res, nil
	}

	end := to.Add(-time.Second)
	if now.Before(end) {
		end = now
	}
	q := Query{
		StationID:   stationExt,
		ParameterID: parameterExt,
		Start:       from,
		End:         end,
		PageSize:    e.cfg.PageSize,
	}

	for recs, err := range e.fetcher.Pages(ctx, q) {
		if err != nil {
			return res, fmt.Errorf("after %d pages: %w", res.Pages, err)
		}
		res.Pages++
		res.Fetched += len(recs)

		obs := make([]models.Observation, 0, len(recs))
		for _, r := range recs {
			if r.Value == nil {
				res.Missing++
				continue
			}
			if flags := ValidateRecord(r, q); len(flags) > 0 {
				res.Flagged++
				for _, f := range flags {
					metrics.ObservationsFlagged.WithLabelValues(f).Inc()
				}
				continue
			}
			obs = append(obs, models.Observation{
				StationID:   stationID,
				ParameterID: parameterID,
				ObservedAt:  r.ObservedAt,
				Value:       *r.Value,
			})
		}

		n, err := e.store.InsertObservations(ctx, obs, e.cfg.BatchSize)
		res.Stored += n
		metrics.ObservationsStored.WithLabelValues(stationExt, parameterExt).Add(float64(n))
		if err != nil {
			return res, fmt.Errorf("store page %d: %w", res.Pages, err)
		}
	}

	res.Status = UnitFetched
	log.Info().
		Int("pages", res.Pages).
		Int("fetched", res.Fetched).
		Int64("stored", res.Stored).
		Int("flagged", res.Flagged).
		Msg("ingested")
	return res, nil
}
