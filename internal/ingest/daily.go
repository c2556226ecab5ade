package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lox/dmistats/internal/metrics"
	"github.com/lox/dmistats/internal/store"
)

// Aggregator rebuilds the derived store from the raw store.
type Aggregator struct {
	raw   *store.Store
	stats *store.StatsStore
	log   zerolog.Logger
}

func NewAggregator(raw *store.Store, stats *store.StatsStore, logger zerolog.Logger) *Aggregator {
	return &Aggregator{raw: raw, stats: stats, log: logger.With().Str("component", "aggregator").Logger()}
}

type RebuildResult struct {
	DailyRows     int
	MonthlyRows   int64
	CopiedLookups bool
	Duration      time.Duration
}

// RebuildDailyStats recomputes daily and monthly statistics from every raw
// observation and swaps them into the derived store in one transaction.
func (a *Aggregator) RebuildDailyStats(ctx context.Context) (RebuildResult, error) {
	start := time.Now()
	var res RebuildResult

	daily, err := a.raw.DailyAggregates(ctx)
	if err != nil {
		return res, fmt.Errorf("aggregate raw observations: %w", err)
	}
	stations, err := a.raw.Stations(ctx)
	if err != nil {
		return res, fmt.Errorf("read stations: %w", err)
	}
	params, err := a.raw.Parameters(ctx)
	if err != nil {
		return res, fmt.Errorf("read parameters: %w", err)
	}

	shared, err := a.stats.SharesFileWith(ctx, a.raw)
	if err != nil {
		return res, err
	}

	monthly, err := a.stats.ReplaceDailyStats(ctx, store.Snapshot{
		Stations:    stations,
		Parameters:  params,
		Daily:       daily,
		CopyLookups: !shared,
	})
	if err != nil {
		return res, fmt.Errorf("replace daily stats: %w", err)
	}

	res = RebuildResult{
		DailyRows:     len(daily),
		MonthlyRows:   monthly,
		CopiedLookups: !shared,
		Duration:      time.Since(start),
	}
	metrics.RebuildDuration.Observe(res.Duration.Seconds())
	metrics.DailyStatsRows.Set(float64(res.DailyRows))
	metrics.MonthlyStatsRows.Set(float64(res.MonthlyRows))

	a.log.Info().
		Int("daily", res.DailyRows).
		Int64("monthly", res.MonthlyRows).
		Bool("copied_lookups", res.CopiedLookups).
		Dur("took", res.Duration).
		Msg("rebuilt derived stats")
	return res, nil
}
