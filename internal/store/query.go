package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lox/dmistats/internal/models"
)

const extremeQueryBase = `
	SELECT d.%s AS value, d.date
	FROM daily_stats d
	JOIN stations s ON s.id = d.station_id
	JOIN parameters p ON p.id = d.parameter_id
	WHERE s.external_id = ? AND p.external_id = ?
	ORDER BY d.%s %s
	LIMIT 1
`

var (
	queryMaxTemp = fmt.Sprintf(extremeQueryBase, "max_val", "max_val", "DESC")
	queryMinTemp = fmt.Sprintf(extremeQueryBase, "min_val", "min_val", "ASC")
	queryMaxWind = fmt.Sprintf(extremeQueryBase, "max_val", "max_val", "DESC")
)

func failed[T any](what string, err error) models.Result[T] {
	return models.Failed[T](fmt.Errorf("%w: %s: %w", ErrQueryFailed, what, err))
}

// StationExtremes returns the all-time hottest day, coldest day and windiest
// day of a station. Ties resolve to whichever tied row the database returns
// first.
func (s *StatsStore) StationExtremes(ctx context.Context, station string) models.Result[models.Extremes] {
	var out models.Extremes
	lookups := []struct {
		name   string
		query  string
		param  string
		target **models.Extreme
	}{
		{"max temp", queryMaxTemp, models.ParamTempDry, &out.MaxTemp},
		{"min temp", queryMinTemp, models.ParamTempDry, &out.MinTemp},
		{"max wind", queryMaxWind, models.ParamWindSpeed, &out.MaxWind},
	}

	for _, l := range lookups {
		var e models.Extreme
		err := s.db.GetContext(ctx, &e, l.query, station, l.param)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			s.log.Error().Err(err).Str("station", station).Str("extreme", l.name).Msg("extremes query failed")
			return failed[models.Extremes](l.name, err)
		}
		*l.target = &e
	}

	if out.IsEmpty() {
		return models.Empty[models.Extremes]()
	}
	return models.OK(out)
}

// MonthlyAverage is the mean of daily mean temperatures for a calendar month
// across all years.
func (s *StatsStore) MonthlyAverage(ctx context.Context, station string, month int) models.Result[float64] {
	if month < 1 || month > 12 {
		return models.Failed[float64](fmt.Errorf("%w: month %d out of range", ErrQueryFailed, month))
	}

	var avg sql.NullFloat64
	err := s.db.GetContext(ctx, &avg, `
		SELECT AVG(d.avg_val)
		FROM daily_stats d
		JOIN stations s ON s.id = d.station_id
		JOIN parameters p ON p.id = d.parameter_id
		WHERE s.external_id = ? AND p.external_id = ?
			AND CAST(substr(d.date, 6, 2) AS INTEGER) = ?
	`, station, models.ParamTempDry, month)
	if err != nil {
		s.log.Error().Err(err).Str("station", station).Int("month", month).Msg("monthly average query failed")
		return failed[float64]("monthly average", err)
	}
	if !avg.Valid {
		return models.Empty[float64]()
	}
	return models.OK(avg.Float64)
}

const periodSelect = `
		MIN(d.min_val) AS min_val,
		MAX(d.max_val) AS max_val,
		AVG(d.avg_val) AS avg_val,
		COUNT(*) AS days
	FROM daily_stats d
	JOIN stations s ON s.id = d.station_id
	JOIN parameters p ON p.id = d.parameter_id
	WHERE s.external_id = ? AND p.external_id = ?
`

const queryPeriod = `
	SELECT CAST(substr(d.date, 1, 4) AS INTEGER) AS year,` + periodSelect + `
		AND substr(d.date, 6, 5) BETWEEN ? AND ?
	GROUP BY year
	ORDER BY year
`

// Days on or before the end month-day belong to the season that started the
// previous year.
const queryPeriodWrapped = `
	SELECT CASE
			WHEN substr(d.date, 6, 5) <= ? THEN CAST(substr(d.date, 1, 4) AS INTEGER) - 1
			ELSE CAST(substr(d.date, 1, 4) AS INTEGER)
		END AS year,` + periodSelect + `
		AND (substr(d.date, 6, 5) >= ? OR substr(d.date, 6, 5) <= ?)
	GROUP BY year
	ORDER BY year
`

// PeriodStatsPerYear summarises a recurring calendar window for every year
// it occurs in. A window whose start falls after its end wraps the new year
// and is labelled with the year it starts in.
func (s *StatsStore) PeriodStatsPerYear(ctx context.Context, station, parameter string, start, end models.MonthDay) models.Result[[]models.PeriodStat] {
	var (
		stats []models.PeriodStat
		err   error
	)
	if start.After(end) {
		err = s.db.SelectContext(ctx, &stats, queryPeriodWrapped, end.String(), station, parameter, start.String(), end.String())
	} else {
		err = s.db.SelectContext(ctx, &stats, queryPeriod, station, parameter, start.String(), end.String())
	}
	if err != nil {
		s.log.Error().Err(err).
			Str("station", station).
			Str("parameter", parameter).
			Stringer("start", start).
			Stringer("end", end).
			Msg("period query failed")
		return failed[[]models.PeriodStat]("period stats", err)
	}
	if len(stats) == 0 {
		return models.Empty[[]models.PeriodStat]()
	}
	return models.OK(stats)
}

// DailySeries returns daily stats for the inclusive date range [from, to].
func (s *StatsStore) DailySeries(ctx context.Context, station, parameter string, from, to time.Time) models.Result[[]models.DailyStat] {
	var stats []models.DailyStat
	err := s.db.SelectContext(ctx, &stats, `
		SELECT d.station_id, d.parameter_id, d.date, d.min_val, d.max_val, d.avg_val, d.count
		FROM daily_stats d
		JOIN stations s ON s.id = d.station_id
		JOIN parameters p ON p.id = d.parameter_id
		WHERE s.external_id = ? AND p.external_id = ? AND d.date BETWEEN ? AND ?
		ORDER BY d.date
	`, station, parameter, from.UTC().Format(dateLayout), to.UTC().Format(dateLayout))
	if err != nil {
		s.log.Error().Err(err).Str("station", station).Str("parameter", parameter).Msg("daily series query failed")
		return failed[[]models.DailyStat]("daily series", err)
	}
	if len(stats) == 0 {
		return models.Empty[[]models.DailyStat]()
	}
	return models.OK(stats)
}

func (s *StatsStore) MonthlyStats(ctx context.Context, station, parameter string) models.Result[[]models.MonthlyStat] {
	var stats []models.MonthlyStat
	err := s.db.SelectContext(ctx, &stats, `
		SELECT m.station_id, m.parameter_id, m.year, m.month, m.min_val, m.max_val, m.avg_val, m.days
		FROM monthly_stats m
		JOIN stations s ON s.id = m.station_id
		JOIN parameters p ON p.id = m.parameter_id
		WHERE s.external_id = ? AND p.external_id = ?
		ORDER BY m.year, m.month
	`, station, parameter)
	if err != nil {
		s.log.Error().Err(err).Str("station", station).Str("parameter", parameter).Msg("monthly stats query failed")
		return failed[[]models.MonthlyStat]("monthly stats", err)
	}
	if len(stats) == 0 {
		return models.Empty[[]models.MonthlyStat]()
	}
	return models.OK(stats)
}

func (s *StatsStore) Stations(ctx context.Context) models.Result[[]models.Station] {
	var stations []models.Station
	if err := s.db.SelectContext(ctx, &stations, `SELECT id, external_id, COALESCE(name, '') AS name FROM stations ORDER BY external_id`); err != nil {
		return failed[[]models.Station]("stations", err)
	}
	if len(stations) == 0 {
		return models.Empty[[]models.Station]()
	}
	return models.OK(stations)
}

func (s *StatsStore) Parameters(ctx context.Context) models.Result[[]models.Parameter] {
	var params []models.Parameter
	if err := s.db.SelectContext(ctx, &params, `SELECT id, external_id, COALESCE(name, '') AS name FROM parameters ORDER BY external_id`); err != nil {
		return failed[[]models.Parameter]("parameters", err)
	}
	if len(params) == 0 {
		return models.Empty[[]models.Parameter]()
	}
	return models.OK(params)
}
