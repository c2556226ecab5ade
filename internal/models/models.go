package models

import (
	"time"
)

// Parameter identifiers with fixed meaning in the query layer.
const (
	ParamTempDry   = "temp_dry"
	ParamWindSpeed = "wind_speed"
)

// DefaultSamplingInterval is the native frequency of most metObs parameters.
const DefaultSamplingInterval = 10 * time.Minute

type Station struct {
	ID         int64  `db:"id" json:"-"`
	ExternalID string `db:"external_id" json:"id"`
	Name       string `db:"name" json:"name"`
}

type Parameter struct {
	ID               int64         `db:"id" json:"-"`
	ExternalID       string        `db:"external_id" json:"id"`
	Name             string        `db:"name" json:"name"`
	SamplingInterval time.Duration `db:"-" json:"-"`
}

// Observation is a single stored measurement keyed by surrogate ids.
type Observation struct {
	StationID   int64
	ParameterID int64
	ObservedAt  time.Time
	Value       float64
}

type DailyStat struct {
	StationID   int64   `db:"station_id" json:"-"`
	ParameterID int64   `db:"parameter_id" json:"-"`
	Date        string  `db:"date" json:"date"` // YYYY-MM-DD, UTC
	Min         float64 `db:"min_val" json:"min"`
	Max         float64 `db:"max_val" json:"max"`
	Avg         float64 `db:"avg_val" json:"avg"`
	Count       int64   `db:"count" json:"count"`
}

type MonthlyStat struct {
	StationID   int64   `db:"station_id" json:"-"`
	ParameterID int64   `db:"parameter_id" json:"-"`
	Year        int     `db:"year" json:"year"`
	Month       int     `db:"month" json:"month"`
	Min         float64 `db:"min_val" json:"min"`
	Max         float64 `db:"max_val" json:"max"`
	Avg         float64 `db:"avg_val" json:"avg"`
	Days        int64   `db:"days" json:"days"`
}

type Extreme struct {
	Value float64 `db:"value" json:"value"`
	Date  string  `db:"date" json:"date"`
}

// Extremes holds all-time records for a station. A nil field means the
// station has no daily stats for that parameter.
type Extremes struct {
	MaxTemp *Extreme `json:"max_temp"`
	MinTemp *Extreme `json:"min_temp"`
	MaxWind *Extreme `json:"max_wind"`
}

func (e Extremes) IsEmpty() bool {
	return e.MaxTemp == nil && e.MinTemp == nil && e.MaxWind == nil
}

// PeriodStat summarises one occurrence of a recurring calendar window.
type PeriodStat struct {
	Year int     `db:"year" json:"year"`
	Min  float64 `db:"min_val" json:"min"`
	Max  float64 `db:"max_val" json:"max"`
	Avg  float64 `db:"avg_val" json:"avg"`
	Days int64   `db:"days" json:"days"`
}

// SeriesPoint is one row of an ad-hoc time series as shown to the dashboard.
type SeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     *float64  `json:"value"`
	Parameter string    `json:"parameter"`
	Station   string    `json:"station"`
}

// Catalog is the set of stations and parameters known to the system.
type Catalog struct {
	Stations   []Station
	Parameters []Parameter
}

// SamplingIntervals maps parameter external ids to their native frequency.
func (c Catalog) SamplingIntervals() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Parameters))
	for _, p := range c.Parameters {
		if p.SamplingInterval > 0 {
			out[p.ExternalID] = p.SamplingInterval
		}
	}
	return out
}
