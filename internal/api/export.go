package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lox/dmistats/internal/ingest"
	"github.com/lox/dmistats/internal/models"
)

var errFromAfterTo = errors.New("from is after to")

type seriesBody struct {
	Station   string               `json:"station"`
	Parameter string               `json:"parameter"`
	From      string               `json:"from"`
	To        string               `json:"to"`
	Partial   bool                 `json:"partial"`
	Error     string               `json:"error,omitempty"`
	Points    []models.SeriesPoint `json:"points"`
}

func toSeries(recs []ingest.Record) []models.SeriesPoint {
	points := make([]models.SeriesPoint, len(recs))
	for i, rec := range recs {
		points[i] = models.SeriesPoint{
			Timestamp: rec.ObservedAt,
			Value:     rec.Value,
			Parameter: rec.ParameterID,
			Station:   rec.StationID,
		}
	}
	return points
}

func wantsCSV(r *http.Request) bool {
	if r.URL.Query().Get("format") == "csv" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/csv")
}

// handleObservations fetches an ad-hoc series from the provider with the
// interactive page size. Records retrieved before a provider failure are
// still returned and marked partial.
func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	station := q.Get("station")
	if station == "" {
		badRequest(w, "station is required")
		return
	}
	parameter := parameterOrDefault(r)

	from, to, err := s.dateRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	recs, err := s.fetcher.FetchRange(r.Context(), ingest.Query{
		StationID:   station,
		ParameterID: parameter,
		Start:       from,
		End:         to.Add(24*time.Hour - time.Second),
		PageSize:    ingest.InteractivePageSize,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("station", station).Str("parameter", parameter).Int("records", len(recs)).Msg("series fetch failed")
		if len(recs) == 0 {
			writeJSON(w, http.StatusBadGateway, statusBody{Status: "failed", Error: err.Error()})
			return
		}
	}

	points := toSeries(recs)
	if wantsCSV(r) {
		writeSeriesCSV(w, station, points, err != nil)
		return
	}

	body := seriesBody{
		Station:   station,
		Parameter: parameter,
		From:      from.Format(dateLayout),
		To:        to.Format(dateLayout),
		Points:    points,
	}
	if err != nil {
		body.Partial = true
		body.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func safeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
			return r
		}
		return -1
	}, s)
}

func writeSeriesCSV(w http.ResponseWriter, station string, points []models.SeriesPoint, partial bool) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="dmi_%s.csv"`, safeFilename(station)))
	if partial {
		w.Header().Set("X-Partial-Result", "true")
	}

	cw := csv.NewWriter(w)
	cw.Write([]string{"timestamp", "value", "parameter", "station"})
	for _, p := range points {
		value := ""
		if p.Value != nil {
			value = strconv.FormatFloat(*p.Value, 'f', -1, 64)
		}
		cw.Write([]string{p.Timestamp.UTC().Format(time.RFC3339), value, p.Parameter, p.Station})
	}
	cw.Flush()
}
