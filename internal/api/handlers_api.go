package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lox/dmistats/internal/models"
)

const dateLayout = "2006-01-02"

type statusBody struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, statusBody{Status: "invalid", Error: msg})
}

// writeResult maps a query outcome onto HTTP. Driver errors are logged, not
// returned to the client.
func writeResult[T any](s *Server, w http.ResponseWriter, r *http.Request, res models.Result[T]) {
	switch res.Status {
	case models.StatusOK:
		writeJSON(w, http.StatusOK, res.Value)
	case models.StatusEmpty:
		writeJSON(w, http.StatusNotFound, statusBody{Status: "empty"})
	default:
		s.log.Error().Err(res.Err).Str("path", r.URL.Path).Msg("query failed")
		writeJSON(w, http.StatusInternalServerError, statusBody{Status: "failed", Error: "query failed"})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.stats.DailyStatsCount(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, statusBody{Status: "unavailable", Error: "stats store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "daily_stats": n})
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	res := s.stats.Stations(r.Context())
	if res.Status == models.StatusEmpty {
		writeJSON(w, http.StatusOK, []models.Station{})
		return
	}
	writeResult(s, w, r, res)
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	res := s.stats.Parameters(r.Context())
	if res.Status == models.StatusEmpty {
		writeJSON(w, http.StatusOK, []models.Parameter{})
		return
	}
	writeResult(s, w, r, res)
}

func (s *Server) handleExtremes(w http.ResponseWriter, r *http.Request) {
	writeResult(s, w, r, s.stats.StationExtremes(r.Context(), chi.URLParam(r, "station")))
}

type monthlyAverageBody struct {
	Station string  `json:"station"`
	Month   int     `json:"month"`
	Avg     float64 `json:"avg"`
}

func (s *Server) handleMonthlyAverage(w http.ResponseWriter, r *http.Request) {
	station := chi.URLParam(r, "station")
	month, err := strconv.Atoi(r.URL.Query().Get("month"))
	if err != nil || month < 1 || month > 12 {
		badRequest(w, "month must be 1-12")
		return
	}

	res := s.stats.MonthlyAverage(r.Context(), station, month)
	if res.Found() {
		writeJSON(w, http.StatusOK, monthlyAverageBody{Station: station, Month: month, Avg: res.Value})
		return
	}
	writeResult(s, w, r, res)
}

func parameterOrDefault(r *http.Request) string {
	if p := r.URL.Query().Get("parameter"); p != "" {
		return p
	}
	return models.ParamTempDry
}

func (s *Server) handlePeriod(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := models.ParseMonthDay(q.Get("start"))
	if err != nil {
		badRequest(w, "start: "+err.Error())
		return
	}
	end, err := models.ParseMonthDay(q.Get("end"))
	if err != nil {
		badRequest(w, "end: "+err.Error())
		return
	}

	writeResult(s, w, r, s.stats.PeriodStatsPerYear(r.Context(), chi.URLParam(r, "station"), parameterOrDefault(r), start, end))
}

// dateRange parses from/to query dates, defaulting to the year up to today.
func (s *Server) dateRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	to := s.cfg.Now().UTC().Truncate(24 * time.Hour)
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = t
	}
	from := to.AddDate(-1, 0, 0)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = t
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, errFromAfterTo
	}
	return from, to, nil
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.dateRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	writeResult(s, w, r, s.stats.DailySeries(r.Context(), chi.URLParam(r, "station"), parameterOrDefault(r), from, to))
}

func (s *Server) handleMonthly(w http.ResponseWriter, r *http.Request) {
	writeResult(s, w, r, s.stats.MonthlyStats(r.Context(), chi.URLParam(r, "station"), parameterOrDefault(r)))
}
