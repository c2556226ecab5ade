package api_test

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/dmistats/internal/api"
	"github.com/lox/dmistats/internal/ingest"
	"github.com/lox/dmistats/internal/models"
	"github.com/lox/dmistats/internal/store"
)

func setupTestStats(t *testing.T, seed bool) *store.StatsStore {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := store.NewStats(db, zerolog.Nop())
	require.NoError(t, s.Migrate(ctx))
	if !seed {
		return s
	}

	_, err = s.ReplaceDailyStats(ctx, store.Snapshot{
		Stations:    []models.Station{{ID: 1, ExternalID: "06180", Name: "Copenhagen Airport"}, {ID: 2, ExternalID: "06072", Name: "Aarhus"}},
		Parameters:  []models.Parameter{{ID: 1, ExternalID: "temp_dry"}, {ID: 2, ExternalID: "wind_speed"}},
		CopyLookups: true,
		Daily: []models.DailyStat{
			{StationID: 1, ParameterID: 1, Date: "2020-07-15", Min: 14, Max: 31.2, Avg: 22, Count: 144},
			{StationID: 1, ParameterID: 1, Date: "2020-12-30", Min: -2, Max: 4, Avg: 1, Count: 144},
			{StationID: 1, ParameterID: 1, Date: "2021-01-02", Min: -6.5, Max: 3, Avg: -1, Count: 144},
			{StationID: 1, ParameterID: 2, Date: "2020-10-01", Min: 2, Max: 21.4, Avg: 9, Count: 144},
		},
	})
	require.NoError(t, err)
	return s
}

type stubFetcher struct {
	recs  []ingest.Record
	err   error
	query ingest.Query
}

func (f *stubFetcher) FetchRange(_ context.Context, q ingest.Query) ([]ingest.Record, error) {
	f.query = q
	return f.recs, f.err
}

func val(v float64) *float64 { return &v }

func newServer(t *testing.T, stats *store.StatsStore, f api.SeriesFetcher) *api.Server {
	t.Helper()
	if f == nil {
		f = &stubFetcher{}
	}
	return api.NewServer(stats, f, api.Config{
		Now: func() time.Time { return time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC) },
	}, zerolog.Nop())
}

func get(t *testing.T, srv *api.Server, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, setupTestStats(t, true), nil)

	w := get(t, srv, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(4), body["daily_stats"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, setupTestStats(t, false), nil)

	w := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestStationsEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, setupTestStats(t, true), nil)

	w := get(t, srv, "/api/stations")
	require.Equal(t, http.StatusOK, w.Code)
	stations := decode[[]map[string]string](t, w)
	require.Len(t, stations, 2)
	assert.Equal(t, "06072", stations[0]["id"])
	assert.Equal(t, "Aarhus", stations[0]["name"])

	empty := newServer(t, setupTestStats(t, false), nil)
	w = get(t, empty, "/api/stations")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestExtremesEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, setupTestStats(t, true), nil)

	w := get(t, srv, "/api/stations/06180/extremes")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"max_temp": {"value": 31.2, "date": "2020-07-15"},
		"min_temp": {"value": -6.5, "date": "2021-01-02"},
		"max_wind": {"value": 21.4, "date": "2020-10-01"}
	}`, w.Body.String())

	w = get(t, srv, "/api/stations/06072/extremes")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"status": "empty"}`, w.Body.String())
}

func TestExtremesEndpoint_QueryFailure(t *testing.T) {
	t.Parallel()
	stats := setupTestStats(t, true)
	srv := newServer(t, stats, nil)
	require.NoError(t, stats.Close())

	w := get(t, srv, "/api/stations/06180/extremes")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode[map[string]string](t, w)
	assert.Equal(t, "failed", body["status"])
	assert.NotContains(t, body["error"], "sql")
}

func TestMonthlyAverageEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, setupTestStats(t, true), nil)

	w := get(t, srv, "/api/stations/06180/monthly-average?month=7")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"station": "06180", "month": 7, "avg": 22}`, w.Body.String())

	w = get(t, srv, "/api/stations/06180/monthly-average?month=3")
	assert.Equal(t, http.StatusNotFound, w.Code)

	for _, bad := range []string{"", "0", "13", "july"} {
		w = get(t, srv, "/api/stations/06180/monthly-average?month="+bad)
		assert.Equal(t, http.StatusBadRequest, w.Code, "month=%q", bad)
	}
}

func TestPeriodEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, setupTestStats(t, true), nil)

	w := get(t, srv, "/api/stations/06180/period?parameter=temp_dry&start=12-28&end=01-04")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"year": 2020, "min": -6.5, "max": 4, "avg": 0, "days": 2}]`, w.Body.String())

	w = get(t, srv, "/api/stations/06180/period?start=12-28&end=02-30")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, srv, "/api/stations/06180/period?start=03-01&end=03-31")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDailyEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, setupTestStats(t, true), nil)

	w := get(t, srv, "/api/stations/06180/daily?from=2020-12-01&to=2021-01-31")
	require.Equal(t, http.StatusOK, w.Code)
	days := decode[[]models.DailyStat](t, w)
	require.Len(t, days, 2)
	assert.Equal(t, "2020-12-30", days[0].Date)

	w = get(t, srv, "/api/stations/06180/daily?from=2021-02-01&to=2021-01-01")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestObservationsEndpoint(t *testing.T) {
	t.Parallel()
	f := &stubFetcher{recs: []ingest.Record{
		{ObservedAt: time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC), StationID: "06180", ParameterID: "temp_dry", Value: val(8.1)},
		{ObservedAt: time.Date(2021, 5, 1, 0, 10, 0, 0, time.UTC), StationID: "06180", ParameterID: "temp_dry"},
	}}
	srv := newServer(t, setupTestStats(t, false), f)

	w := get(t, srv, "/api/observations?station=06180&parameter=temp_dry&from=2021-05-01&to=2021-05-02")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, false, body["partial"])
	assert.Len(t, body["points"], 2)

	assert.Equal(t, ingest.InteractivePageSize, f.query.PageSize)
	assert.Equal(t, time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC), f.query.Start)
	assert.Equal(t, time.Date(2021, 5, 2, 23, 59, 59, 0, time.UTC), f.query.End)
}

func TestObservationsEndpoint_Partial(t *testing.T) {
	t.Parallel()
	f := &stubFetcher{
		recs: []ingest.Record{{ObservedAt: time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC), StationID: "06180", ParameterID: "temp_dry", Value: val(8.1)}},
		err:  &ingest.TransportError{Offset: 1000, StatusCode: 503, Err: errors.New("unavailable")},
	}
	srv := newServer(t, setupTestStats(t, false), f)

	w := get(t, srv, "/api/observations?station=06180")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, true, body["partial"])
	assert.Contains(t, body["error"], "offset 1000")

	f.recs = nil
	w = get(t, srv, "/api/observations?station=06180")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = get(t, srv, "/api/observations")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestObservationsEndpoint_CSV(t *testing.T) {
	t.Parallel()
	f := &stubFetcher{recs: []ingest.Record{
		{ObservedAt: time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC), StationID: "06180", ParameterID: "temp_dry", Value: val(8.1)},
		{ObservedAt: time.Date(2021, 5, 1, 0, 10, 0, 0, time.UTC), StationID: "06180", ParameterID: "temp_dry"},
	}}
	srv := newServer(t, setupTestStats(t, false), f)

	for _, req := range []struct {
		target string
		header []string
	}{
		{target: "/api/observations?station=06180&format=csv"},
		{target: "/api/observations?station=06180", header: []string{"Accept", "text/csv"}},
	} {
		w := get(t, srv, req.target, req.header...)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, `attachment; filename="dmi_06180.csv"`, w.Header().Get("Content-Disposition"))
		assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/csv"))

		rows, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
		require.NoError(t, err)
		assert.Equal(t, [][]string{
			{"timestamp", "value", "parameter", "station"},
			{"2021-05-01T00:00:00Z", "8.1", "temp_dry", "06180"},
			{"2021-05-01T00:10:00Z", "", "temp_dry", "06180"},
		}, rows)
	}
}
