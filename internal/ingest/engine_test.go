package ingest

import (
	"context"
	"iter"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/dmistats/internal/models"
	"github.com/lox/dmistats/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "raw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, zerolog.Nop())
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.EnsureLookups(ctx,
		[]models.Station{{ExternalID: "06180", Name: "Copenhagen Airport"}, {ExternalID: "06072", Name: "Aarhus"}},
		[]models.Parameter{{ExternalID: "temp_dry"}, {ExternalID: "wind_speed"}},
	))
	return st
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestEngine(t *testing.T, st *store.Store, f Fetcher, cfg EngineConfig) *Engine {
	t.Helper()
	resolver, err := st.LoadResolver(context.Background())
	require.NoError(t, err)
	if cfg.Now == nil {
		cfg.Now = fixedNow(time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	}
	return NewEngine(st, f, resolver, cfg, zerolog.Nop())
}

func storedCount(t *testing.T, st *store.Store) int64 {
	t.Helper()
	n, err := st.TotalObservations(context.Background())
	require.NoError(t, err)
	return n
}

func TestEngine_IngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	f := newFakeDMI(t, series("06180", "temp_dry", jan2020, 30, 10*time.Minute))
	e := newTestEngine(t, st, testClient(f, 10), EngineConfig{})

	res, err := e.Ingest(ctx, "06180", "temp_dry", 2020)
	require.NoError(t, err)
	assert.Equal(t, UnitFetched, res.Status)
	assert.Equal(t, int64(30), res.Stored)
	assert.Equal(t, 30, res.Fetched)

	res, err = e.Ingest(ctx, "06180", "temp_dry", 2020)
	require.NoError(t, err)
	assert.Equal(t, UnitFetched, res.Status, "30 rows is far below the threshold")
	assert.Equal(t, int64(30), res.ExistingRows)
	assert.Equal(t, int64(0), res.Stored)

	assert.Equal(t, int64(30), storedCount(t, st))
}

func TestEngine_SkipsCompleteYearWithoutFetching(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	f := newFakeDMI(t, series("06180", "temp_dry", jan2020, 12, 30*24*time.Hour))
	e := newTestEngine(t, st, testClient(f, 100), EngineConfig{
		Intervals: map[string]time.Duration{"temp_dry": 30 * 24 * time.Hour},
	})

	res, err := e.Ingest(ctx, "06180", "temp_dry", 2020)
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.Stored)
	assert.Equal(t, int64(11), res.Threshold)

	before := f.requestCount()
	res, err = e.Ingest(ctx, "06180", "temp_dry", 2020)
	require.NoError(t, err)
	assert.Equal(t, UnitSkipped, res.Status)
	assert.Equal(t, "complete", res.SkipReason)
	assert.Equal(t, before, f.requestCount())
}

func TestEngine_SkipsFutureYear(t *testing.T) {
	st := setupTestStore(t)
	f := newFakeDMI(t, nil)
	e := newTestEngine(t, st, testClient(f, 10), EngineConfig{})

	res, err := e.Ingest(context.Background(), "06180", "temp_dry", 2022)
	require.NoError(t, err)
	assert.Equal(t, UnitSkipped, res.Status)
	assert.Equal(t, "future", res.SkipReason)
	assert.Equal(t, 0, f.requestCount())
}

func TestEngine_ClampsWindowToNow(t *testing.T) {
	st := setupTestStore(t)
	f := newFakeDMI(t, nil)
	e := newTestEngine(t, st, testClient(f, 10), EngineConfig{
		Now: fixedNow(time.Date(2021, 3, 1, 6, 30, 0, 0, time.UTC)),
	})

	_, err := e.Ingest(context.Background(), "06180", "temp_dry", 2021)
	require.NoError(t, err)
	require.Equal(t, 1, f.requestCount())
	assert.Equal(t, "2021-01-01T00:00:00Z/2021-03-01T06:30:00Z", f.requests[0].Get("datetime"))

	_, err = e.Ingest(context.Background(), "06180", "temp_dry", 2020)
	require.NoError(t, err)
	assert.Equal(t, "2020-01-01T00:00:00Z/2020-12-31T23:59:59Z", f.requests[1].Get("datetime"))
}

func TestEngine_UnknownIdentifiers(t *testing.T) {
	st := setupTestStore(t)
	f := newFakeDMI(t, nil)
	e := newTestEngine(t, st, testClient(f, 10), EngineConfig{})

	_, err := e.Ingest(context.Background(), "99999", "temp_dry", 2020)
	assert.True(t, store.IsNotFound(err))

	res, err := e.Ingest(context.Background(), "06180", "humidity", 2020)
	assert.True(t, store.IsNotFound(err))
	assert.Equal(t, UnitFailed, res.Status)
	assert.Equal(t, 0, f.requestCount())
}

func TestEngine_KeepsPagesBeforeFailure(t *testing.T) {
	st := setupTestStore(t)
	f := newFakeDMI(t, series("06180", "temp_dry", jan2020, 50, 10*time.Minute))
	f.fail = func(_, offset int) int {
		if offset == 20 {
			return http.StatusNotFound
		}
		return 0
	}
	e := newTestEngine(t, st, testClient(f, 10), EngineConfig{})

	res, err := e.Ingest(context.Background(), "06180", "temp_dry", 2020)
	require.Error(t, err)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 20, te.Offset)

	assert.Equal(t, UnitFailed, res.Status)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, int64(20), res.Stored)
	assert.Equal(t, int64(20), storedCount(t, st))

	f.mu.Lock()
	f.fail = nil
	f.mu.Unlock()
	res, err = e.Ingest(context.Background(), "06180", "temp_dry", 2020)
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.Stored, "retrying the unit only adds the missing rows")
	assert.Equal(t, int64(50), storedCount(t, st))
}

func TestEngine_SkipsMissingAndFlaggedRecords(t *testing.T) {
	features := series("06180", "temp_dry", jan2020, 5, 10*time.Minute)
	features[1].Value = nil
	features = append(features, fakeFeature{
		Observed:  jan2020.Add(time.Hour),
		Station:   "06180",
		Parameter: "temp_dry",
		Value:     ptr(1),
	})
	st := setupTestStore(t)
	f := newFakeDMI(t, features)
	e := newTestEngine(t, st, testClient(f, 10), EngineConfig{})

	// The fake filters by query, so corrupt one record after it is served by
	// wrapping the fetcher.
	e.fetcher = mislabel{Fetcher: e.fetcher, index: 5, station: "06072"}

	res, err := e.Ingest(context.Background(), "06180", "temp_dry", 2020)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Fetched)
	assert.Equal(t, 1, res.Missing)
	assert.Equal(t, 1, res.Flagged)
	assert.Equal(t, int64(4), res.Stored)
}

// mislabel rewrites the station of one record to simulate a provider
// returning data the query did not ask for.
type mislabel struct {
	Fetcher
	index   int
	station string
}

func (m mislabel) Pages(ctx context.Context, q Query) iter.Seq2[[]Record, error] {
	return func(yield func([]Record, error) bool) {
		seen := 0
		for recs, err := range m.Fetcher.Pages(ctx, q) {
			for i := range recs {
				if seen == m.index {
					recs[i].StationID = m.station
				}
				seen++
			}
			if !yield(recs, err) {
				return
			}
		}
	}
}
