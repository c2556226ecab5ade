package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/dmistats/internal/models"
)

var (
	testStations = []models.Station{
		{ExternalID: "06180", Name: "Copenhagen Airport"},
		{ExternalID: "06072", Name: "Aarhus"},
	}
	testParams = []models.Parameter{
		{ExternalID: models.ParamTempDry, Name: "Temperature"},
		{ExternalID: models.ParamWindSpeed, Name: "Wind speed"},
	}
)

func openTestDB(t *testing.T, path string) *sqlx.DB {
	t.Helper()
	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(openTestDB(t, filepath.Join(t.TempDir(), "raw.db")), zerolog.Nop())
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.EnsureLookups(context.Background(), testStations, testParams))
	return s
}

func setupTestStats(t *testing.T) *StatsStore {
	t.Helper()
	s := NewStats(openTestDB(t, filepath.Join(t.TempDir(), "stats.db")), zerolog.Nop())
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func mustResolve(t *testing.T, s *Store) *Resolver {
	t.Helper()
	r, err := s.LoadResolver(context.Background())
	require.NoError(t, err)
	return r
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	v, err := s.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(rawMigrations), v)

	stats := setupTestStats(t)
	require.NoError(t, stats.Migrate(ctx))
	v, err = stats.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(statsMigrations), v)
}

func TestMigrate_SharedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dmi.db")

	raw := New(openTestDB(t, path), zerolog.Nop())
	stats := NewStats(openTestDB(t, path), zerolog.Nop())

	require.NoError(t, raw.Migrate(ctx))
	require.NoError(t, stats.Migrate(ctx))
	require.NoError(t, raw.Migrate(ctx))

	shared, err := stats.SharesFileWith(ctx, raw)
	require.NoError(t, err)
	assert.True(t, shared)

	other := setupTestStats(t)
	shared, err = other.SharesFileWith(ctx, raw)
	require.NoError(t, err)
	assert.False(t, shared)
}

func TestEnsureLookups_KeepsExistingRows(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	before := mustResolve(t, s)
	id, err := before.Station("06180")
	require.NoError(t, err)

	require.NoError(t, s.EnsureLookups(ctx, []models.Station{
		{ExternalID: "06180", Name: "Renamed"},
		{ExternalID: "06190", Name: "Bornholm"},
	}, nil))

	stations, err := s.Stations(ctx)
	require.NoError(t, err)
	require.Len(t, stations, 3)
	assert.Equal(t, id, stations[0].ID)
	assert.Equal(t, "Copenhagen Airport", stations[0].Name)

	after := mustResolve(t, s)
	afterID, err := after.Station("06180")
	require.NoError(t, err)
	assert.Equal(t, id, afterID)
}

func TestResolver_NotFound(t *testing.T) {
	s := setupTestStore(t)
	r := mustResolve(t, s)

	_, err := r.Station("99999")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "station", nf.Kind)
	assert.Equal(t, "99999", nf.ExternalID)

	_, err = r.Parameter("humidity")
	assert.True(t, IsNotFound(err))

	_, err = s.ResolveStation(context.Background(), "99999")
	assert.True(t, IsNotFound(err))

	stations := r.Stations()
	assert.Len(t, stations, 2)
	delete(stations, "06180")
	_, err = r.Station("06180")
	assert.NoError(t, err)
	assert.Len(t, r.Parameters(), 2)
}

func testObservations(t *testing.T, s *Store, station, param string, start time.Time, n int) []models.Observation {
	t.Helper()
	r := mustResolve(t, s)
	sid, err := r.Station(station)
	require.NoError(t, err)
	pid, err := r.Parameter(param)
	require.NoError(t, err)

	obs := make([]models.Observation, n)
	for i := range obs {
		obs[i] = models.Observation{
			StationID:   sid,
			ParameterID: pid,
			ObservedAt:  start.Add(time.Duration(i) * 10 * time.Minute),
			Value:       float64(i),
		}
	}
	return obs
}

func TestInsertObservations_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	obs := testObservations(t, s, "06180", models.ParamTempDry, ts("2020-06-01T00:00:00Z"), 12)

	n, err := s.InsertObservations(ctx, obs, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	n, err = s.InsertObservations(ctx, obs, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	total, err := s.TotalObservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), total)
}

func TestInsertObservations_FirstValueWins(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	obs := testObservations(t, s, "06180", models.ParamTempDry, ts("2020-06-01T00:00:00Z"), 1)

	_, err := s.InsertObservations(ctx, obs, 0)
	require.NoError(t, err)

	revised := obs[0]
	revised.Value = 42
	n, err := s.InsertObservations(ctx, []models.Observation{revised}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := s.GetObservations(ctx, obs[0].StationID, obs[0].ParameterID, ts("2020-06-01T00:00:00Z"), ts("2020-06-02T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, got[0].Value)
}

func TestCountObservations_HalfOpenYear(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	obs := testObservations(t, s, "06180", models.ParamTempDry, ts("2020-12-31T23:40:00Z"), 4)
	_, err := s.InsertObservations(ctx, obs, 0)
	require.NoError(t, err)

	sid, pid := obs[0].StationID, obs[0].ParameterID
	n, err := s.CountObservations(ctx, sid, pid, ts("2020-01-01T00:00:00Z"), ts("2021-01-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "23:40 and 23:50 on Dec 31 count toward 2020")

	n, err = s.CountObservations(ctx, sid, pid, ts("2021-01-01T00:00:00Z"), ts("2022-01-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDeleteStation_Cascades(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	keep := testObservations(t, s, "06072", models.ParamTempDry, ts("2020-06-01T00:00:00Z"), 3)
	drop := testObservations(t, s, "06180", models.ParamTempDry, ts("2020-06-01T00:00:00Z"), 5)
	_, err := s.InsertObservations(ctx, append(keep, drop...), 0)
	require.NoError(t, err)

	deleted, err := s.DeleteStation(ctx, "06180")
	require.NoError(t, err)
	assert.Equal(t, int64(5), deleted)

	total, err := s.TotalObservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	_, err = s.ResolveStation(ctx, "06180")
	assert.True(t, IsNotFound(err))

	_, err = s.DeleteStation(ctx, "06180")
	assert.True(t, IsNotFound(err))
}

func TestDailyAggregates(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	r := mustResolve(t, s)
	sid, _ := r.Station("06180")
	pid, _ := r.Parameter(models.ParamTempDry)

	obs := []models.Observation{
		{StationID: sid, ParameterID: pid, ObservedAt: ts("2020-01-01T00:00:00Z"), Value: 1},
		{StationID: sid, ParameterID: pid, ObservedAt: ts("2020-01-01T12:00:00Z"), Value: 3},
		{StationID: sid, ParameterID: pid, ObservedAt: ts("2020-01-01T23:50:00Z"), Value: 5},
		{StationID: sid, ParameterID: pid, ObservedAt: ts("2020-01-02T00:00:00Z"), Value: -2},
	}
	_, err := s.InsertObservations(ctx, obs, 0)
	require.NoError(t, err)

	daily, err := s.DailyAggregates(ctx)
	require.NoError(t, err)
	require.Len(t, daily, 2)

	assert.Equal(t, models.DailyStat{StationID: sid, ParameterID: pid, Date: "2020-01-01", Min: 1, Max: 5, Avg: 3, Count: 3}, daily[0])
	assert.Equal(t, models.DailyStat{StationID: sid, ParameterID: pid, Date: "2020-01-02", Min: -2, Max: -2, Avg: -2, Count: 1}, daily[1])
}

func TestIngestRunAudit(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	ok, err := s.StartIngestRun(ctx, "run-1", "06180", models.ParamTempDry, 2020)
	require.NoError(t, err)
	ok.Status = "fetched"
	ok.RecordsStored.Int64, ok.RecordsStored.Valid = 10, true
	require.NoError(t, s.CompleteIngestRun(ctx, ok))

	bad, err := s.StartIngestRun(ctx, "run-1", "06180", models.ParamWindSpeed, 2020)
	require.NoError(t, err)
	bad.Status = "failed"
	bad.ErrorMessage.String, bad.ErrorMessage.Valid = "provider unavailable", true
	require.NoError(t, s.CompleteIngestRun(ctx, bad))

	runs, err := s.IngestRunsFor(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "fetched", runs[0].Status)
	assert.Equal(t, int64(10), runs[0].RecordsStored.Int64)
	assert.True(t, runs[0].FinishedAt.Valid)

	failures, err := s.RecentIngestFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, models.ParamWindSpeed, failures[0].Parameter)
	assert.Equal(t, "provider unavailable", failures[0].ErrorMessage.String)
}
