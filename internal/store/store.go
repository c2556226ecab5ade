package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/lox/dmistats/internal/models"
)

// DefaultBatchSize bounds the number of rows written per transaction.
const DefaultBatchSize = 5000

// Store is the raw observation store. The ingestion engine is its only
// writer; writes are serialized through writeMu so concurrent units never
// interleave partial batches.
type Store struct {
	db      *sqlx.DB
	log     zerolog.Logger
	writeMu sync.Mutex
}

func New(db *sqlx.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, log: logger.With().Str("component", "store").Logger()}
}

// Migrate creates the raw schema if absent. Safe to call repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	m := &migrator{db: s.db, table: "schema_migrations", migrations: rawMigrations, log: s.log}
	return m.migrate(ctx)
}

func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	m := &migrator{db: s.db, table: "schema_migrations", migrations: rawMigrations, log: s.log}
	return m.version(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureLookups inserts stations and parameters not already present. Existing
// rows keep their surrogate key and name.
func (s *Store) EnsureLookups(ctx context.Context, stations []models.Station, params []models.Parameter) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lookups tx: %w", err)
	}
	defer tx.Rollback()

	for _, st := range stations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stations (external_id, name) VALUES (?, ?)
			ON CONFLICT(external_id) DO NOTHING
		`, st.ExternalID, st.Name); err != nil {
			return fmt.Errorf("insert station %s: %w", st.ExternalID, err)
		}
	}
	for _, p := range params {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO parameters (external_id, name) VALUES (?, ?)
			ON CONFLICT(external_id) DO NOTHING
		`, p.ExternalID, p.Name); err != nil {
			return fmt.Errorf("insert parameter %s: %w", p.ExternalID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) Stations(ctx context.Context) ([]models.Station, error) {
	var stations []models.Station
	err := s.db.SelectContext(ctx, &stations, `SELECT id, external_id, COALESCE(name, '') AS name FROM stations ORDER BY id`)
	return stations, err
}

func (s *Store) Parameters(ctx context.Context) ([]models.Parameter, error) {
	var params []models.Parameter
	err := s.db.SelectContext(ctx, &params, `SELECT id, external_id, COALESCE(name, '') AS name FROM parameters ORDER BY id`)
	return params, err
}

// ResolveStation looks up a single station surrogate key.
func (s *Store) ResolveStation(ctx context.Context, externalID string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `SELECT id FROM stations WHERE external_id = ?`, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &NotFoundError{Kind: "station", ExternalID: externalID}
	}
	return id, err
}

// InsertObservations writes observations in transactions of at most
// batchSize rows. Rows whose (station, parameter, observed_at) already exist
// are skipped silently. Returns the number of rows actually inserted.
func (s *Store) InsertObservations(ctx context.Context, obs []models.Observation, batchSize int) (int64, error) {
	if len(obs) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var inserted int64
	for start := 0; start < len(obs); start += batchSize {
		end := min(start+batchSize, len(obs))
		n, err := s.insertBatch(ctx, obs[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (s *Store) insertBatch(ctx context.Context, batch []models.Observation) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO observations (station_id, parameter_id, observed_at, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(station_id, parameter_id, observed_at) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, o := range batch {
		res, err := stmt.ExecContext(ctx, o.StationID, o.ParameterID, o.ObservedAt.UTC().Format(timeLayout), o.Value)
		if err != nil {
			return 0, fmt.Errorf("insert observation %d/%d at %s: %w", o.StationID, o.ParameterID, o.ObservedAt.Format(timeLayout), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return inserted, nil
}

// CountObservations counts rows for a station/parameter with observed_at in
// the half-open range [from, to).
func (s *Store) CountObservations(ctx context.Context, stationID, parameterID int64, from, to time.Time) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM observations
		WHERE station_id = ? AND parameter_id = ? AND observed_at >= ? AND observed_at < ?
	`, stationID, parameterID, from.UTC().Format(timeLayout), to.UTC().Format(timeLayout))
	return n, err
}

type observationRow struct {
	StationID   int64   `db:"station_id"`
	ParameterID int64   `db:"parameter_id"`
	ObservedAt  string  `db:"observed_at"`
	Value       float64 `db:"value"`
}

// GetObservations returns observations in [from, to) ordered by time.
func (s *Store) GetObservations(ctx context.Context, stationID, parameterID int64, from, to time.Time) ([]models.Observation, error) {
	var rows []observationRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT station_id, parameter_id, observed_at, value
		FROM observations
		WHERE station_id = ? AND parameter_id = ? AND observed_at >= ? AND observed_at < ?
		ORDER BY observed_at ASC
	`, stationID, parameterID, from.UTC().Format(timeLayout), to.UTC().Format(timeLayout)); err != nil {
		return nil, err
	}

	out := make([]models.Observation, 0, len(rows))
	for _, r := range rows {
		t, err := time.Parse(timeLayout, r.ObservedAt)
		if err != nil {
			return nil, fmt.Errorf("parse observed_at %q: %w", r.ObservedAt, err)
		}
		out = append(out, models.Observation{StationID: r.StationID, ParameterID: r.ParameterID, ObservedAt: t, Value: r.Value})
	}
	return out, nil
}

func (s *Store) TotalObservations(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM observations`)
	return n, err
}

// DailyAggregates groups every observation by station, parameter and UTC
// calendar date.
func (s *Store) DailyAggregates(ctx context.Context) ([]models.DailyStat, error) {
	var stats []models.DailyStat
	err := s.db.SelectContext(ctx, &stats, `
		SELECT
			station_id,
			parameter_id,
			substr(observed_at, 1, 10) AS date,
			MIN(value) AS min_val,
			MAX(value) AS max_val,
			AVG(value) AS avg_val,
			COUNT(value) AS count
		FROM observations
		GROUP BY station_id, parameter_id, date
		ORDER BY station_id, parameter_id, date
	`)
	return stats, err
}

// DeleteStation removes a station and, by cascade, all its observations.
// Returns the number of observations removed.
func (s *Store) DeleteStation(ctx context.Context, externalID string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.GetContext(ctx, &id, `SELECT id FROM stations WHERE external_id = ?`, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &NotFoundError{Kind: "station", ExternalID: externalID}
	}
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM observations WHERE station_id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete observations: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM stations WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("delete station: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	s.log.Info().Str("station", externalID).Int64("observations", deleted).Msg("deleted station")
	return deleted, nil
}
