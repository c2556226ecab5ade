package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/lox/dmistats/internal/models"
)

// StatsStore is the derived store holding daily and monthly statistics. It
// is rebuilt wholesale by the aggregator and read by the query layer.
type StatsStore struct {
	db  *sqlx.DB
	log zerolog.Logger
}

func NewStats(db *sqlx.DB, logger zerolog.Logger) *StatsStore {
	return &StatsStore{db: db, log: logger.With().Str("component", "stats").Logger()}
}

func (s *StatsStore) Migrate(ctx context.Context) error {
	m := &migrator{db: s.db, table: "stats_schema_migrations", migrations: statsMigrations, log: s.log}
	return m.migrate(ctx)
}

func (s *StatsStore) MigrationVersion(ctx context.Context) (int, error) {
	m := &migrator{db: s.db, table: "stats_schema_migrations", migrations: statsMigrations, log: s.log}
	return m.version(ctx)
}

func (s *StatsStore) Close() error {
	return s.db.Close()
}

// SharesFileWith reports whether both stores are backed by the same
// database file, in which case the lookup tables are already shared.
func (s *StatsStore) SharesFileWith(ctx context.Context, raw *Store) (bool, error) {
	statsFile, err := databaseFile(ctx, s.db)
	if err != nil {
		return false, fmt.Errorf("stats database file: %w", err)
	}
	rawFile, err := databaseFile(ctx, raw.db)
	if err != nil {
		return false, fmt.Errorf("raw database file: %w", err)
	}
	return statsFile != "" && statsFile == rawFile, nil
}

// Snapshot is the full content written by one rebuild.
type Snapshot struct {
	Stations   []models.Station
	Parameters []models.Parameter
	Daily      []models.DailyStat
	// CopyLookups is false when the lookup tables live in the same file.
	CopyLookups bool
}

// ReplaceDailyStats atomically swaps the derived contents for snap. Monthly
// stats are recomputed from the new daily rows in the same transaction, so a
// failure leaves the previous contents untouched. Returns the number of
// monthly rows written.
func (s *StatsStore) ReplaceDailyStats(ctx context.Context, snap Snapshot) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rebuild tx: %w", err)
	}
	defer tx.Rollback()

	if snap.CopyLookups {
		if err := replaceLookups(ctx, tx, snap.Stations, snap.Parameters); err != nil {
			return 0, err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_stats`); err != nil {
		return 0, fmt.Errorf("clear daily_stats: %w", err)
	}

	if len(snap.Daily) > 0 {
		stmt, err := tx.PrepareNamedContext(ctx, `
			INSERT INTO daily_stats (station_id, parameter_id, date, min_val, max_val, avg_val, count)
			VALUES (:station_id, :parameter_id, :date, :min_val, :max_val, :avg_val, :count)
		`)
		if err != nil {
			return 0, fmt.Errorf("prepare daily insert: %w", err)
		}
		defer stmt.Close()

		for _, d := range snap.Daily {
			if _, err := stmt.ExecContext(ctx, d); err != nil {
				return 0, fmt.Errorf("insert daily %d/%d %s: %w", d.StationID, d.ParameterID, d.Date, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM monthly_stats`); err != nil {
		return 0, fmt.Errorf("clear monthly_stats: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO monthly_stats (station_id, parameter_id, year, month, min_val, max_val, avg_val, days)
		SELECT
			station_id,
			parameter_id,
			CAST(substr(date, 1, 4) AS INTEGER) AS y,
			CAST(substr(date, 6, 2) AS INTEGER) AS m,
			MIN(min_val),
			MAX(max_val),
			AVG(avg_val),
			COUNT(*)
		FROM daily_stats
		GROUP BY station_id, parameter_id, y, m
	`)
	if err != nil {
		return 0, fmt.Errorf("compute monthly_stats: %w", err)
	}
	monthly, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rebuild: %w", err)
	}
	return monthly, nil
}

func replaceLookups(ctx context.Context, tx *sqlx.Tx, stations []models.Station, params []models.Parameter) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM stations`); err != nil {
		return fmt.Errorf("clear stations copy: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM parameters`); err != nil {
		return fmt.Errorf("clear parameters copy: %w", err)
	}
	for _, st := range stations {
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO stations (id, external_id, name) VALUES (:id, :external_id, :name)`, st); err != nil {
			return fmt.Errorf("copy station %s: %w", st.ExternalID, err)
		}
	}
	for _, p := range params {
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO parameters (id, external_id, name) VALUES (:id, :external_id, :name)`, p); err != nil {
			return fmt.Errorf("copy parameter %s: %w", p.ExternalID, err)
		}
	}
	return nil
}

func (s *StatsStore) DailyStatsCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM daily_stats`)
	return n, err
}
