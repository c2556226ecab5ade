package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var rawMigrations = []migration{
	{
		Version:     1,
		Description: "Lookup tables and observations",
		SQL: `
CREATE TABLE IF NOT EXISTS stations (
    id INTEGER PRIMARY KEY,
    external_id TEXT NOT NULL UNIQUE,
    name TEXT
);

CREATE TABLE IF NOT EXISTS parameters (
    id INTEGER PRIMARY KEY,
    external_id TEXT NOT NULL UNIQUE,
    name TEXT
);

CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    station_id INTEGER NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
    parameter_id INTEGER NOT NULL REFERENCES parameters(id) ON DELETE CASCADE,
    observed_at TEXT NOT NULL,
    value REAL NOT NULL,
    UNIQUE(station_id, parameter_id, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_obs_lookup ON observations(station_id, parameter_id, observed_at);
`,
	},
	{
		Version:     2,
		Description: "Ingest run auditing",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    station TEXT NOT NULL,
    parameter TEXT NOT NULL,
    year INTEGER NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    status TEXT NOT NULL DEFAULT 'running',
    existing_rows INTEGER,
    pages INTEGER,
    records_fetched INTEGER,
    records_stored INTEGER,
    records_flagged INTEGER,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_run ON ingest_runs(run_id);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_status ON ingest_runs(status, started_at);
`,
	},
}

var statsMigrations = []migration{
	{
		Version:     1,
		Description: "Lookup copies and daily stats",
		SQL: `
CREATE TABLE IF NOT EXISTS stations (
    id INTEGER PRIMARY KEY,
    external_id TEXT NOT NULL UNIQUE,
    name TEXT
);

CREATE TABLE IF NOT EXISTS parameters (
    id INTEGER PRIMARY KEY,
    external_id TEXT NOT NULL UNIQUE,
    name TEXT
);

CREATE TABLE IF NOT EXISTS daily_stats (
    station_id INTEGER NOT NULL,
    parameter_id INTEGER NOT NULL,
    date TEXT NOT NULL,
    min_val REAL NOT NULL,
    max_val REAL NOT NULL,
    avg_val REAL NOT NULL,
    count INTEGER NOT NULL,
    PRIMARY KEY (station_id, parameter_id, date)
);

CREATE INDEX IF NOT EXISTS idx_daily_date ON daily_stats(date);
`,
	},
	{
		Version:     2,
		Description: "Monthly stats",
		SQL: `
CREATE TABLE IF NOT EXISTS monthly_stats (
    station_id INTEGER NOT NULL,
    parameter_id INTEGER NOT NULL,
    year INTEGER NOT NULL,
    month INTEGER NOT NULL,
    min_val REAL NOT NULL,
    max_val REAL NOT NULL,
    avg_val REAL NOT NULL,
    days INTEGER NOT NULL,
    PRIMARY KEY (station_id, parameter_id, year, month)
);
`,
	},
}

// migrator applies a migration list, tracking versions in its own table so
// the raw and derived schemas can share one database file.
type migrator struct {
	db         *sqlx.DB
	table      string
	migrations []migration
	log        zerolog.Logger
}

func (m *migrator) migrate(ctx context.Context) error {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure %s: %w", m.table, err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, mig := range m.migrations {
		if applied[mig.Version] {
			continue
		}

		m.log.Info().Int("version", mig.Version).Str("description", mig.Description).Msg("applying migration")

		tx, err := m.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", mig.Version, err)
		}

		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", mig.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO "+m.table+" (version, description, applied_at) VALUES (?, ?, ?)",
			mig.Version, mig.Description, time.Now().UTC().Format(timeLayout),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", mig.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", mig.Version, err)
		}
	}

	return nil
}

func (m *migrator) ensureMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+m.table+` (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at TEXT
		)
	`)
	return err
}

func (m *migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	var versions []int
	if err := m.db.SelectContext(ctx, &versions, "SELECT version FROM "+m.table); err != nil {
		return nil, err
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func (m *migrator) version(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := m.db.GetContext(ctx, &version, "SELECT MAX(version) FROM "+m.table); err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
