package store

import (
	"context"
	"database/sql"
	"time"
)

// IngestRun records one (station, parameter, year) unit of an ingestion run.
type IngestRun struct {
	ID             int64          `db:"id"`
	RunID          string         `db:"run_id"`
	Station        string         `db:"station"`
	Parameter      string         `db:"parameter"`
	Year           int            `db:"year"`
	StartedAt      string         `db:"started_at"`
	FinishedAt     sql.NullString `db:"finished_at"`
	Status         string         `db:"status"` // running, fetched, skipped, failed
	ExistingRows   sql.NullInt64  `db:"existing_rows"`
	Pages          sql.NullInt64  `db:"pages"`
	RecordsFetched sql.NullInt64  `db:"records_fetched"`
	RecordsStored  sql.NullInt64  `db:"records_stored"`
	RecordsFlagged sql.NullInt64  `db:"records_flagged"`
	ErrorMessage   sql.NullString `db:"error_message"`
}

// StartIngestRun creates a running audit row for a unit.
func (s *Store) StartIngestRun(ctx context.Context, runID, station, parameter string, year int) (*IngestRun, error) {
	run := &IngestRun{
		RunID:     runID,
		Station:   station,
		Parameter: parameter,
		Year:      year,
		StartedAt: time.Now().UTC().Format(timeLayout),
		Status:    "running",
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (run_id, station, parameter, year, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.RunID, run.Station, run.Parameter, run.Year, run.StartedAt, run.Status)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteIngestRun stores the final status and counters of a unit.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullString{String: time.Now().UTC().Format(timeLayout), Valid: true}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs SET
			finished_at = ?,
			status = ?,
			existing_rows = ?,
			pages = ?,
			records_fetched = ?,
			records_stored = ?,
			records_flagged = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.Status, run.ExistingRows, run.Pages, run.RecordsFetched,
		run.RecordsStored, run.RecordsFlagged, run.ErrorMessage, run.ID)
	return err
}

// IngestRunsFor returns the audit rows of one run in insertion order.
func (s *Store) IngestRunsFor(ctx context.Context, runID string) ([]IngestRun, error) {
	var runs []IngestRun
	err := s.db.SelectContext(ctx, &runs, `
		SELECT id, run_id, station, parameter, year, started_at, finished_at, status,
			existing_rows, pages, records_fetched, records_stored, records_flagged, error_message
		FROM ingest_runs
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	return runs, err
}

// RecentIngestFailures returns the most recent failed units.
func (s *Store) RecentIngestFailures(ctx context.Context, limit int) ([]IngestRun, error) {
	var runs []IngestRun
	err := s.db.SelectContext(ctx, &runs, `
		SELECT id, run_id, station, parameter, year, started_at, finished_at, status,
			existing_rows, pages, records_fetched, records_stored, records_flagged, error_message
		FROM ingest_runs
		WHERE status = 'failed'
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	return runs, err
}
