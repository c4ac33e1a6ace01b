package store

import (
	"context"
	"database/sql"
	"time"
)

// IngestRun represents a single provider call for auditing.
type IngestRun struct {
	ID                int64
	RunID             string
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	Source            string // "nws", "ticketmaster"
	Endpoint          string // "points", "forecast", "events"
	CityKey           sql.NullString
	HTTPStatus        sql.NullInt64
	ResponseSizeBytes sql.NullInt64
	RecordsParsed     sql.NullInt64
	RecordsStored     sql.NullInt64
	RecordsSkipped    sql.NullInt64
	Success           bool
	ErrorMessage      sql.NullString
	QualityFlags      sql.NullString // JSON array
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(ctx context.Context, runID, source, endpoint, cityKey string) (*IngestRun, error) {
	run := &IngestRun{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		Source:    source,
		Endpoint:  endpoint,
	}
	if cityKey != "" {
		run.CityKey = sql.NullString{String: cityKey, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (run_id, started_at, source, endpoint, city_key, success)
		VALUES (?, ?, ?, ?, ?, FALSE)
	`, run.RunID, run.StartedAt, run.Source, run.Endpoint, run.CityKey)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs SET
			finished_at = ?,
			http_status = ?,
			response_size_bytes = ?,
			records_parsed = ?,
			records_stored = ?,
			records_skipped = ?,
			success = ?,
			error_message = ?,
			quality_flags = ?
		WHERE id = ?
	`, run.FinishedAt, run.HTTPStatus, run.ResponseSizeBytes, run.RecordsParsed,
		run.RecordsStored, run.RecordsSkipped, run.Success, run.ErrorMessage, run.QualityFlags, run.ID)
	return err
}

// IngestSummary counts calls for one source and endpoint within a run.
type IngestSummary struct {
	Source   string
	Endpoint string
	Total    int
	Failed   int
	Stored   int64
	Skipped  int64
}

// GetIngestSummary aggregates the audit rows written for a pipeline run.
func (s *Store) GetIngestSummary(ctx context.Context, runID string) ([]IngestSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, endpoint, COUNT(*),
			SUM(CASE WHEN success THEN 0 ELSE 1 END),
			COALESCE(SUM(records_stored), 0),
			COALESCE(SUM(records_skipped), 0)
		FROM ingest_runs
		WHERE run_id = ?
		GROUP BY source, endpoint
		ORDER BY source, endpoint
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IngestSummary
	for rows.Next() {
		var sum IngestSummary
		if err := rows.Scan(&sum.Source, &sum.Endpoint, &sum.Total, &sum.Failed, &sum.Stored, &sum.Skipped); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetIngestRuns returns the audit rows of a pipeline run in call order.
func (s *Store) GetIngestRuns(ctx context.Context, runID string) ([]IngestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, started_at, finished_at, source, endpoint, city_key,
			   http_status, response_size_bytes, records_parsed, records_stored,
			   records_skipped, success, error_message, quality_flags
		FROM ingest_runs
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		if err := rows.Scan(&r.ID, &r.RunID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Endpoint,
			&r.CityKey, &r.HTTPStatus, &r.ResponseSizeBytes, &r.RecordsParsed, &r.RecordsStored,
			&r.RecordsSkipped, &r.Success, &r.ErrorMessage, &r.QualityFlags); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
