package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/employee-import/internal/domain"
)

// ResumptionLogRepo implements the append-only operational event log.
type ResumptionLogRepo struct{ db *sql.DB }

// NewResumptionLogRepo creates a Postgres-backed resumption log repository.
func NewResumptionLogRepo(db *sql.DB) *ResumptionLogRepo { return &ResumptionLogRepo{db: db} }

// Append records one operational event. Logging failures are returned but
// callers treat them as non-fatal; losing a monitoring row must never stop
// the import.
func (r *ResumptionLogRepo) Append(ctx context.Context, l *domain.ResumptionLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	var meta []byte
	if len(l.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(l.Metadata)
		if err != nil {
			return fmt.Errorf("encode resumption log metadata: %w", err)
		}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO resumption_logs
			(id, import_job_id, event_type, passed, details, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, l.ID, l.ImportJobID, l.EventType, l.Passed, l.Details, meta)
	if err != nil {
		return fmt.Errorf("append resumption log: %w", err)
	}
	return nil
}

// ListByJob returns a job's events, newest first.
func (r *ResumptionLogRepo) ListByJob(ctx context.Context, jobID string, limit int) ([]domain.ResumptionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, import_job_id, event_type, passed, COALESCE(details, ''),
		       COALESCE(metadata, '{}'), created_at
		FROM resumption_logs
		WHERE import_job_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list resumption logs: %w", err)
	}
	defer rows.Close()

	var out []domain.ResumptionLog
	for rows.Next() {
		var l domain.ResumptionLog
		var meta []byte
		if err := rows.Scan(&l.ID, &l.ImportJobID, &l.EventType, &l.Passed,
			&l.Details, &meta, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan resumption log: %w", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &l.Metadata)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
