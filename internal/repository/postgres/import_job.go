package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/employee-import/internal/domain"
)

// ErrJobNotFound is returned when the job id has no row.
var ErrJobNotFound = errors.New("import job not found")

// ImportJobRepo implements the import_jobs store.
type ImportJobRepo struct{ db *sql.DB }

// NewImportJobRepo creates a Postgres-backed import job repository.
func NewImportJobRepo(db *sql.DB) *ImportJobRepo { return &ImportJobRepo{db: db} }

// DB exposes the underlying handle for chunk transactions.
func (r *ImportJobRepo) DB() *sql.DB { return r.db }

const jobColumns = `
	id, filename, file_path, status, total_rows, processed_rows,
	successful_rows, error_rows, last_processed_row, file_size,
	COALESCE(file_hash, ''), file_last_modified, started_at, completed_at,
	COALESCE(failure_message, ''), COALESCE(resumption_metadata, '{}'),
	created_at, updated_at`

func scanJob(row *sql.Row) (*domain.ImportJob, error) {
	j := &domain.ImportJob{}
	var meta []byte
	err := row.Scan(
		&j.ID, &j.Filename, &j.FilePath, &j.Status, &j.TotalRows, &j.ProcessedRows,
		&j.SuccessfulRows, &j.ErrorRows, &j.LastProcessedRow, &j.FileSize,
		&j.FileHash, &j.FileLastModified, &j.StartedAt, &j.CompletedAt,
		&j.FailureMessage, &meta, &j.CreatedAt, &j.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan import job: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.ResumptionMeta); err != nil {
			return nil, fmt.Errorf("decode resumption metadata: %w", err)
		}
	}
	return j, nil
}

// Get loads a job by id.
func (r *ImportJobRepo) Get(ctx context.Context, id string) (*domain.ImportJob, error) {
	return scanJob(r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM import_jobs WHERE id = $1`, id))
}

// Create inserts a new pending job (normally done by the upload tier; kept
// for the worker's test and seeding paths).
func (r *ImportJobRepo) Create(ctx context.Context, j *domain.ImportJob) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = domain.JobStatusPending
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO import_jobs (id, filename, file_path, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`, j.ID, j.Filename, j.FilePath, j.Status)
	if err != nil {
		return fmt.Errorf("create import job: %w", err)
	}
	return nil
}

// ListClaimable returns ids of jobs a worker may pick up: pending jobs plus
// processing jobs whose lock may have expired (resumption candidates).
func (r *ImportJobRepo) ListClaimable(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM import_jobs
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC
		LIMIT $3
	`, domain.JobStatusPending, domain.JobStatusProcessing, limit)
	if err != nil {
		return nil, fmt.Errorf("list claimable jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListStuck returns processing jobs whose last update is older than the
// threshold — the external stuck-detection signal.
func (r *ImportJobRepo) ListStuck(ctx context.Context, threshold time.Duration) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM import_jobs
		WHERE status = $1 AND updated_at < NOW() - $2::interval
	`, domain.JobStatusProcessing, fmt.Sprintf("%d seconds", int(threshold.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkProcessing transitions the job into processing and stamps started_at
// if this is the first run.
func (r *ImportJobRepo) MarkProcessing(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET status = $2, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1
	`, id, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	return nil
}

// MarkCompleted finalizes a successful job and clears resumption metadata.
func (r *ImportJobRepo) MarkCompleted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET status = $2, completed_at = NOW(), resumption_metadata = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, domain.JobStatusCompleted)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkFailed records the terminal failure message.
func (r *ImportJobRepo) MarkFailed(ctx context.Context, id, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET status = $2, failure_message = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, domain.JobStatusFailed, message)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// UpdateWitness persists the file-integrity witness.
func (r *ImportJobRepo) UpdateWitness(ctx context.Context, id string, size int64, hash string, mtime time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET file_size = $2, file_hash = $3, file_last_modified = $4, updated_at = NOW()
		WHERE id = $1
	`, id, size, hash, mtime)
	if err != nil {
		return fmt.Errorf("update witness: %w", err)
	}
	return nil
}

// UpdateTotalRows persists the counted data-row total. Written before the
// first record is yielded.
func (r *ImportJobRepo) UpdateTotalRows(ctx context.Context, id string, total int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs SET total_rows = $2, updated_at = NOW() WHERE id = $1
	`, id, total)
	if err != nil {
		return fmt.Errorf("update total rows: %w", err)
	}
	return nil
}

// IncrementCountersTx applies one row's counter deltas inside the chunk
// transaction. last_processed_row only moves forward.
func (r *ImportJobRepo) IncrementCountersTx(ctx context.Context, tx DBTX, id string, success bool, rowNumber int64) error {
	var q string
	if success {
		q = `UPDATE import_jobs
			SET processed_rows = processed_rows + 1,
			    successful_rows = successful_rows + 1,
			    last_processed_row = GREATEST(last_processed_row, $2),
			    updated_at = NOW()
			WHERE id = $1`
	} else {
		q = `UPDATE import_jobs
			SET processed_rows = processed_rows + 1,
			    error_rows = error_rows + 1,
			    last_processed_row = GREATEST(last_processed_row, $2),
			    updated_at = NOW()
			WHERE id = $1`
	}
	if _, err := tx.ExecContext(ctx, q, id, rowNumber); err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	return nil
}

// CheckpointTx writes the chunk checkpoint inside the chunk transaction.
func (r *ImportJobRepo) CheckpointTx(ctx context.Context, tx DBTX, id string, lastRow int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE import_jobs
		SET last_processed_row = GREATEST(last_processed_row, $2), updated_at = NOW()
		WHERE id = $1
	`, id, lastRow)
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// SaveResumptionMeta replaces the opaque resumption metadata map.
func (r *ImportJobRepo) SaveResumptionMeta(ctx context.Context, id string, meta map[string]interface{}) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode resumption metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE import_jobs SET resumption_metadata = $2, updated_at = NOW() WHERE id = $1
	`, id, data)
	if err != nil {
		return fmt.Errorf("save resumption metadata: %w", err)
	}
	return nil
}

// RestoreCounters rewinds the counters to a backup snapshot and resets the
// job to pending.
func (r *ImportJobRepo) RestoreCounters(ctx context.Context, id string, processed, successful, errorRows, lastRow int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET status = $2, processed_rows = $3, successful_rows = $4,
		    error_rows = $5, last_processed_row = $6,
		    completed_at = NULL, failure_message = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, domain.JobStatusPending, processed, successful, errorRows, lastRow)
	if err != nil {
		return fmt.Errorf("restore counters: %w", err)
	}
	return nil
}
