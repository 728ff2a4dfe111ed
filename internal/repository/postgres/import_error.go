package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/employee-import/internal/domain"
)

// ImportErrorRepo implements the append-only per-job error store.
type ImportErrorRepo struct{ db *sql.DB }

// NewImportErrorRepo creates a Postgres-backed import error repository.
func NewImportErrorRepo(db *sql.DB) *ImportErrorRepo { return &ImportErrorRepo{db: db} }

// InsertTx appends one classified row error inside the chunk transaction.
func (r *ImportErrorRepo) InsertTx(ctx context.Context, tx DBTX, e *domain.ImportError) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	var rowData []byte
	if len(e.RowData) > 0 {
		var err error
		rowData, err = json.Marshal(e.RowData)
		if err != nil {
			return fmt.Errorf("encode row data: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO import_errors
			(id, import_job_id, row_number, error_type, error_message, row_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, e.ID, e.ImportJobID, e.RowNumber, e.ErrorType, e.ErrorMessage, rowData)
	if err != nil {
		return fmt.Errorf("insert import error: %w", err)
	}
	return nil
}

// DeleteAfterRow drops error rows past a restored checkpoint so error_rows
// and the error store agree after a rewind.
func (r *ImportErrorRepo) DeleteAfterRow(ctx context.Context, jobID string, lastRow int64) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM import_errors WHERE import_job_id = $1 AND row_number > $2
	`, jobID, lastRow)
	if err != nil {
		return fmt.Errorf("truncate import errors: %w", err)
	}
	return nil
}

// ErrorFilter narrows List results.
type ErrorFilter struct {
	ErrorType string
	FromRow   int64
	ToRow     int64
	Limit     int
	Offset    int
}

// List returns a page of row errors for a job ordered by row number, plus the
// total matching count for pagination.
func (r *ImportErrorRepo) List(ctx context.Context, jobID string, f ErrorFilter) ([]domain.ImportError, int64, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := `WHERE import_job_id = $1`
	args := []interface{}{jobID}
	idx := 2

	if f.ErrorType != "" {
		where += fmt.Sprintf(" AND error_type = $%d", idx)
		args = append(args, f.ErrorType)
		idx++
	}
	if f.FromRow > 0 {
		where += fmt.Sprintf(" AND row_number >= $%d", idx)
		args = append(args, f.FromRow)
		idx++
	}
	if f.ToRow > 0 {
		where += fmt.Sprintf(" AND row_number <= $%d", idx)
		args = append(args, f.ToRow)
		idx++
	}

	var total int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM import_errors `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count import errors: %w", err)
	}

	q := `SELECT id, import_job_id, row_number, error_type, error_message,
	             COALESCE(row_data, '{}'), created_at
	      FROM import_errors ` + where +
		fmt.Sprintf(" ORDER BY row_number ASC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list import errors: %w", err)
	}
	defer rows.Close()

	var out []domain.ImportError
	for rows.Next() {
		var e domain.ImportError
		var rowData []byte
		if err := rows.Scan(&e.ID, &e.ImportJobID, &e.RowNumber, &e.ErrorType,
			&e.ErrorMessage, &rowData, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan import error: %w", err)
		}
		if len(rowData) > 0 {
			_ = json.Unmarshal(rowData, &e.RowData)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// CountByType returns the error histogram for the summary operation.
func (r *ImportErrorRepo) CountByType(ctx context.Context, jobID string) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT error_type, COUNT(*) FROM import_errors
		WHERE import_job_id = $1 GROUP BY error_type
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("count errors by type: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan error count: %w", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}
