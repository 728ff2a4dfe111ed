package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/employee-import/internal/domain"
)

// ProcessedRecordRepo implements the per-job dedup ledger.
type ProcessedRecordRepo struct{ db *sql.DB }

// NewProcessedRecordRepo creates a Postgres-backed dedup ledger repository.
func NewProcessedRecordRepo(db *sql.DB) *ProcessedRecordRepo { return &ProcessedRecordRepo{db: db} }

// BulkInsertTx writes a chunk's ledger rows inside the chunk transaction
// using the COPY protocol.
func (r *ProcessedRecordRepo) BulkInsertTx(ctx context.Context, tx DBTX, records []domain.ProcessedRecord) error {
	if len(records) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("import_processed_records",
		"import_job_id", "employee_number", "email", "row_number", "status"))
	if err != nil {
		return fmt.Errorf("prepare ledger copy: %w", err)
	}

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.ImportJobID,
			nullable(rec.EmployeeNumber), nullable(rec.Email),
			rec.RowNumber, rec.Status); err != nil {
			stmt.Close()
			return fmt.Errorf("copy ledger row %d: %w", rec.RowNumber, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush ledger copy: %w", err)
	}
	return stmt.Close()
}

// LoadKeys reloads the processed employee_number and email sets for a job —
// the resumption path of the deduplicator.
func (r *ProcessedRecordRepo) LoadKeys(ctx context.Context, jobID string) (numbers, emails map[string]bool, err error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT COALESCE(employee_number, ''), COALESCE(email, '')
		FROM import_processed_records
		WHERE import_job_id = $1 AND status = $2
	`, jobID, domain.RecordStatusProcessed)
	if err != nil {
		return nil, nil, fmt.Errorf("load ledger keys: %w", err)
	}
	defer rows.Close()

	numbers = make(map[string]bool)
	emails = make(map[string]bool)
	for rows.Next() {
		var number, email string
		if err := rows.Scan(&number, &email); err != nil {
			return nil, nil, fmt.Errorf("scan ledger key: %w", err)
		}
		if number != "" {
			numbers[number] = true
		}
		if email != "" {
			emails[email] = true
		}
	}
	return numbers, emails, rows.Err()
}

// CountByJob returns the ledger row count for a job (consistency check input).
func (r *ProcessedRecordRepo) CountByJob(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM import_processed_records WHERE import_job_id = $1
	`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ledger rows: %w", err)
	}
	return n, nil
}

// DuplicateKeyCounts returns how many processed employee_numbers and emails
// appear more than once in a job's ledger. Both should be zero.
func (r *ProcessedRecordRepo) DuplicateKeyCounts(ctx context.Context, jobID string) (dupNumbers, dupEmails int64, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT employee_number FROM import_processed_records
			WHERE import_job_id = $1 AND employee_number IS NOT NULL
			GROUP BY employee_number HAVING COUNT(*) > 1
		) d
	`, jobID).Scan(&dupNumbers)
	if err != nil {
		return 0, 0, fmt.Errorf("count duplicate numbers: %w", err)
	}
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT email FROM import_processed_records
			WHERE import_job_id = $1 AND email IS NOT NULL
			GROUP BY email HAVING COUNT(*) > 1
		) d
	`, jobID).Scan(&dupEmails)
	if err != nil {
		return 0, 0, fmt.Errorf("count duplicate emails: %w", err)
	}
	return dupNumbers, dupEmails, nil
}

// DeleteAfterRow drops ledger rows past a restored checkpoint so a rerun's
// rebuilt session sets match the rewound counters.
func (r *ProcessedRecordRepo) DeleteAfterRow(ctx context.Context, jobID string, lastRow int64) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM import_processed_records
		WHERE import_job_id = $1 AND row_number > $2
	`, jobID, lastRow)
	if err != nil {
		return fmt.Errorf("truncate ledger rows: %w", err)
	}
	return nil
}

// MaxRowTx returns the highest ledger row number for a job within the
// transaction. Used by boundary tests and recovery diagnostics.
func (r *ProcessedRecordRepo) MaxRowTx(ctx context.Context, tx DBTX, jobID string) (int64, error) {
	var n sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(row_number) FROM import_processed_records WHERE import_job_id = $1
	`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("max ledger row: %w", err)
	}
	return n.Int64, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
