package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/employee-import/internal/domain"
)

func setupJobRepo(t *testing.T) (*ImportJobRepo, *sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	return NewImportJobRepo(db), db, mock, func() { db.Close() }
}

var jobCols = []string{"id", "filename", "file_path", "status", "total_rows",
	"processed_rows", "successful_rows", "error_rows", "last_processed_row",
	"file_size", "file_hash", "file_last_modified", "started_at", "completed_at",
	"failure_message", "resumption_metadata", "created_at", "updated_at"}

func TestImportJobRepo_Get(t *testing.T) {
	repo, _, mock, cleanup := setupJobRepo(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM import_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobCols).AddRow(
			"job-1", "staff.csv", "imports/staff.csv", "processing", int64(100),
			int64(40), int64(38), int64(2), int64(40),
			int64(2048), "deadbeef", now, now, nil, "",
			[]byte(`{"backup":{"processed_rows":20}}`), now, now))

	job, err := repo.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.Status != domain.JobStatusProcessing || job.ProcessedRows != 40 {
		t.Errorf("Unexpected job: %+v", job)
	}
	if job.ResumptionMeta["backup"] == nil {
		t.Error("Resumption metadata not decoded")
	}
	if !job.IsResumable() {
		t.Error("Mid-flight job with checkpoint should be resumable")
	}
}

func TestImportJobRepo_GetNotFound(t *testing.T) {
	repo, _, mock, cleanup := setupJobRepo(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM import_jobs WHERE id").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "nope")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestImportJobRepo_IncrementCounters(t *testing.T) {
	repo, db, mock, cleanup := setupJobRepo(t)
	defer cleanup()

	mock.ExpectBegin()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	mock.ExpectExec("successful_rows = successful_rows \\+ 1").
		WithArgs("job-1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.IncrementCountersTx(context.Background(), tx, "job-1", true, 7); err != nil {
		t.Fatalf("IncrementCountersTx(success) failed: %v", err)
	}

	mock.ExpectExec("error_rows = error_rows \\+ 1").
		WithArgs("job-1", int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.IncrementCountersTx(context.Background(), tx, "job-1", false, 8); err != nil {
		t.Fatalf("IncrementCountersTx(error) failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestImportJobRepo_CheckpointMovesForwardOnly(t *testing.T) {
	repo, db, mock, cleanup := setupJobRepo(t)
	defer cleanup()

	mock.ExpectBegin()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	mock.ExpectExec("GREATEST\\(last_processed_row").
		WithArgs("job-1", int64(20)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.CheckpointTx(context.Background(), tx, "job-1", 20); err != nil {
		t.Fatalf("CheckpointTx failed: %v", err)
	}
}

func TestImportJobRepo_MarkCompletedClearsMetadata(t *testing.T) {
	repo, _, mock, cleanup := setupJobRepo(t)
	defer cleanup()

	mock.ExpectExec("resumption_metadata = NULL").
		WithArgs("job-1", domain.JobStatusCompleted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.MarkCompleted(context.Background(), "job-1"); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
}

func TestImportJobRepo_ListClaimable(t *testing.T) {
	repo, _, mock, cleanup := setupJobRepo(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id FROM import_jobs").
		WithArgs(domain.JobStatusPending, domain.JobStatusProcessing, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))

	ids, err := repo.ListClaimable(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListClaimable failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" {
		t.Errorf("Unexpected ids: %v", ids)
	}
}

func TestImportJobRepo_ListStuck(t *testing.T) {
	repo, _, mock, cleanup := setupJobRepo(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id FROM import_jobs").
		WithArgs(domain.JobStatusProcessing, "1800 seconds").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("stuck-1"))

	ids, err := repo.ListStuck(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("ListStuck failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stuck-1" {
		t.Errorf("Unexpected ids: %v", ids)
	}
}
