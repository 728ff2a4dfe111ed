package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/employee-import/internal/domain"
	"github.com/ignite/employee-import/internal/repository/postgres"
)

func setupIntegrityTest(t *testing.T) (*IntegrityChecker, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	c := NewIntegrityChecker(postgres.NewImportJobRepo(db), postgres.NewResumptionLogRepo(db))
	return c, mock, func() { db.Close() }
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	return path
}

func TestComputeWitness(t *testing.T) {
	path := writeTempFile(t, "hello import\n")
	w, err := ComputeWitness(path)
	if err != nil {
		t.Fatalf("ComputeWitness failed: %v", err)
	}
	if w.Size != 13 {
		t.Errorf("Expected size 13, got %d", w.Size)
	}
	if len(w.Hash) != 64 {
		t.Errorf("Expected 64-hex sha256, got %q", w.Hash)
	}

	again, err := ComputeWitness(path)
	if err != nil {
		t.Fatalf("ComputeWitness failed: %v", err)
	}
	if again.Hash != w.Hash {
		t.Error("Witness hash must be deterministic")
	}
}

func TestCapture_PersistsWitness(t *testing.T) {
	c, mock, cleanup := setupIntegrityTest(t)
	defer cleanup()

	path := writeTempFile(t, "a,b,c\n1,2,3\n")
	mock.ExpectExec("UPDATE import_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &domain.ImportJob{ID: "job-1"}
	if err := c.Capture(context.Background(), job, path); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if !job.HasWitness() {
		t.Error("Job should carry the witness after capture")
	}
}

func TestVerifyForResumption_Match(t *testing.T) {
	c, mock, cleanup := setupIntegrityTest(t)
	defer cleanup()

	path := writeTempFile(t, "stable bytes")
	w, err := ComputeWitness(path)
	if err != nil {
		t.Fatalf("ComputeWitness failed: %v", err)
	}

	mock.ExpectExec("INSERT INTO resumption_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &domain.ImportJob{
		ID:               "job-1",
		FileSize:         w.Size,
		FileHash:         w.Hash,
		FileLastModified: &w.LastModified,
	}
	if err := c.VerifyForResumption(context.Background(), job, path); err != nil {
		t.Fatalf("Expected verification to pass: %v", err)
	}
}

func TestVerifyForResumption_HashMismatch(t *testing.T) {
	c, mock, cleanup := setupIntegrityTest(t)
	defer cleanup()

	path := writeTempFile(t, "original content")
	w, err := ComputeWitness(path)
	if err != nil {
		t.Fatalf("ComputeWitness failed: %v", err)
	}

	// Rewrite with same length, different bytes.
	if err := os.WriteFile(path, []byte("tampered content"), 0o644); err != nil {
		t.Fatalf("Failed to rewrite file: %v", err)
	}

	mock.ExpectExec("INSERT INTO resumption_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &domain.ImportJob{ID: "job-1", FileSize: w.Size, FileHash: w.Hash}
	err = c.VerifyForResumption(context.Background(), job, path)
	if !errors.Is(err, ErrIntegrityFailure) {
		t.Fatalf("Expected ErrIntegrityFailure, got %v", err)
	}
}

func TestVerifyForResumption_SizeMismatch(t *testing.T) {
	c, mock, cleanup := setupIntegrityTest(t)
	defer cleanup()

	path := writeTempFile(t, "short")
	w, err := ComputeWitness(path)
	if err != nil {
		t.Fatalf("ComputeWitness failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("much longer than before"), 0o644); err != nil {
		t.Fatalf("Failed to rewrite file: %v", err)
	}

	mock.ExpectExec("INSERT INTO resumption_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &domain.ImportJob{ID: "job-1", FileSize: w.Size, FileHash: w.Hash}
	if err := c.VerifyForResumption(context.Background(), job, path); !errors.Is(err, ErrIntegrityFailure) {
		t.Fatalf("Expected ErrIntegrityFailure, got %v", err)
	}
}

func TestVerifyForResumption_LegacyJobComputesAndTrusts(t *testing.T) {
	c, mock, cleanup := setupIntegrityTest(t)
	defer cleanup()

	path := writeTempFile(t, "legacy job file")
	mock.ExpectExec("UPDATE import_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO resumption_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &domain.ImportJob{ID: "job-1"} // no witness recorded
	if err := c.VerifyForResumption(context.Background(), job, path); err != nil {
		t.Fatalf("Legacy path should compute and trust: %v", err)
	}
	if !job.HasWitness() {
		t.Error("Legacy verification should backfill the witness")
	}
}

func TestVerifyForResumption_MissingFile(t *testing.T) {
	c, mock, cleanup := setupIntegrityTest(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO resumption_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &domain.ImportJob{ID: "job-1", FileSize: 10, FileHash: "abc"}
	err := c.VerifyForResumption(context.Background(), job, filepath.Join(t.TempDir(), "gone.csv"))
	if !errors.Is(err, ErrIntegrityFailure) {
		t.Fatalf("Expected ErrIntegrityFailure for missing file, got %v", err)
	}
}

func TestValidateResumePoint(t *testing.T) {
	c, _, cleanup := setupIntegrityTest(t)
	defer cleanup()

	job := &domain.ImportJob{ID: "job-1", TotalRows: 50, LastProcessedRow: 20}

	if err := c.ValidateResumePoint(job, 20); err != nil {
		t.Errorf("Resume at checkpoint should pass: %v", err)
	}
	if err := c.ValidateResumePoint(job, 0); err != nil {
		t.Errorf("Resume from start is allowed (advisory only): %v", err)
	}
	if err := c.ValidateResumePoint(job, 51); err == nil {
		t.Error("Resume beyond total rows must fail")
	}
	if err := c.ValidateResumePoint(job, -1); err == nil {
		t.Error("Negative resume point must fail")
	}
}

func TestBackupAndRestore(t *testing.T) {
	c, mock, cleanup := setupIntegrityTest(t)
	defer cleanup()

	job := &domain.ImportJob{
		ID:               "job-1",
		ProcessedRows:    20,
		SuccessfulRows:   18,
		ErrorRows:        2,
		LastProcessedRow: 20,
	}

	mock.ExpectExec("UPDATE import_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := c.CreateResumptionBackup(context.Background(), job); err != nil {
		t.Fatalf("CreateResumptionBackup failed: %v", err)
	}
	backup, ok := job.ResumptionMeta["backup"].(map[string]interface{})
	if !ok {
		t.Fatal("Backup snapshot missing from resumption metadata")
	}
	if backup["processed_rows"].(int64) != 20 {
		t.Errorf("Backup captured wrong counters: %+v", backup)
	}

	mock.ExpectExec("UPDATE import_jobs").
		WithArgs("job-1", domain.JobStatusPending, int64(20), int64(18), int64(2), int64(20)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO resumption_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	lastRow, err := c.RestoreFromBackup(context.Background(), job)
	if err != nil {
		t.Fatalf("RestoreFromBackup failed: %v", err)
	}
	if lastRow != 20 {
		t.Errorf("Expected restored checkpoint 20, got %d", lastRow)
	}
}

func TestRestoreFromBackup_NoBackup(t *testing.T) {
	c, _, cleanup := setupIntegrityTest(t)
	defer cleanup()

	job := &domain.ImportJob{ID: "job-1"}
	if _, err := c.RestoreFromBackup(context.Background(), job); err == nil {
		t.Error("Restore without a backup must fail")
	}
}

func TestMetaInt_JSONDecodedNumbers(t *testing.T) {
	m := map[string]interface{}{"a": float64(42), "b": int64(7), "c": 3}
	if metaInt(m, "a") != 42 || metaInt(m, "b") != 7 || metaInt(m, "c") != 3 {
		t.Error("metaInt must handle float64, int64, and int")
	}
	if metaInt(m, "missing") != 0 {
		t.Error("Missing keys default to 0")
	}
}
