package importer

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/employee-import/internal/config"
	"github.com/ignite/employee-import/internal/domain"
	"github.com/ignite/employee-import/internal/repository/postgres"
)

func testImportConfig() config.ImportConfig {
	return config.ImportConfig{
		ChunkSize:     100,
		MinChunkSize:  10,
		MaxChunkSize:  500,
		MemoryLimitMB: 256,
		MaxFileSizeMB: 20,
		MaxRows:       50000,
	}
}

func setupChunkEngine(t *testing.T) (*ChunkEngine, *sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	jobs := postgres.NewImportJobRepo(db)
	employees := postgres.NewEmployeeRepo(db)
	ledger := postgres.NewProcessedRecordRepo(db)
	engine := NewChunkEngine(testImportConfig(), db, jobs, employees, ledger,
		NewErrorRecorder(postgres.NewImportErrorRepo(db)), NewValidator(0),
		NewDeduplicator(employees, ledger), NewProgressTracker(nil, jobs))
	return engine, db, mock, func() { db.Close() }
}

// expectInsertedRow queues the statement sequence for one row that clears
// dedup and lands as a fresh insert.
func expectInsertedRow(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT (.+) FROM employees WHERE employee_number").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM employees WHERE email").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("SAVEPOINT row_write").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO employees").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("RELEASE SAVEPOINT row_write").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE import_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestRun_FreshJobToCompletion(t *testing.T) {
	engine, _, mock, cleanup := setupChunkEngine(t)
	defer cleanup()

	path := writeTempCSV(t, testHeaderLine+"\n"+testRow(1)+"\n"+testRow(2)+"\n"+testRow(3)+"\n")
	job := &domain.ImportJob{ID: "job-1", Status: domain.JobStatusProcessing}
	lock := &JobLock{expiresAt: time.Now().Add(time.Hour)}

	// Fresh job: the counting pass runs and the total is persisted first.
	mock.ExpectExec("UPDATE import_jobs").
		WithArgs("job-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectBegin()
	expectInsertedRow(mock)
	expectInsertedRow(mock)
	expectInsertedRow(mock)
	mock.ExpectExec("UPDATE import_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectPrepare("COPY (.+)import_processed_records")
	mock.ExpectExec("COPY (.+)import_processed_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("COPY (.+)import_processed_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("COPY (.+)import_processed_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("COPY (.+)import_processed_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := engine.Run(context.Background(), job, lock, path); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if job.TotalRows != 3 {
		t.Errorf("Expected counted total 3, got %d", job.TotalRows)
	}
	if job.ProcessedRows != 3 || job.SuccessfulRows != 3 || job.ErrorRows != 0 {
		t.Errorf("Counters wrong after run: %+v", job)
	}
	if job.LastProcessedRow != 3 {
		t.Errorf("Expected checkpoint 3, got %d", job.LastProcessedRow)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	engine, _, mock, cleanup := setupChunkEngine(t)
	defer cleanup()

	path := writeTempCSV(t, testHeaderLine+"\n"+
		testRow(1)+"\n"+testRow(2)+"\n"+testRow(3)+"\n"+testRow(4)+"\n"+testRow(5)+"\n")
	job := &domain.ImportJob{
		ID:               "job-1",
		Status:           domain.JobStatusProcessing,
		TotalRows:        5,
		ProcessedRows:    3,
		SuccessfulRows:   3,
		LastProcessedRow: 3,
	}
	lock := &JobLock{expiresAt: time.Now().Add(time.Hour)}

	// A known total skips the counting pass; the first store access is the
	// session-set rebuild from the ledger.
	mock.ExpectQuery("FROM import_processed_records").
		WithArgs("job-1", domain.RecordStatusProcessed).
		WillReturnRows(sqlmock.NewRows([]string{"employee_number", "email"}).
			AddRow("EMP-001", "user1@example.com").
			AddRow("EMP-002", "user2@example.com").
			AddRow("EMP-003", "user3@example.com"))

	// Only rows 4 and 5 are read and written.
	mock.ExpectBegin()
	expectInsertedRow(mock)
	expectInsertedRow(mock)
	mock.ExpectExec("UPDATE import_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectPrepare("COPY (.+)import_processed_records")
	mock.ExpectExec("COPY (.+)import_processed_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("COPY (.+)import_processed_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("COPY (.+)import_processed_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := engine.Run(context.Background(), job, lock, path); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if job.ProcessedRows != 5 || job.SuccessfulRows != 5 {
		t.Errorf("Counters wrong after resume: %+v", job)
	}
	if job.LastProcessedRow != 5 {
		t.Errorf("Expected checkpoint 5, got %d", job.LastProcessedRow)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestProcessChunk_MixedRows(t *testing.T) {
	engine, _, mock, cleanup := setupChunkEngine(t)
	defer cleanup()

	job := &domain.ImportJob{ID: "job-1", Status: domain.JobStatusProcessing, TotalRows: 2}
	rows := []Row{
		{Number: 1, Fields: map[string]string{
			"employee_number": "EMP-001", "first_name": "John", "last_name": "Doe",
			"email": "john@example.com", "department": "Eng", "salary": "100000",
			"currency": "KES", "country_code": "KE", "start_date": "2022-01-01",
		}},
		{Number: 2, Fields: map[string]string{
			"employee_number": "", "first_name": "Jane", "last_name": "Smith",
			"email": "invalid-email",
		}},
	}

	mock.ExpectBegin()

	// Row 1: no session/store duplicate, inserted under a savepoint.
	mock.ExpectQuery("SELECT (.+) FROM employees WHERE employee_number").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM employees WHERE email").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("SAVEPOINT row_write").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO employees").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("RELEASE SAVEPOINT row_write").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE import_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	// Row 2: presence failure on employee_number.
	mock.ExpectExec("INSERT INTO import_errors").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE import_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	// Checkpoint, ledger copy, commit.
	mock.ExpectExec("UPDATE import_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectPrepare("COPY (.+)import_processed_records")
	mock.ExpectExec("COPY (.+)import_processed_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("COPY (.+)import_processed_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("COPY (.+)import_processed_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := engine.processChunk(context.Background(), job, nil, rows); err != nil {
		t.Fatalf("processChunk failed: %v", err)
	}

	if job.ProcessedRows != 2 || job.SuccessfulRows != 1 || job.ErrorRows != 1 {
		t.Errorf("Counter mirror wrong: processed=%d successful=%d errors=%d",
			job.ProcessedRows, job.SuccessfulRows, job.ErrorRows)
	}
	if job.LastProcessedRow != 2 {
		t.Errorf("Expected checkpoint mirror 2, got %d", job.LastProcessedRow)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestProcessChunk_InvalidEncodingIsFormatError(t *testing.T) {
	engine, _, mock, cleanup := setupChunkEngine(t)
	defer cleanup()

	job := &domain.ImportJob{ID: "job-1", Status: domain.JobStatusProcessing, TotalRows: 1}
	rows := []Row{{Number: 1, Fields: map[string]string{
		"employee_number": "EMP-001", "first_name": "Jo\xffhn", "last_name": "Doe",
		"email": "john@example.com",
	}}}

	mock.ExpectBegin()
	// Mojibake is caught before validation; the snapshot is withheld.
	mock.ExpectExec("INSERT INTO import_errors").
		WithArgs(sqlmock.AnyArg(), "job-1", int64(1),
			domain.ErrorTypeFormat, MsgInvalidEncoding, []byte(nil)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE import_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE import_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectPrepare("COPY (.+)import_processed_records")
	mock.ExpectExec("COPY (.+)import_processed_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("COPY (.+)import_processed_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := engine.processChunk(context.Background(), job, nil, rows); err != nil {
		t.Fatalf("processChunk failed: %v", err)
	}
	if job.ErrorRows != 1 || job.SuccessfulRows != 0 {
		t.Errorf("Bad encoding should count as error row: %+v", job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestProcessChunk_KeepLastLoserSkipped(t *testing.T) {
	engine, _, mock, cleanup := setupChunkEngine(t)
	defer cleanup()

	job := &domain.ImportJob{ID: "job-1", Status: domain.JobStatusProcessing, TotalRows: 2}
	fields := map[string]string{
		"employee_number": "EMP-001", "first_name": "John", "last_name": "Doe",
		"email": "john@example.com",
	}
	keepLast := &keepLastIndex{
		lastByNumber: map[string]int64{"EMP-001": 2},
		lastByEmail:  map[string]int64{"john@example.com": 2},
	}

	mock.ExpectBegin()
	// Row 1 is superseded by row 2: duplicate error, no store access.
	mock.ExpectExec("INSERT INTO import_errors").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE import_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE import_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectPrepare("COPY (.+)import_processed_records")
	mock.ExpectExec("COPY (.+)import_processed_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("COPY (.+)import_processed_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	rows := []Row{{Number: 1, Fields: fields}}
	if err := engine.processChunk(context.Background(), job, keepLast, rows); err != nil {
		t.Fatalf("processChunk failed: %v", err)
	}
	if job.ErrorRows != 1 || job.SuccessfulRows != 0 {
		t.Errorf("Keep-last loser should count as error row: %+v", job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestAdjustChunkSize(t *testing.T) {
	engine, _, _, cleanup := setupChunkEngine(t)
	defer cleanup()

	// A 1 MB limit is always exceeded by a running test binary: shrink path.
	engine.cfg.MemoryLimitMB = 1
	if got := engine.adjustChunkSize("job-1", 100); got != 50 {
		t.Errorf("Expected halving to 50 under pressure, got %d", got)
	}
	if got := engine.adjustChunkSize("job-1", 12); got != engine.cfg.MinChunkSize {
		t.Errorf("Expected floor %d, got %d", engine.cfg.MinChunkSize, got)
	}

	// An absurdly high limit puts usage near zero: grow path with cap.
	engine.cfg.MemoryLimitMB = 1 << 20
	if got := engine.adjustChunkSize("job-1", 100); got != 150 {
		t.Errorf("Expected growth to 150, got %d", got)
	}
	if got := engine.adjustChunkSize("job-1", 400); got != engine.cfg.MaxChunkSize {
		t.Errorf("Expected cap %d, got %d", engine.cfg.MaxChunkSize, got)
	}
	if got := engine.adjustChunkSize("job-1", engine.cfg.MaxChunkSize); got != engine.cfg.MaxChunkSize {
		t.Errorf("At the cap the size must hold, got %d", got)
	}
}

func TestNormalizeFields(t *testing.T) {
	out := normalizeFields(map[string]string{"email": "  a@b.com ", "salary": "100"})
	if out["email"] != "a@b.com" || out["salary"] != "100" {
		t.Errorf("Values not trimmed: %v", out)
	}
}

func TestBuildEmployee(t *testing.T) {
	emp := buildEmployee(map[string]string{
		"employee_number": "EMP-001",
		"first_name":      "John",
		"last_name":       "Doe",
		"email":           "john@example.com",
		"department":      "",
		"salary":          "85000.50",
		"currency":        "USD",
		"country_code":    "",
		"start_date":      "2022-02-01",
	})

	if emp.EmployeeNumber != "EMP-001" || emp.Email != "john@example.com" {
		t.Errorf("Required fields wrong: %+v", emp)
	}
	if emp.Department != nil || emp.CountryCode != nil {
		t.Error("Empty optional fields must become nil")
	}
	if emp.Salary == nil || *emp.Salary != 85000.50 {
		t.Errorf("Salary not parsed: %v", emp.Salary)
	}
	if emp.Currency == nil || *emp.Currency != "USD" {
		t.Errorf("Currency not set: %v", emp.Currency)
	}
	want := time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC)
	if emp.StartDate == nil || !emp.StartDate.Equal(want) {
		t.Errorf("Start date not parsed: %v", emp.StartDate)
	}
}
