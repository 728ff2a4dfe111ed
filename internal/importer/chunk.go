package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ignite/employee-import/internal/config"
	"github.com/ignite/employee-import/internal/domain"
	"github.com/ignite/employee-import/internal/pkg/logger"
	"github.com/ignite/employee-import/internal/repository/postgres"
)

// =============================================================================
// CHUNK ENGINE
// =============================================================================
// The cooperative processing loop. Each chunk is one transaction: row
// outcomes, counters, the dedup ledger, and the checkpoint commit together,
// so a crash between chunks re-reads at most one chunk and never loses the
// counters' consistency.

// ErrLockLost means the lock could not be renewed at a chunk boundary.
// The in-flight chunk was already committed; the job stays in processing for
// the new holder to resume.
var ErrLockLost = errors.New("processing lock lost")

// ChunkEngine drives the read, validate, dedup, upsert, checkpoint loop.
type ChunkEngine struct {
	cfg       config.ImportConfig
	db        *sql.DB
	jobs      *postgres.ImportJobRepo
	employees *postgres.EmployeeRepo
	ledger    *postgres.ProcessedRecordRepo
	recorder  *ErrorRecorder
	validator *Validator
	dedup     *Deduplicator
	progress  *ProgressTracker
}

// NewChunkEngine wires the engine. A fresh Deduplicator is expected per job.
func NewChunkEngine(cfg config.ImportConfig, db *sql.DB, jobs *postgres.ImportJobRepo,
	employees *postgres.EmployeeRepo, ledger *postgres.ProcessedRecordRepo,
	recorder *ErrorRecorder, validator *Validator, dedup *Deduplicator,
	progress *ProgressTracker) *ChunkEngine {
	return &ChunkEngine{
		cfg:       cfg,
		db:        db,
		jobs:      jobs,
		employees: employees,
		ledger:    ledger,
		recorder:  recorder,
		validator: validator,
		dedup:     dedup,
		progress:  progress,
	}
}

// Run processes the file from the job's checkpoint to exhaustion. The caller
// holds the job lock; renewal is checked at every chunk boundary.
func (e *ChunkEngine) Run(ctx context.Context, job *domain.ImportJob, lock *JobLock, path string) error {
	if job.TotalRows == 0 {
		total, err := CountDataRows(path)
		if err != nil {
			return err
		}
		if e.cfg.MaxRows > 0 && total > e.cfg.MaxRows {
			return fmt.Errorf("file has %d data rows, limit is %d", total, e.cfg.MaxRows)
		}
		if err := e.jobs.UpdateTotalRows(ctx, job.ID, total); err != nil {
			return err
		}
		job.TotalRows = total
	}

	keepLast, err := buildKeepLastIndex(path)
	if err != nil {
		return err
	}

	if job.LastProcessedRow > 0 {
		if err := e.dedup.RebuildTrackingState(ctx, job.ID); err != nil {
			return err
		}
	}

	startRow := job.LastProcessedRow + 1
	reader, err := OpenReader(path, startRow)
	if err != nil {
		return err
	}
	defer reader.Close()

	chunkSize := e.cfg.ChunkSize
	for {
		if lock.NeedsRenewal(time.Now()) {
			if err := lock.Renew(ctx, job); err != nil {
				return fmt.Errorf("%w: %v", ErrLockLost, err)
			}
		}

		rows, err := reader.ReadChunk(ctx, chunkSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		start := time.Now()
		if err := e.processChunk(ctx, job, keepLast, rows); err != nil {
			return err
		}

		e.progress.Refresh(ctx, job)
		logger.Event("chunk_processed", job.ID,
			"rows", len(rows),
			"last_row", rows[len(rows)-1].Number,
			"duration_ms", time.Since(start).Milliseconds(),
			"chunk_size", chunkSize)

		chunkSize = e.adjustChunkSize(job.ID, chunkSize)
	}
}

// processChunk runs one transaction over a batch of rows. Row-scoped
// failures are recorded and the loop continues; only infrastructure errors
// abort the chunk.
func (e *ChunkEngine) processChunk(ctx context.Context, job *domain.ImportJob, keepLast *keepLastIndex, rows []Row) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		ledgerRows []domain.ProcessedRecord
		successes  int64
		failures   int64
	)

	markRow := func(success bool, rowNumber int64) error {
		if err := e.jobs.IncrementCountersTx(ctx, tx, job.ID, success, rowNumber); err != nil {
			return err
		}
		if success {
			successes++
		} else {
			failures++
		}
		return nil
	}

	for _, row := range rows {
		fields := normalizeFields(row.Fields)
		number := fields["employee_number"]
		email := fields["email"]

		if !fieldsUTF8(fields) {
			if err := e.recorder.RecordTx(ctx, tx, job.ID, row.Number,
				domain.ErrorTypeFormat, MsgInvalidEncoding, nil); err != nil {
				return err
			}
			if err := markRow(false, row.Number); err != nil {
				return err
			}
			ledgerRows = append(ledgerRows, errorLedgerRow(job.ID, row.Number))
			continue
		}

		if result := e.validator.Validate(fields); !result.OK {
			if err := e.recorder.RecordValidationTx(ctx, tx, job.ID, row.Number,
				result.Errors, fields); err != nil {
				return err
			}
			if err := markRow(false, row.Number); err != nil {
				return err
			}
			ledgerRows = append(ledgerRows, errorLedgerRow(job.ID, row.Number))
			continue
		}

		if keepLast.isSuperseded(number, email, row.Number) {
			if err := e.recordDuplicate(ctx, tx, job, row.Number, MsgDuplicateInFile, fields); err != nil {
				return err
			}
			if err := markRow(false, row.Number); err != nil {
				return err
			}
			ledgerRows = append(ledgerRows, skippedLedgerRow(job.ID, row.Number))
			continue
		}

		decision, existing, err := e.dedup.Decide(ctx, tx, number, email, e.cfg.UpdateExistingOnDuplicate())
		if err != nil {
			return err
		}

		switch decision {
		case decideSkipSession, decideSkipStore:
			msg := MsgDuplicateSession
			if decision == decideSkipStore {
				msg = MsgDuplicateStore
			}
			if err := e.recordDuplicate(ctx, tx, job, row.Number, msg, fields); err != nil {
				return err
			}
			if err := markRow(false, row.Number); err != nil {
				return err
			}
			ledgerRows = append(ledgerRows, skippedLedgerRow(job.ID, row.Number))
			continue

		case decideInsert, decideUpdate:
			persistErr := e.persistRow(ctx, tx, decision, existing, fields)
			if persistErr != nil {
				errType := domain.ErrorTypeSystem
				msg := persistErr.Error()
				if postgres.IsUniqueViolation(persistErr) {
					errType = domain.ErrorTypeDuplicate
					msg = MsgDuplicateRace
				}
				if err := e.recorder.RecordTx(ctx, tx, job.ID, row.Number, errType, msg, fields); err != nil {
					return err
				}
				if err := markRow(false, row.Number); err != nil {
					return err
				}
				ledgerRows = append(ledgerRows, errorLedgerRow(job.ID, row.Number))
				continue
			}

			e.dedup.MarkProcessed(number, email)
			if err := markRow(true, row.Number); err != nil {
				return err
			}
			ledgerRows = append(ledgerRows, domain.ProcessedRecord{
				ImportJobID:    job.ID,
				EmployeeNumber: number,
				Email:          email,
				RowNumber:      row.Number,
				Status:         domain.RecordStatusProcessed,
			})
		}
	}

	lastRow := rows[len(rows)-1].Number
	if err := e.jobs.CheckpointTx(ctx, tx, job.ID, lastRow); err != nil {
		return err
	}
	if err := e.ledger.BulkInsertTx(ctx, tx, ledgerRows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk transaction: %w", err)
	}

	// Mirror the committed counters so progress and lock TTL math see them.
	job.ProcessedRows += successes + failures
	job.SuccessfulRows += successes
	job.ErrorRows += failures
	if lastRow > job.LastProcessedRow {
		job.LastProcessedRow = lastRow
	}
	return nil
}

// persistRow writes one employee inside a savepoint so a failed statement
// does not poison the rest of the chunk transaction.
func (e *ChunkEngine) persistRow(ctx context.Context, tx *sql.Tx, decision dedupDecision, existing *domain.Employee, fields map[string]string) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT row_write"); err != nil {
		return fmt.Errorf("open row savepoint: %w", err)
	}

	emp := buildEmployee(fields)
	var err error
	if decision == decideUpdate {
		err = e.employees.UpdateTx(ctx, tx, existing.ID, emp)
	} else {
		err = e.employees.InsertTx(ctx, tx, emp)
	}
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT row_write"); rbErr != nil {
			return fmt.Errorf("rollback row savepoint: %w", rbErr)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT row_write"); err != nil {
		return fmt.Errorf("release row savepoint: %w", err)
	}
	return nil
}

func (e *ChunkEngine) recordDuplicate(ctx context.Context, tx postgres.DBTX, job *domain.ImportJob, rowNumber int64, msg string, fields map[string]string) error {
	if err := e.recorder.RecordTx(ctx, tx, job.ID, rowNumber, domain.ErrorTypeDuplicate, msg, fields); err != nil {
		return err
	}
	logger.Event("duplicate_detection", job.ID, "row", rowNumber, "reason", msg)
	return nil
}

// adjustChunkSize shrinks under memory pressure and grows back when clear.
// The floor guarantees forward progress.
func (e *ChunkEngine) adjustChunkSize(jobID string, current int) int {
	if e.cfg.MemoryLimitMB <= 0 {
		return current
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	usedMB := float64(m.Alloc) / 1024 / 1024
	usage := usedMB / float64(e.cfg.MemoryLimitMB)

	switch {
	case usage > 0.8:
		next := current / 2
		if next < e.cfg.MinChunkSize {
			next = e.cfg.MinChunkSize
		}
		if next != current {
			logger.Event("memory_warning", jobID,
				"memory_mb", int64(usedMB), "chunk_size", next)
		}
		return next
	case usage < 0.3 && current < e.cfg.MaxChunkSize:
		next := current * 3 / 2
		if next > e.cfg.MaxChunkSize {
			next = e.cfg.MaxChunkSize
		}
		return next
	default:
		return current
	}
}

// normalizeFields trims every value. Keys were normalized by the reader.
func normalizeFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = strings.TrimSpace(v)
	}
	return out
}

// fieldsUTF8 reports whether every cell is valid UTF-8. Mojibake rows are
// format errors; the snapshot is withheld so the error store stays clean.
func fieldsUTF8(fields map[string]string) bool {
	for _, v := range fields {
		if !utf8.ValidString(v) {
			return false
		}
	}
	return true
}

// buildEmployee converts a validated record into the target entity. Optional
// empty fields become nulls.
func buildEmployee(fields map[string]string) *domain.Employee {
	emp := &domain.Employee{
		EmployeeNumber: fields["employee_number"],
		FirstName:      fields["first_name"],
		LastName:       fields["last_name"],
		Email:          fields["email"],
	}
	if v := fields["department"]; v != "" {
		emp.Department = &v
	}
	if v := fields["salary"]; v != "" {
		if n, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64); err == nil {
			emp.Salary = &n
		}
	}
	if v := fields["currency"]; v != "" {
		emp.Currency = &v
	}
	if v := fields["country_code"]; v != "" {
		emp.CountryCode = &v
	}
	if v := fields["start_date"]; v != "" {
		if d, err := time.Parse("2006-01-02", v); err == nil {
			emp.StartDate = &d
		}
	}
	return emp
}

func skippedLedgerRow(jobID string, rowNumber int64) domain.ProcessedRecord {
	return domain.ProcessedRecord{ImportJobID: jobID, RowNumber: rowNumber, Status: domain.RecordStatusSkipped}
}

func errorLedgerRow(jobID string, rowNumber int64) domain.ProcessedRecord {
	return domain.ProcessedRecord{ImportJobID: jobID, RowNumber: rowNumber, Status: domain.RecordStatusError}
}
