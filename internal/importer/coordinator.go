package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/employee-import/internal/config"
	"github.com/ignite/employee-import/internal/domain"
	"github.com/ignite/employee-import/internal/pkg/logger"
	"github.com/ignite/employee-import/internal/repository/postgres"
)

// =============================================================================
// COORDINATOR
// =============================================================================
// The job-level state machine. Composes lock, integrity, checkpoint, and the
// chunk engine; this is the only component that moves a job between statuses.

// FileResolver turns a job's stored file path into a readable local path.
type FileResolver interface {
	Resolve(ctx context.Context, filePath string) (string, error)
}

// Coordinator exposes the engine's service operations to the worker and to
// the status tier.
type Coordinator struct {
	cfg       *config.Config
	db        *sql.DB
	redis     *redis.Client
	files     FileResolver
	jobs      *postgres.ImportJobRepo
	employees *postgres.EmployeeRepo
	errors    *postgres.ImportErrorRepo
	ledger    *postgres.ProcessedRecordRepo
	logs      *postgres.ResumptionLogRepo
	locks     *LockManager
	integrity *IntegrityChecker
	progress  *ProgressTracker
	validator *Validator
}

// NewCoordinator wires the engine's components over the shared handles.
func NewCoordinator(cfg *config.Config, db *sql.DB, redisClient *redis.Client, files FileResolver) *Coordinator {
	jobs := postgres.NewImportJobRepo(db)
	logs := postgres.NewResumptionLogRepo(db)
	return &Coordinator{
		cfg:       cfg,
		db:        db,
		redis:     redisClient,
		files:     files,
		jobs:      jobs,
		employees: postgres.NewEmployeeRepo(db),
		errors:    postgres.NewImportErrorRepo(db),
		ledger:    postgres.NewProcessedRecordRepo(db),
		logs:      logs,
		locks:     NewLockManager(cfg.Import, redisClient, db, logs),
		integrity: NewIntegrityChecker(jobs, logs),
		progress:  NewProgressTracker(redisClient, jobs),
		validator: NewValidator(cfg.Import.ValidationCacheTTL()),
	}
}

// StartOrResume runs a job to a terminal state, resuming from its checkpoint
// when one exists. Completed jobs are a no-op. When another worker holds the
// lock the call returns immediately without touching any state.
func (c *Coordinator) StartOrResume(ctx context.Context, jobID string) error {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusCompleted {
		logger.Debug("job already completed", "job_id", jobID)
		return nil
	}

	lock, acquired, err := c.locks.Acquire(ctx, job)
	if err != nil {
		return err
	}
	if !acquired {
		logger.Info("job held by another worker", "job_id", jobID)
		return nil
	}
	defer lock.Release(ctx)

	resuming := job.IsResumable()

	path, err := c.prepareFile(ctx, job, resuming)
	if err != nil {
		return c.failBeforeProcessing(ctx, job, resuming, err)
	}

	if err := c.jobs.MarkProcessing(ctx, job.ID); err != nil {
		return err
	}
	job.Status = domain.JobStatusProcessing
	if job.StartedAt == nil {
		now := time.Now()
		job.StartedAt = &now
	}
	logger.Event("job_started", job.ID,
		"filename", job.Filename, "resuming", resuming, "start_row", job.LastProcessedRow+1)

	engine := NewChunkEngine(c.cfg.Import, c.db, c.jobs, c.employees, c.ledger,
		NewErrorRecorder(c.errors), c.validator,
		NewDeduplicator(c.employees, c.ledger), c.progress)

	if err := engine.Run(ctx, job, lock, path); err != nil {
		if errors.Is(err, ErrLockLost) {
			// The claim moved; committed chunks stand and the new holder
			// resumes from the checkpoint.
			logger.Warn("stopping after lost lock", "job_id", job.ID)
			return err
		}
		return c.failJob(ctx, job, resuming, err)
	}

	if err := c.jobs.MarkCompleted(ctx, job.ID); err != nil {
		return err
	}
	job.Status = domain.JobStatusCompleted
	now := time.Now()
	job.CompletedAt = &now
	job.ResumptionMeta = nil
	c.progress.Refresh(ctx, job)

	if resuming {
		c.appendLog(ctx, job.ID, domain.ResumptionEventSuccess, true,
			fmt.Sprintf("resumed run completed at row %d", job.LastProcessedRow))
	}
	logger.Event("job_completed", job.ID,
		"total", job.TotalRows, "successful", job.SuccessfulRows, "errors", job.ErrorRows)
	return nil
}

// prepareFile resolves the input, enforces the size ceiling, and runs the
// integrity protocol: verify the witness when resuming, capture it otherwise.
func (c *Coordinator) prepareFile(ctx context.Context, job *domain.ImportJob, resuming bool) (string, error) {
	path, err := c.files.Resolve(ctx, job.FilePath)
	if err != nil {
		return "", fmt.Errorf("resolve import file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat import file: %w", err)
	}
	if limit := c.cfg.Import.MaxFileSizeBytes(); limit > 0 && info.Size() > limit {
		return "", fmt.Errorf("file is %d bytes, limit is %d", info.Size(), limit)
	}

	if resuming {
		c.appendLog(ctx, job.ID, domain.ResumptionEventAttempt, true,
			fmt.Sprintf("resuming from row %d", job.LastProcessedRow+1))
		if err := c.integrity.VerifyForResumption(ctx, job, path); err != nil {
			return "", err
		}
		if err := c.integrity.ValidateResumePoint(job, job.LastProcessedRow); err != nil {
			return "", err
		}
		if err := c.integrity.CreateResumptionBackup(ctx, job); err != nil {
			return "", err
		}
	} else {
		if err := c.integrity.Capture(ctx, job, path); err != nil {
			return "", err
		}
	}
	return path, nil
}

// failBeforeProcessing handles pre-loop failures. Integrity refusals leave
// the job in its prior state so an operator can intervene; everything else
// is terminal.
func (c *Coordinator) failBeforeProcessing(ctx context.Context, job *domain.ImportJob, resuming bool, cause error) error {
	if errors.Is(cause, ErrIntegrityFailure) {
		c.appendLog(ctx, job.ID, domain.ResumptionEventFailure, false, cause.Error())
		logger.Warn("resumption refused", "job_id", job.ID, "error", cause.Error())
		return cause
	}
	return c.failJob(ctx, job, resuming, cause)
}

func (c *Coordinator) failJob(ctx context.Context, job *domain.ImportJob, resuming bool, cause error) error {
	if err := c.jobs.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		logger.Error("failed to mark job failed", "job_id", job.ID, "error", err.Error())
	}
	job.Status = domain.JobStatusFailed
	job.FailureMessage = cause.Error()
	now := time.Now()
	job.CompletedAt = &now
	c.progress.Refresh(ctx, job)

	if resuming {
		c.appendLog(ctx, job.ID, domain.ResumptionEventFailure, false, cause.Error())
	}
	logger.Event("job_failed", job.ID, "error", cause.Error())
	return cause
}

// GetProgress returns the cached progress snapshot.
func (c *Coordinator) GetProgress(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error) {
	return c.progress.Get(ctx, jobID)
}

// GetErrors returns a filtered page of a job's row errors with the total
// matching count.
func (c *Coordinator) GetErrors(ctx context.Context, jobID string, filter postgres.ErrorFilter) ([]domain.ImportError, int64, error) {
	return c.errors.List(ctx, jobID, filter)
}

// GetSummary returns the job-level roll-up.
func (c *Coordinator) GetSummary(ctx context.Context, jobID string) (*domain.ImportSummary, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	byType, err := c.errors.CountByType(ctx, jobID)
	if err != nil {
		return nil, err
	}

	summary := &domain.ImportSummary{
		JobID:          job.ID,
		Filename:       job.Filename,
		Status:         job.Status,
		TotalRows:      job.TotalRows,
		ProcessedRows:  job.ProcessedRows,
		SuccessfulRows: job.SuccessfulRows,
		ErrorRows:      job.ErrorRows,
		FailureMessage: job.FailureMessage,
		ErrorsByType:   byType,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	}
	if job.StartedAt != nil {
		end := time.Now()
		if job.CompletedAt != nil {
			end = *job.CompletedAt
		}
		summary.DurationSeconds = end.Sub(*job.StartedAt).Seconds()
		if summary.DurationSeconds > 0 {
			summary.RowsPerSecond = float64(job.ProcessedRows) / summary.DurationSeconds
		}
	}
	return summary, nil
}

// RestoreFromBackup rewinds a job to its resumption backup and resets it to
// pending. Operator action; the job must not be running.
func (c *Coordinator) RestoreFromBackup(ctx context.Context, jobID string) error {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusProcessing {
		return fmt.Errorf("job %s is processing; cannot restore", jobID)
	}
	lastRow, err := c.integrity.RestoreFromBackup(ctx, job)
	if err != nil {
		return err
	}
	// Ledger and error rows committed after the snapshot must go too, or the
	// rerun's rebuilt session sets would flag the reprocessed rows as
	// duplicates of themselves.
	if err := c.ledger.DeleteAfterRow(ctx, jobID, lastRow); err != nil {
		return err
	}
	if err := c.errors.DeleteAfterRow(ctx, jobID, lastRow); err != nil {
		return err
	}
	c.progress.Invalidate(ctx, jobID)
	logger.Info("job restored from backup", "job_id", jobID)
	return nil
}

// ValidateConsistency runs the diagnostic ledger check for a job.
func (c *Coordinator) ValidateConsistency(ctx context.Context, jobID string) (*ConsistencyReport, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	dedup := NewDeduplicator(c.employees, c.ledger)
	return dedup.ValidateConsistency(ctx, job)
}

// Jobs exposes the job repository to the worker loop (claim listing, stuck
// detection).
func (c *Coordinator) Jobs() *postgres.ImportJobRepo { return c.jobs }

func (c *Coordinator) appendLog(ctx context.Context, jobID, eventType string, passed bool, details string) {
	err := c.logs.Append(ctx, &domain.ResumptionLog{
		ImportJobID: jobID,
		EventType:   eventType,
		Passed:      passed,
		Details:     details,
	})
	if err != nil {
		logger.Warn("failed to append resumption log", "job_id", jobID, "error", err.Error())
	}
	logger.Event(eventType, jobID, "passed", passed, "details", details)
}
