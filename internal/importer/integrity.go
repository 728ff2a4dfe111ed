package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ignite/employee-import/internal/domain"
	"github.com/ignite/employee-import/internal/pkg/logger"
	"github.com/ignite/employee-import/internal/repository/postgres"
)

// =============================================================================
// FILE INTEGRITY
// =============================================================================
// Captures a (size, sha256, mtime) witness of the input when processing
// starts, and refuses resumption if the bytes on disk no longer match.

// ErrIntegrityFailure means the file changed (or disappeared) since the
// witness was recorded. Resumption is refused and the job is not advanced.
var ErrIntegrityFailure = errors.New("file integrity check failed")

// Witness is the captured file fingerprint.
type Witness struct {
	Size         int64
	Hash         string
	LastModified time.Time
}

// ComputeWitness hashes the file in streaming fashion.
func ComputeWitness(path string) (*Witness, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat import file: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash import file: %w", err)
	}
	return &Witness{
		Size:         info.Size(),
		Hash:         hex.EncodeToString(h.Sum(nil)),
		LastModified: info.ModTime(),
	}, nil
}

// IntegrityChecker persists and verifies witnesses, logging every check to
// the resumption log.
type IntegrityChecker struct {
	jobs *postgres.ImportJobRepo
	logs *postgres.ResumptionLogRepo
}

// NewIntegrityChecker creates the checker.
func NewIntegrityChecker(jobs *postgres.ImportJobRepo, logs *postgres.ResumptionLogRepo) *IntegrityChecker {
	return &IntegrityChecker{jobs: jobs, logs: logs}
}

// Capture computes and persists the witness for a job starting fresh.
func (c *IntegrityChecker) Capture(ctx context.Context, job *domain.ImportJob, path string) error {
	w, err := ComputeWitness(path)
	if err != nil {
		return err
	}
	if err := c.jobs.UpdateWitness(ctx, job.ID, w.Size, w.Hash, w.LastModified); err != nil {
		return err
	}
	job.FileSize = w.Size
	job.FileHash = w.Hash
	job.FileLastModified = &w.LastModified
	return nil
}

// VerifyForResumption checks the file against the recorded witness before a
// resume. Jobs created before witnessing existed get a compute-and-trust pass
// that is logged loudly. A changed mtime alone warns but does not fail.
func (c *IntegrityChecker) VerifyForResumption(ctx context.Context, job *domain.ImportJob, path string) error {
	if !job.HasWitness() {
		return c.verifyLegacy(ctx, job, path)
	}

	w, err := ComputeWitness(path)
	if err != nil {
		c.logCheck(ctx, job.ID, false, fmt.Sprintf("file unreadable: %v", err), nil)
		return fmt.Errorf("%w: %v", ErrIntegrityFailure, err)
	}

	if w.Size != job.FileSize {
		detail := fmt.Sprintf("size mismatch: recorded %d, found %d", job.FileSize, w.Size)
		c.logCheck(ctx, job.ID, false, detail, nil)
		return fmt.Errorf("%w: %s", ErrIntegrityFailure, detail)
	}
	if w.Hash != job.FileHash {
		detail := fmt.Sprintf("hash mismatch: recorded %s, found %s", job.FileHash, w.Hash)
		c.logCheck(ctx, job.ID, false, detail, nil)
		return fmt.Errorf("%w: %s", ErrIntegrityFailure, detail)
	}
	if job.FileLastModified != nil && !w.LastModified.Equal(*job.FileLastModified) {
		logger.Warn("mtime changed but size and hash match", "job_id", job.ID,
			"recorded", job.FileLastModified.Format(time.RFC3339),
			"found", w.LastModified.Format(time.RFC3339))
	}

	c.logCheck(ctx, job.ID, true, "witness verified", map[string]interface{}{
		"file_size": w.Size,
		"file_hash": w.Hash,
	})
	return nil
}

// verifyLegacy handles resumed jobs with no recorded witness: compute and
// trust the current bytes, persist them, and record that this happened.
func (c *IntegrityChecker) verifyLegacy(ctx context.Context, job *domain.ImportJob, path string) error {
	w, err := ComputeWitness(path)
	if err != nil {
		c.logCheck(ctx, job.ID, false, fmt.Sprintf("legacy job, file unreadable: %v", err), nil)
		return fmt.Errorf("%w: %v", ErrIntegrityFailure, err)
	}
	if err := c.jobs.UpdateWitness(ctx, job.ID, w.Size, w.Hash, w.LastModified); err != nil {
		return err
	}
	job.FileSize = w.Size
	job.FileHash = w.Hash
	job.FileLastModified = &w.LastModified

	logger.Warn("legacy job without witness, calculated and trusted", "job_id", job.ID)
	c.logCheck(ctx, job.ID, true, "legacy calculated", map[string]interface{}{
		"file_size": w.Size,
		"file_hash": w.Hash,
	})
	return nil
}

// ValidateResumePoint checks a resume offset against the counted total.
// Resuming before the checkpoint is allowed but advisory-logged because rows
// will be reprocessed.
func (c *IntegrityChecker) ValidateResumePoint(job *domain.ImportJob, resumeFrom int64) error {
	if resumeFrom < 0 {
		return fmt.Errorf("resume point %d is negative", resumeFrom)
	}
	if job.TotalRows > 0 && resumeFrom > job.TotalRows {
		return fmt.Errorf("resume point %d exceeds total rows %d", resumeFrom, job.TotalRows)
	}
	if resumeFrom < job.LastProcessedRow {
		logger.Warn("resume point before checkpoint, rows will be reprocessed",
			"job_id", job.ID, "resume_from", resumeFrom, "checkpoint", job.LastProcessedRow)
	}
	return nil
}

// CreateResumptionBackup snapshots the counters into resumption_metadata so
// an operator can rewind the job later.
func (c *IntegrityChecker) CreateResumptionBackup(ctx context.Context, job *domain.ImportJob) error {
	if job.ResumptionMeta == nil {
		job.ResumptionMeta = make(map[string]interface{})
	}
	job.ResumptionMeta["backup"] = map[string]interface{}{
		"processed_rows":     job.ProcessedRows,
		"successful_rows":    job.SuccessfulRows,
		"error_rows":         job.ErrorRows,
		"last_processed_row": job.LastProcessedRow,
		"created_at":         time.Now().UTC().Format(time.RFC3339),
	}
	return c.jobs.SaveResumptionMeta(ctx, job.ID, job.ResumptionMeta)
}

// RestoreFromBackup rewinds the counters to the backup snapshot and resets
// the job to pending. Returns the restored checkpoint row so the caller can
// truncate per-row state written after the snapshot.
func (c *IntegrityChecker) RestoreFromBackup(ctx context.Context, job *domain.ImportJob) (int64, error) {
	raw, ok := job.ResumptionMeta["backup"]
	if !ok {
		return 0, fmt.Errorf("job %s has no resumption backup", job.ID)
	}
	backup, ok := raw.(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("job %s has a malformed resumption backup", job.ID)
	}

	lastRow := metaInt(backup, "last_processed_row")
	err := c.jobs.RestoreCounters(ctx, job.ID,
		metaInt(backup, "processed_rows"),
		metaInt(backup, "successful_rows"),
		metaInt(backup, "error_rows"),
		lastRow)
	if err != nil {
		return 0, err
	}

	c.logCheck(ctx, job.ID, true, "restored from backup", backup)
	return lastRow, nil
}

// metaInt reads an integer out of decoded JSON metadata, where numbers
// arrive as float64.
func metaInt(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// logCheck appends an integrity event; failures to log never stop the import.
func (c *IntegrityChecker) logCheck(ctx context.Context, jobID string, passed bool, details string, meta map[string]interface{}) {
	err := c.logs.Append(ctx, &domain.ResumptionLog{
		ImportJobID: jobID,
		EventType:   domain.ResumptionEventIntegrityCheck,
		Passed:      passed,
		Details:     details,
		Metadata:    meta,
	})
	if err != nil {
		logger.Warn("failed to append integrity log", "job_id", jobID, "error", err.Error())
	}
	logger.Event("integrity_check", jobID, "passed", passed, "details", details)
}
