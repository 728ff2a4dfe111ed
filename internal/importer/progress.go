package importer

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/employee-import/internal/domain"
	"github.com/ignite/employee-import/internal/pkg/logger"
	"github.com/ignite/employee-import/internal/repository/postgres"
)

// =============================================================================
// PROGRESS TRACKER
// =============================================================================
// Serves cached per-job progress snapshots so status readers never touch the
// chunk transaction path. Snapshots live in Redis for 1 hour with an
// in-memory fallback; cold reads recompute from the durable job row.

const (
	progressKeyPrefix = "import_progress:"
	progressCacheTTL  = time.Hour
)

type cachedSnapshot struct {
	snapshot  *domain.ProgressSnapshot
	expiresAt time.Time
}

// ProgressTracker caches and serves job progress.
type ProgressTracker struct {
	redis *redis.Client
	jobs  *postgres.ImportJobRepo

	mu    sync.RWMutex
	local map[string]cachedSnapshot
}

// NewProgressTracker creates a tracker. redisClient may be nil; the local
// cache then carries all reads.
func NewProgressTracker(redisClient *redis.Client, jobs *postgres.ImportJobRepo) *ProgressTracker {
	return &ProgressTracker{
		redis: redisClient,
		jobs:  jobs,
		local: make(map[string]cachedSnapshot),
	}
}

// Refresh rebuilds the snapshot from the job's current counters and caches
// it. Called after every chunk commit and at terminal transitions.
func (t *ProgressTracker) Refresh(ctx context.Context, job *domain.ImportJob) *domain.ProgressSnapshot {
	snapshot := buildSnapshot(job, time.Now())
	t.store(ctx, snapshot)
	return snapshot
}

// Get returns the cached snapshot, recomputing from the durable store when
// the cache is cold.
func (t *ProgressTracker) Get(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error) {
	if t.redis != nil {
		data, err := t.redis.Get(ctx, progressKeyPrefix+jobID).Bytes()
		if err == nil {
			var s domain.ProgressSnapshot
			if json.Unmarshal(data, &s) == nil {
				return &s, nil
			}
		}
	}

	t.mu.RLock()
	entry, ok := t.local[jobID]
	t.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.snapshot, nil
	}

	job, err := t.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return t.Refresh(ctx, job), nil
}

// Invalidate drops a job's cached snapshot (used after restore-from-backup).
func (t *ProgressTracker) Invalidate(ctx context.Context, jobID string) {
	if t.redis != nil {
		if err := t.redis.Del(ctx, progressKeyPrefix+jobID).Err(); err != nil {
			logger.Warn("failed to drop progress cache", "job_id", jobID, "error", err.Error())
		}
	}
	t.mu.Lock()
	delete(t.local, jobID)
	t.mu.Unlock()
}

func (t *ProgressTracker) store(ctx context.Context, s *domain.ProgressSnapshot) {
	if t.redis != nil {
		if data, err := json.Marshal(s); err == nil {
			if err := t.redis.Set(ctx, progressKeyPrefix+s.JobID, data, progressCacheTTL).Err(); err != nil {
				logger.Warn("failed to cache progress", "job_id", s.JobID, "error", err.Error())
			}
		}
	}
	t.mu.Lock()
	t.local[s.JobID] = cachedSnapshot{snapshot: s, expiresAt: time.Now().Add(progressCacheTTL)}
	t.mu.Unlock()
}

// buildSnapshot derives percentage, rate, and ETA from the job counters.
// Terminal jobs get no ETA.
func buildSnapshot(job *domain.ImportJob, now time.Time) *domain.ProgressSnapshot {
	s := &domain.ProgressSnapshot{
		JobID:            job.ID,
		Status:           job.Status,
		TotalRows:        job.TotalRows,
		ProcessedRows:    job.ProcessedRows,
		SuccessfulRows:   job.SuccessfulRows,
		ErrorRows:        job.ErrorRows,
		LastProcessedRow: job.LastProcessedRow,
		UpdatedAt:        now,
	}

	if job.TotalRows > 0 {
		s.Percentage = math.Round(float64(job.ProcessedRows)/float64(job.TotalRows)*10000) / 100
	}

	s.ProcessingRate = processingRate(job, now)

	if s.ProcessingRate > 0 && !job.IsTerminal() && job.TotalRows > job.ProcessedRows {
		remainingMin := float64(job.TotalRows-job.ProcessedRows) / s.ProcessingRate
		eta := now.Add(time.Duration(remainingMin * float64(time.Minute)))
		s.EstimatedCompletion = &eta
	}
	return s
}

// processingRate is rows per minute since the job started. Jobs younger than
// a minute extrapolate from rows per second so early snapshots are not wildly
// inflated.
func processingRate(job *domain.ImportJob, now time.Time) float64 {
	if job.StartedAt == nil || job.ProcessedRows == 0 {
		return 0
	}
	end := now
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	elapsed := end.Sub(*job.StartedAt)
	if elapsed <= 0 {
		return 0
	}
	if elapsed < time.Minute {
		return float64(job.ProcessedRows) / elapsed.Seconds() * 60
	}
	return float64(job.ProcessedRows) / elapsed.Minutes()
}
