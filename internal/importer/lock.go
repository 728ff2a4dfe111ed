package importer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/employee-import/internal/config"
	"github.com/ignite/employee-import/internal/domain"
	"github.com/ignite/employee-import/internal/pkg/distlock"
	"github.com/ignite/employee-import/internal/pkg/logger"
	"github.com/ignite/employee-import/internal/repository/postgres"
)

// =============================================================================
// LOCK MANAGER
// =============================================================================
// Best-effort single-writer lock per job. The TTL adapts to file size and the
// observed processing rate so slow jobs are not stolen mid-run and small jobs
// do not pin a dead worker's claim for hours.

const (
	lockKeyPrefix     = "import_processing:"
	lockMetaKeyPrefix = "import_lock_meta:"

	// Holders renew once inside this window before expiry; the meta key
	// outlives the lock by the same margin for post-mortem inspection.
	lockRenewalWindow = 5 * time.Minute

	lockMinTTL = 5 * time.Minute
	lockMaxTTL = 4 * time.Hour

	// Applied when the configured error-rate factor is unset.
	defaultErrorRateLockFactor = 1.3
)

// LockManager creates and renews per-job processing locks.
type LockManager struct {
	redis     *redis.Client
	db        *sql.DB
	logs      *postgres.ResumptionLogRepo
	errFactor float64
}

// NewLockManager creates a lock manager. With a nil Redis client locks fall
// back to Postgres advisory locks (single shared database deployments).
func NewLockManager(cfg config.ImportConfig, redisClient *redis.Client, db *sql.DB, logs *postgres.ResumptionLogRepo) *LockManager {
	factor := cfg.ErrorRateLockFactor
	if factor <= 1 {
		factor = defaultErrorRateLockFactor
	}
	return &LockManager{redis: redisClient, db: db, logs: logs, errFactor: factor}
}

// JobLock is one held processing lock.
type JobLock struct {
	manager   *LockManager
	lock      distlock.DistLock
	jobID     string
	ttl       time.Duration
	expiresAt time.Time
}

// ComputeTimeout derives the adaptive lock TTL from the job's size and its
// observed progress. Jobs with an error rate over 10% get their TTL stretched
// by errorRateFactor, since error-heavy runs write more and move slower.
func ComputeTimeout(job *domain.ImportJob, now time.Time, errorRateFactor float64) time.Duration {
	var base time.Duration
	switch {
	case job.TotalRows > 50000:
		base = 2 * time.Hour
	case job.TotalRows > 10000:
		base = time.Hour
	case job.TotalRows > 1000:
		base = 30 * time.Minute
	default:
		base = 15 * time.Minute
	}

	timeout := base
	if job.StartedAt != nil && job.ProcessedRows > 0 {
		elapsedMin := now.Sub(*job.StartedAt).Minutes()
		if elapsedMin > 0 {
			rate := float64(job.ProcessedRows) / elapsedMin
			if rate > 0 && job.TotalRows > job.ProcessedRows {
				remainingMin := float64(job.TotalRows-job.ProcessedRows) / rate
				candidate := time.Duration(remainingMin*1.5) * time.Minute
				if candidate > timeout {
					timeout = candidate
				}
			}
		}
	}

	if job.ProcessedRows > 0 {
		errorRate := float64(job.ErrorRows) / float64(job.ProcessedRows)
		if errorRate > 0.10 {
			timeout = time.Duration(float64(timeout) * errorRateFactor)
		}
	}

	if timeout < lockMinTTL {
		timeout = lockMinTTL
	}
	if timeout > lockMaxTTL {
		timeout = lockMaxTTL
	}
	return timeout
}

// Acquire tries to claim the job. Returns (nil, false, nil) when another
// worker holds it; callers do not retry.
func (m *LockManager) Acquire(ctx context.Context, job *domain.ImportJob) (*JobLock, bool, error) {
	ttl := ComputeTimeout(job, time.Now(), m.errFactor)
	lock := distlock.NewLock(m.redis, m.db, lockKeyPrefix+job.ID, ttl)

	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire job lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	jl := &JobLock{
		manager:   m,
		lock:      lock,
		jobID:     job.ID,
		ttl:       ttl,
		expiresAt: time.Now().Add(ttl),
	}
	jl.writeMeta(ctx)
	m.logLockEvent(ctx, job.ID, true, fmt.Sprintf("lock acquired, ttl %s", ttl))
	return jl, true, nil
}

// NeedsRenewal reports whether the holder is inside the renewal window.
// Checked at every chunk boundary.
func (l *JobLock) NeedsRenewal(now time.Time) bool {
	return !now.Before(l.expiresAt.Add(-lockRenewalWindow))
}

// Renew recomputes the adaptive TTL from the job's current progress and
// extends the lock. distlock.ErrNotOwned means the claim was lost; the caller
// must stop at this chunk boundary.
func (l *JobLock) Renew(ctx context.Context, job *domain.ImportJob) error {
	ttl := ComputeTimeout(job, time.Now(), l.manager.errFactor)
	if err := l.lock.Extend(ctx, ttl); err != nil {
		l.manager.logLockEvent(ctx, l.jobID, false, fmt.Sprintf("renewal failed: %v", err))
		return err
	}
	l.ttl = ttl
	l.expiresAt = time.Now().Add(ttl)
	l.writeMeta(ctx)
	l.manager.logLockEvent(ctx, l.jobID, true, fmt.Sprintf("lock renewed, ttl %s", ttl))
	logger.Event("lock_renewal", l.jobID, "ttl_seconds", int64(ttl.Seconds()))
	return nil
}

// Release gives the job up. Safe to call on all exit paths.
func (l *JobLock) Release(ctx context.Context) {
	if err := l.lock.Release(ctx); err != nil {
		logger.Warn("failed to release job lock", "job_id", l.jobID, "error", err.Error())
	}
	l.manager.logLockEvent(ctx, l.jobID, true, "lock released")
}

// writeMeta records renewal bookkeeping beside the lock, kept a grace period
// beyond the lock TTL. Redis-only; advisory locks carry no token to publish.
func (l *JobLock) writeMeta(ctx context.Context) {
	if l.manager.redis == nil {
		return
	}
	meta, err := json.Marshal(map[string]interface{}{
		"token":           l.lock.Token(),
		"expires_at":      l.expiresAt.UTC().Format(time.RFC3339),
		"timeout_seconds": int64(l.ttl.Seconds()),
	})
	if err != nil {
		return
	}
	if err := l.manager.redis.Set(ctx, lockMetaKeyPrefix+l.jobID, meta, l.ttl+lockRenewalWindow).Err(); err != nil {
		logger.Warn("failed to write lock metadata", "job_id", l.jobID, "error", err.Error())
	}
}

func (m *LockManager) logLockEvent(ctx context.Context, jobID string, passed bool, details string) {
	err := m.logs.Append(ctx, &domain.ResumptionLog{
		ImportJobID: jobID,
		EventType:   domain.ResumptionEventLockRenewal,
		Passed:      passed,
		Details:     details,
	})
	if err != nil {
		logger.Warn("failed to append lock log", "job_id", jobID, "error", err.Error())
	}
}
