package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/employee-import/internal/domain"
	"github.com/ignite/employee-import/internal/repository/postgres"
)

// =============================================================================
// DEDUPLICATOR
// =============================================================================
// Three layers of duplicate detection: within-file keep-last, within-session
// tracking sets, and the employee store itself. The session sets survive
// worker restarts through the durable per-job ledger.

// keepLastIndex records, per duplicate key, the last data row on which it
// appears. Built by a key-only pre-scan before the processing loop starts so
// earlier occurrences can be rejected as the file streams through.
type keepLastIndex struct {
	lastByNumber map[string]int64
	lastByEmail  map[string]int64
}

// buildKeepLastIndex streams the file once, keeping only the two key columns.
// Rows missing either key never participate in keep-last selection.
func buildKeepLastIndex(path string) (*keepLastIndex, error) {
	reader, err := OpenReader(path, 1)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	idx := &keepLastIndex{
		lastByNumber: make(map[string]int64),
		lastByEmail:  make(map[string]int64),
	}
	for {
		rows, err := reader.ReadChunk(context.Background(), 500)
		if err != nil {
			return nil, fmt.Errorf("scan duplicate keys: %w", err)
		}
		if len(rows) == 0 {
			return idx, nil
		}
		for _, row := range rows {
			number := strings.TrimSpace(row.Fields["employee_number"])
			email := strings.TrimSpace(row.Fields["email"])
			if number == "" || email == "" {
				continue
			}
			idx.lastByNumber[number] = row.Number
			idx.lastByEmail[email] = row.Number
		}
	}
}

// isSuperseded reports whether a later row carries the same employee_number
// or email, making this occurrence a keep-last loser.
func (idx *keepLastIndex) isSuperseded(number, email string, row int64) bool {
	if idx == nil || number == "" || email == "" {
		return false
	}
	if last, ok := idx.lastByNumber[number]; ok && last > row {
		return true
	}
	if last, ok := idx.lastByEmail[email]; ok && last > row {
		return true
	}
	return false
}

// dedupDecision is the outcome of the combined duplicate checks for one row.
type dedupDecision int

const (
	decideInsert dedupDecision = iota
	decideUpdate
	decideSkipSession
	decideSkipStore
)

// Deduplicator holds the per-job session sets and consults the employee store.
// Single-writer per job; no internal locking needed.
type Deduplicator struct {
	employees *postgres.EmployeeRepo
	ledger    *postgres.ProcessedRecordRepo

	seenNumbers map[string]bool
	seenEmails  map[string]bool
}

// NewDeduplicator creates a deduplicator with empty session sets.
func NewDeduplicator(employees *postgres.EmployeeRepo, ledger *postgres.ProcessedRecordRepo) *Deduplicator {
	return &Deduplicator{
		employees:   employees,
		ledger:      ledger,
		seenNumbers: make(map[string]bool),
		seenEmails:  make(map[string]bool),
	}
}

// RebuildTrackingState reloads the session sets from the durable ledger.
// Called on resumption so already-processed keys are skipped without
// rereading upstream rows.
func (d *Deduplicator) RebuildTrackingState(ctx context.Context, jobID string) error {
	numbers, emails, err := d.ledger.LoadKeys(ctx, jobID)
	if err != nil {
		return fmt.Errorf("rebuild tracking state: %w", err)
	}
	d.seenNumbers = numbers
	d.seenEmails = emails
	return nil
}

// Decide runs the decision table for one row with valid keys:
// session duplicate → skip; store duplicate → update or skip by policy;
// otherwise insert.
func (d *Deduplicator) Decide(ctx context.Context, tx postgres.DBTX, number, email string, updateExisting bool) (dedupDecision, *domain.Employee, error) {
	if d.seenNumbers[number] || d.seenEmails[email] {
		return decideSkipSession, nil, nil
	}

	existing, err := d.findExisting(ctx, tx, number, email)
	if err != nil {
		return decideInsert, nil, err
	}
	if existing == nil {
		return decideInsert, nil, nil
	}
	if updateExisting {
		return decideUpdate, existing, nil
	}
	return decideSkipStore, existing, nil
}

// findExisting queries by employee_number first, then email, returning the
// first hit.
func (d *Deduplicator) findExisting(ctx context.Context, tx postgres.DBTX, number, email string) (*domain.Employee, error) {
	emp, err := d.employees.FindByNumber(ctx, tx, number)
	if err == nil {
		return emp, nil
	}
	if !errors.Is(err, postgres.ErrEmployeeNotFound) {
		return nil, fmt.Errorf("lookup employee by number: %w", err)
	}
	emp, err = d.employees.FindByEmail(ctx, tx, email)
	if err == nil {
		return emp, nil
	}
	if !errors.Is(err, postgres.ErrEmployeeNotFound) {
		return nil, fmt.Errorf("lookup employee by email: %w", err)
	}
	return nil, nil
}

// MarkProcessed adds a winner's keys to the session sets.
func (d *Deduplicator) MarkProcessed(number, email string) {
	if number != "" {
		d.seenNumbers[number] = true
	}
	if email != "" {
		d.seenEmails[email] = true
	}
}

// ConsistencyReport is the result of the diagnostic ledger check.
type ConsistencyReport struct {
	LedgerCount      int64 `json:"ledger_count"`
	ProcessedRows    int64 `json:"processed_rows"`
	DuplicateNumbers int64 `json:"duplicate_numbers"`
	DuplicateEmails  int64 `json:"duplicate_emails"`
	Consistent       bool  `json:"consistent"`
}

// ValidateConsistency recomputes that the ledger row count matches the job's
// processed counter and that no processed key appears twice. Discrepancies
// are surfaced to operators, not repaired.
func (d *Deduplicator) ValidateConsistency(ctx context.Context, job *domain.ImportJob) (*ConsistencyReport, error) {
	count, err := d.ledger.CountByJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	dupNumbers, dupEmails, err := d.ledger.DuplicateKeyCounts(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	report := &ConsistencyReport{
		LedgerCount:      count,
		ProcessedRows:    job.ProcessedRows,
		DuplicateNumbers: dupNumbers,
		DuplicateEmails:  dupEmails,
	}
	report.Consistent = count == job.ProcessedRows && dupNumbers == 0 && dupEmails == 0
	return report, nil
}
