package importer

import (
	"context"

	"github.com/ignite/employee-import/internal/domain"
	"github.com/ignite/employee-import/internal/pkg/logger"
	"github.com/ignite/employee-import/internal/repository/postgres"
)

// Fixed duplicate messages; consumers match on these prefixes.
const (
	MsgDuplicateInFile  = "duplicate: a later row carries the same employee_number or email"
	MsgDuplicateSession = "duplicate: already processed in this import"
	MsgDuplicateStore   = "duplicate: employee already exists"
	MsgDuplicateRace    = "duplicate: employee was created by a concurrent import"
)

// MsgInvalidEncoding marks rows whose cells are not valid UTF-8.
const MsgInvalidEncoding = "row contains invalid character encoding"

// ErrorRecorder persists classified row errors inside the chunk transaction.
type ErrorRecorder struct {
	errors *postgres.ImportErrorRepo
}

// NewErrorRecorder creates the recorder.
func NewErrorRecorder(errors *postgres.ImportErrorRepo) *ErrorRecorder {
	return &ErrorRecorder{errors: errors}
}

// RecordTx appends one row error. The row-data snapshot travels with it so
// operators can see the offending input without reopening the file.
func (r *ErrorRecorder) RecordTx(ctx context.Context, tx postgres.DBTX, jobID string, rowNumber int64, errType, message string, rowData map[string]string) error {
	return r.errors.InsertTx(ctx, tx, &domain.ImportError{
		ImportJobID:  jobID,
		RowNumber:    rowNumber,
		ErrorType:    errType,
		ErrorMessage: message,
		RowData:      rowData,
	})
}

// RecordValidationTx appends one error per message for a row that failed
// several rules. Policy-driven messages (a start date in the future) are
// tagged business_rule; the rest are schema validation failures.
func (r *ErrorRecorder) RecordValidationTx(ctx context.Context, tx postgres.DBTX, jobID string, rowNumber int64, messages []string, rowData map[string]string) error {
	for _, msg := range messages {
		if err := r.RecordTx(ctx, tx, jobID, rowNumber, classifyValidation(msg), msg, rowData); err != nil {
			return err
		}
	}
	logger.Event("validation_errors", jobID, "row", rowNumber, "count", len(messages))
	return nil
}

func classifyValidation(msg string) string {
	if msg == MsgStartDateFuture {
		return domain.ErrorTypeBusinessRule
	}
	return domain.ErrorTypeValidation
}
