package importer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// =============================================================================
// STREAMING READER - format dispatch and shared helpers
// =============================================================================
// Yields one normalized record at a time from CSV or workbook files, starting
// at a 1-based data-row offset. At most one chunk of rows is resident at any
// time plus fixed-size library buffers, independent of file size.

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrMissingHeaders    = errors.New("missing required headers")
	ErrEmptyFile         = errors.New("file is empty")
)

// RequiredHeaders is the fixed header set an import file must carry.
// Missing any of these is a file-level rejection before any row is processed.
var RequiredHeaders = []string{
	"employee_number", "first_name", "last_name", "email",
	"department", "salary", "currency", "country_code", "start_date",
}

// Row is one normalized input record paired with its 1-based data row number
// (header row excluded).
type Row struct {
	Number int64
	Fields map[string]string
}

// RecordReader streams normalized records from an import file.
// Implementations are forward-only and not safe for concurrent use.
type RecordReader interface {
	// Headers returns the normalized header names in file order.
	Headers() []string
	// ReadChunk returns up to max rows. An empty slice with nil error means
	// the input is exhausted.
	ReadChunk(ctx context.Context, max int) ([]Row, error)
	Close() error
}

// OpenReader opens a streaming reader for the file at path, positioned so the
// first record returned corresponds to data row startRow (1-based; 1 means
// the first row after the headers).
func OpenReader(path string, startRow int64) (RecordReader, error) {
	if startRow < 1 {
		startRow = 1
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return openCSVReader(path, startRow)
	case ".xlsx":
		return openWorkbookReader(path, startRow)
	case ".xls":
		return openLegacyWorkbookReader(path, startRow)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// CountDataRows performs the dedicated full counting pass: the number of
// non-empty data rows after the header. Run once per job before the first
// record is yielded.
func CountDataRows(path string) (int64, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return countCSVRows(path)
	case ".xlsx":
		return countWorkbookRows(path)
	case ".xls":
		return countLegacyWorkbookRows(path)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalizeHeader lowercases a header and converts internal whitespace runs
// to underscores, producing the mapping key for the row fields.
func normalizeHeader(header string) string {
	normalized := strings.ToLower(strings.TrimSpace(header))
	return whitespaceRun.ReplaceAllString(normalized, "_")
}

func normalizeHeaders(raw []string) []string {
	out := make([]string, len(raw))
	for i, h := range raw {
		out[i] = normalizeHeader(h)
	}
	return out
}

// checkRequiredHeaders verifies the fixed header set is present.
func checkRequiredHeaders(headers []string) error {
	have := make(map[string]bool, len(headers))
	for _, h := range headers {
		have[h] = true
	}
	var missing []string
	for _, req := range RequiredHeaders {
		if !have[req] {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingHeaders, strings.Join(missing, ", "))
	}
	return nil
}

// mapRow pairs header names with cell values. Short rows get empty strings
// for the missing trailing fields; extra cells beyond the headers are dropped.
func mapRow(headers, cells []string) map[string]string {
	fields := make(map[string]string, len(headers))
	for i, h := range headers {
		if i < len(cells) {
			fields[h] = cells[i]
		} else {
			fields[h] = ""
		}
	}
	return fields
}

// isBlankRow reports whether every cell is empty after trimming. Blank rows
// are not data rows; both the counting pass and the readers skip them.
func isBlankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
