package importer

import (
	"context"
	"fmt"

	"github.com/shakinm/xlsReader/xls"
)

// legacyWorkbookReader streams records from a BIFF workbook. The decoder
// holds the whole file in memory, so chunking here only bounds how many rows
// are materialized as records at a time.
type legacyWorkbookReader struct {
	wb      xls.Workbook
	headers []string
	nextRow int64
	done    bool
}

func openLegacyWorkbookReader(path string, startRow int64) (*legacyWorkbookReader, error) {
	wb, err := xls.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open legacy workbook: %w", err)
	}

	raw, err := legacyRowStrings(&wb, 0)
	if err != nil || len(raw) == 0 {
		return nil, ErrEmptyFile
	}
	headers := normalizeHeaders(raw)
	if err := checkRequiredHeaders(headers); err != nil {
		return nil, err
	}

	return &legacyWorkbookReader{wb: wb, headers: headers, nextRow: startRow}, nil
}

// legacyRowStrings returns the string cells of physical row i on the first
// sheet. Sparse sheets report missing rows as errors; callers treat those as
// blank.
func legacyRowStrings(wb *xls.Workbook, i int) ([]string, error) {
	sh, err := wb.GetSheet(0)
	if err != nil {
		return nil, fmt.Errorf("open legacy sheet: %w", err)
	}
	r, err := sh.GetRow(i)
	if err != nil {
		return nil, err
	}
	cols := r.GetCols()
	out := make([]string, len(cols))
	for j, c := range cols {
		out[j] = c.GetString()
	}
	return out, nil
}

func legacyRowCount(wb *xls.Workbook) (int, error) {
	sh, err := wb.GetSheet(0)
	if err != nil {
		return 0, fmt.Errorf("open legacy sheet: %w", err)
	}
	return sh.GetNumberRows(), nil
}

func (lr *legacyWorkbookReader) Headers() []string { return lr.headers }

func (lr *legacyWorkbookReader) ReadChunk(ctx context.Context, max int) ([]Row, error) {
	if lr.done || max <= 0 {
		return nil, nil
	}

	last, err := legacyRowCount(&lr.wb)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, max)
	var dataRow int64
	for i := 1; i <= last; i++ {
		if err := ctx.Err(); err != nil {
			return rows, err
		}
		cells, err := legacyRowStrings(&lr.wb, i)
		if err != nil || isBlankRow(cells) {
			continue
		}
		dataRow++
		if dataRow < lr.nextRow {
			continue
		}
		rows = append(rows, Row{Number: dataRow, Fields: mapRow(lr.headers, cells)})
		lr.nextRow = dataRow + 1
		if len(rows) == max {
			return rows, nil
		}
	}
	lr.done = true
	return rows, nil
}

func (lr *legacyWorkbookReader) Close() error { return nil }

// countLegacyWorkbookRows counts non-empty data rows after the header.
func countLegacyWorkbookRows(path string) (int64, error) {
	wb, err := xls.OpenFile(path)
	if err != nil {
		return 0, fmt.Errorf("open legacy workbook: %w", err)
	}
	last, err := legacyRowCount(&wb)
	if err != nil {
		return 0, err
	}

	var n int64
	for i := 1; i <= last; i++ {
		cells, err := legacyRowStrings(&wb, i)
		if err != nil {
			continue
		}
		if !isBlankRow(cells) {
			n++
		}
	}
	return n, nil
}
