package importer

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// workbookReader streams records from a spreadsheet. Each chunk reopens the
// workbook and walks the row iterator to the current position, so only one
// window of rows is ever resident regardless of sheet size. Cell values come
// back calculated, never as formula text.
type workbookReader struct {
	path    string
	sheet   string
	headers []string
	nextRow int64
	done    bool
}

func openWorkbookReader(path string, startRow int64) (*workbookReader, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, ErrEmptyFile
	}

	rawHeaders, err := readWorkbookHeaders(f, sheet)
	if err != nil {
		return nil, err
	}
	headers := normalizeHeaders(rawHeaders)
	if err := checkRequiredHeaders(headers); err != nil {
		return nil, err
	}

	return &workbookReader{path: path, sheet: sheet, headers: headers, nextRow: startRow}, nil
}

func readWorkbookHeaders(f *excelize.File, sheet string) ([]string, error) {
	iter, err := f.Rows(sheet)
	if err != nil {
		return nil, fmt.Errorf("open sheet rows: %w", err)
	}
	defer iter.Close()

	if !iter.Next() {
		if err := iter.Error(); err != nil {
			return nil, fmt.Errorf("read workbook headers: %w", err)
		}
		return nil, ErrEmptyFile
	}
	headers, err := iter.Columns()
	if err != nil {
		return nil, fmt.Errorf("read workbook headers: %w", err)
	}
	if len(headers) == 0 {
		return nil, ErrEmptyFile
	}
	return headers, nil
}

func (wr *workbookReader) Headers() []string { return wr.headers }

func (wr *workbookReader) ReadChunk(ctx context.Context, max int) ([]Row, error) {
	if wr.done || max <= 0 {
		return nil, nil
	}

	f, err := excelize.OpenFile(wr.path)
	if err != nil {
		return nil, fmt.Errorf("reopen workbook: %w", err)
	}
	defer f.Close()

	iter, err := f.Rows(wr.sheet)
	if err != nil {
		return nil, fmt.Errorf("open sheet rows: %w", err)
	}
	defer iter.Close()

	// Header row.
	if !iter.Next() {
		wr.done = true
		return nil, iter.Error()
	}

	rows := make([]Row, 0, max)
	var dataRow int64
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return rows, err
		}
		cells, err := iter.Columns()
		if err != nil {
			return rows, fmt.Errorf("read workbook row: %w", err)
		}
		if isBlankRow(cells) {
			continue
		}
		dataRow++
		if dataRow < wr.nextRow {
			continue
		}
		rows = append(rows, Row{Number: dataRow, Fields: mapRow(wr.headers, cells)})
		wr.nextRow = dataRow + 1
		if len(rows) == max {
			return rows, nil
		}
	}
	if err := iter.Error(); err != nil && err != io.EOF {
		return rows, fmt.Errorf("iterate workbook rows: %w", err)
	}
	wr.done = true
	return rows, nil
}

func (wr *workbookReader) Close() error { return nil }

// countWorkbookRows counts non-empty data rows after the header.
func countWorkbookRows(path string) (int64, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return 0, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return 0, ErrEmptyFile
	}

	iter, err := f.Rows(sheet)
	if err != nil {
		return 0, fmt.Errorf("open sheet rows: %w", err)
	}
	defer iter.Close()

	if !iter.Next() {
		if err := iter.Error(); err != nil {
			return 0, fmt.Errorf("count workbook rows: %w", err)
		}
		return 0, ErrEmptyFile
	}

	var n int64
	for iter.Next() {
		cells, err := iter.Columns()
		if err != nil {
			return 0, fmt.Errorf("count workbook rows: %w", err)
		}
		if !isBlankRow(cells) {
			n++
		}
	}
	if err := iter.Error(); err != nil && err != io.EOF {
		return 0, fmt.Errorf("count workbook rows: %w", err)
	}
	return n, nil
}
