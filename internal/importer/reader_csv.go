package importer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// csvReader streams records from a CSV file. The underlying file handle stays
// open across chunks so resumed reads never rescan already-consumed rows.
type csvReader struct {
	file    *os.File
	r       *csv.Reader
	headers []string
	nextRow int64
	done    bool
}

func openCSVReader(path string, startRow int64) (*csvReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	rawHeaders, err := r.Read()
	if err == io.EOF {
		f.Close()
		return nil, ErrEmptyFile
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read csv headers: %w", err)
	}

	headers := normalizeHeaders(rawHeaders)
	if err := checkRequiredHeaders(headers); err != nil {
		f.Close()
		return nil, err
	}

	cr := &csvReader{file: f, r: r, headers: headers, nextRow: 1}

	// Skip already-processed data rows when resuming.
	for cr.nextRow < startRow {
		cells, err := r.Read()
		if err == io.EOF {
			cr.done = true
			break
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("skip csv row %d: %w", cr.nextRow, err)
		}
		if isBlankRow(cells) {
			continue
		}
		cr.nextRow++
	}
	return cr, nil
}

func (cr *csvReader) Headers() []string { return cr.headers }

func (cr *csvReader) ReadChunk(ctx context.Context, max int) ([]Row, error) {
	if cr.done || max <= 0 {
		return nil, nil
	}
	rows := make([]Row, 0, max)
	for len(rows) < max {
		if err := ctx.Err(); err != nil {
			return rows, err
		}
		cells, err := cr.r.Read()
		if err == io.EOF {
			cr.done = true
			break
		}
		if err != nil {
			return rows, fmt.Errorf("read csv row %d: %w", cr.nextRow, err)
		}
		if isBlankRow(cells) {
			continue
		}
		rows = append(rows, Row{Number: cr.nextRow, Fields: mapRow(cr.headers, cells)})
		cr.nextRow++
	}
	return rows, nil
}

func (cr *csvReader) Close() error { return cr.file.Close() }

// countCSVRows counts non-empty data rows without retaining them.
func countCSVRows(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	if _, err := r.Read(); err == io.EOF {
		return 0, ErrEmptyFile
	} else if err != nil {
		return 0, fmt.Errorf("read csv headers: %w", err)
	}

	var n int64
	for {
		cells, err := r.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("count csv rows: %w", err)
		}
		if !isBlankRow(cells) {
			n++
		}
	}
}
