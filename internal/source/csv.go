package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"segment-dashboard/internal/errors"
	"segment-dashboard/internal/table"
)

// CSVSource reads datasets from CSV exports, one file per dataset.
type CSVSource struct {
	files map[string]string
}

func NewCSVSource(files map[string]string) *CSVSource {
	return &CSVSource{files: files}
}

func (s *CSVSource) Name() string {
	return "csv"
}

func (s *CSVSource) path(q Query) (string, error) {
	path, ok := s.files[q.Dataset]
	if !ok || path == "" {
		return "", errors.NotFound(fmt.Sprintf("no csv file configured for dataset %q", q.Dataset))
	}
	return path, nil
}

// Modified reports the modification time of the dataset's file.
func (s *CSVSource) Modified(q Query) (time.Time, error) {
	path, err := s.path(q)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Fetch reads the whole file. Procedure and Table are ignored; the filter
// is applied while reading.
func (s *CSVSource) Fetch(ctx context.Context, q Query) (*table.Table, error) {
	path, err := s.path(q)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	return readCSV(ctx, file, q)
}

func readCSV(ctx context.Context, r io.Reader, q Query) (*table.Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.InputShape("empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	t := table.New(header, nil)
	filterIdx := -1
	if q.FilterColumn != "" {
		idx, err := t.Require(q.FilterColumn)
		if err != nil {
			return nil, err
		}
		filterIdx = idx[0]
	}

	for line := 2; ; line++ {
		if line%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		if filterIdx >= 0 && !slices.Contains(q.FilterValues, table.Cell(record, filterIdx)) {
			continue
		}
		t.Rows = append(t.Rows, record)
	}
	return t, nil
}
