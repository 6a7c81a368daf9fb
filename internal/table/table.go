// Package table holds the tabular datasets exchanged between data sources and
// the aggregation packages. Cells are kept as trimmed strings; an empty cell
// is a null.
package table

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"segment-dashboard/internal/errors"
)

type Table struct {
	Columns []string
	Rows    [][]string
}

func New(columns []string, rows [][]string) *Table {
	return &Table{Columns: columns, Rows: rows}
}

func (t *Table) Len() int {
	return len(t.Rows)
}

// Index returns the position of column, matching case-insensitively and
// ignoring spaces, underscores and dashes.
func (t *Table) Index(column string) (int, bool) {
	want := NormalizeHeader(column)
	for i, c := range t.Columns {
		if NormalizeHeader(c) == want {
			return i, true
		}
	}
	return -1, false
}

// Require resolves every column or fails with a MissingColumn error naming
// all absent ones.
func (t *Table) Require(columns ...string) ([]int, error) {
	indexes := make([]int, len(columns))
	var missing []string
	for i, c := range columns {
		idx, ok := t.Index(c)
		if !ok {
			missing = append(missing, c)
			continue
		}
		indexes[i] = idx
	}
	if len(missing) > 0 {
		return nil, errors.MissingColumn(missing...)
	}
	return indexes, nil
}

func (t *Table) Value(row, idx int) string {
	if row < 0 || row >= len(t.Rows) {
		return ""
	}
	return Cell(t.Rows[row], idx)
}

// Distinct returns the distinct non-null values of the column at idx in
// first-seen order.
func (t *Table) Distinct(idx int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range t.Rows {
		v := Cell(r, idx)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func Cell(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

func NormalizeHeader(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = strings.ReplaceAll(value, " ", "")
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}

func ParseFloat(value string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.ParseFloat(value, 64)
}

func ParseInt(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// ParseBool accepts the flag encodings found in exported tables.
func ParseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "1", "true", "t", "yes", "y":
		return true, nil
	case "", "0", "false", "f", "no", "n":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", value)
}

func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	layouts := []string{
		"2006-01-02",
		"2006/01/02",
		"02.01.2006",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		time.RFC3339,
		time.RFC3339Nano,
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date format: %s", value)
}

func DateOnly(value time.Time) time.Time {
	if value.IsZero() {
		return value
	}
	return time.Date(value.Year(), value.Month(), value.Day(), 0, 0, 0, 0, time.UTC)
}
