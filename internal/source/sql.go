package source

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"segment-dashboard/internal/errors"
	"segment-dashboard/internal/table"
)

var identifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SQLSource reads datasets from Postgres. Stored procedures are run with
// CALL before the result table is selected.
type SQLSource struct {
	db     *sql.DB
	schema string
}

// OpenPostgres connects through the pgx driver and pings the server.
func OpenPostgres(ctx context.Context, url, schema string) (*SQLSource, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	src, err := NewSQLSource(db, schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	return src, nil
}

func NewSQLSource(db *sql.DB, schema string) (*SQLSource, error) {
	schema = strings.TrimSpace(schema)
	if schema != "" && !identifier.MatchString(schema) {
		return nil, errors.Validation(fmt.Sprintf("invalid schema name: %s", schema))
	}
	return &SQLSource{db: db, schema: schema}, nil
}

func (s *SQLSource) Name() string {
	return "postgres"
}

func (s *SQLSource) Close() error {
	return s.db.Close()
}

// qualify validates name and prefixes the schema unless name already
// carries one.
func (s *SQLSource) qualify(name string) (string, error) {
	parts := strings.Split(strings.TrimSpace(name), ".")
	if len(parts) > 2 {
		return "", errors.Validation(fmt.Sprintf("invalid object name: %s", name))
	}
	for _, p := range parts {
		if !identifier.MatchString(p) {
			return "", errors.Validation(fmt.Sprintf("invalid object name: %s", name))
		}
	}
	if len(parts) == 1 && s.schema != "" {
		return s.schema + "." + parts[0], nil
	}
	return strings.Join(parts, "."), nil
}

func placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "$" + strconv.Itoa(from+i)
	}
	return strings.Join(ph, ", ")
}

func (s *SQLSource) Fetch(ctx context.Context, q Query) (*table.Table, error) {
	if q.Procedure != "" {
		proc, err := s.qualify(q.Procedure)
		if err != nil {
			return nil, err
		}
		stmt := fmt.Sprintf("CALL %s(%s)", proc, placeholders(1, len(q.Args)))
		if _, err := s.db.ExecContext(ctx, stmt, q.Args...); err != nil {
			return nil, fmt.Errorf("call %s: %w", proc, err)
		}
	}

	from, err := s.qualify(q.Table)
	if err != nil {
		return nil, err
	}
	stmt := "SELECT * FROM " + from
	var args []any
	if q.FilterColumn != "" {
		if !identifier.MatchString(q.FilterColumn) {
			return nil, errors.Validation(fmt.Sprintf("invalid column name: %s", q.FilterColumn))
		}
		if len(q.FilterValues) == 0 {
			return nil, errors.Validation("filter column given without values")
		}
		stmt += fmt.Sprintf(" WHERE %s IN (%s)", q.FilterColumn, placeholders(1, len(q.FilterValues)))
		for _, v := range q.FilterValues {
			args = append(args, v)
		}
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", from, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	t := table.New(columns, nil)
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		record := make([]string, len(columns))
		for i, v := range values {
			record[i] = formatValue(v)
		}
		t.Rows = append(t.Rows, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return t, nil
}

// formatValue renders a scanned driver value as a table cell. NULL becomes
// the empty cell.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case string:
		return val
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return val.Format("2006-01-02")
		}
		return val.Format(time.RFC3339)
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
