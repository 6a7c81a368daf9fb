// Package source fetches the tabular datasets the reports are built from.
// Every source returns a table.Table; wrappers add retries and an on-disk
// cache without the callers noticing.
package source

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"segment-dashboard/internal/table"
)

// Query describes one dataset fetch.
type Query struct {
	// Dataset is the logical name, used for file lookup and cache keys.
	Dataset string
	// Table is the table (or view) holding the result rows.
	Table string
	// Procedure, when set, is called with Args before Table is read.
	Procedure string
	Args      []any
	// FilterColumn restricts the rows to those whose value is in
	// FilterValues.
	FilterColumn string
	FilterValues []string
}

func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.Dataset)
	if q.Procedure != "" {
		fmt.Fprintf(&b, " call=%s%v", q.Procedure, q.Args)
	}
	if q.Table != "" {
		fmt.Fprintf(&b, " table=%s", q.Table)
	}
	if q.FilterColumn != "" {
		fmt.Fprintf(&b, " %s in %v", q.FilterColumn, q.FilterValues)
	}
	return b.String()
}

type Source interface {
	Name() string
	Fetch(ctx context.Context, q Query) (*table.Table, error)
}

// Modifier is implemented by sources that can tell when a dataset last
// changed.
type Modifier interface {
	Modified(q Query) (time.Time, error)
}

// ErrNotTracked is returned by Modified when the source cannot tell.
var ErrNotTracked = stderrors.New("modification time not tracked")
