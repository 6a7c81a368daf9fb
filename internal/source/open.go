package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"segment-dashboard/internal/config"
)

const (
	DatasetSegments = "segments"
	DatasetSurvival = "survival"
)

// Open builds the configured source wrapped with retries and the file cache.
// The returned closer releases the database connection, if any.
func Open(ctx context.Context, cfg config.SourceConfig, logger *slog.Logger) (Source, io.Closer, error) {
	var base Source
	var closer io.Closer = nopCloser{}

	switch cfg.Kind {
	case config.SourceCSV:
		base = NewCSVSource(map[string]string{
			DatasetSegments: cfg.SegmentsCSV,
			DatasetSurvival: cfg.SurvivalCSV,
		})
	case config.SourcePostgres:
		src, err := OpenPostgres(ctx, cfg.DatabaseURL, cfg.Schema)
		if err != nil {
			return nil, nil, err
		}
		base, closer = src, src
	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}

	var src Source = WithRetry(base, cfg.FetchRetries, cfg.FetchTimeout, logger)
	if cfg.CacheDir != "" {
		src = WithCache(src, cfg.CacheDir, cfg.CacheTTL, logger)
	}
	return src, closer, nil
}

// SegmentsQuery selects the segment snapshots of the given periods. No
// periods selects every snapshot.
func SegmentsQuery(cfg config.SourceConfig, timeColumn string, periods []string) Query {
	q := Query{Dataset: DatasetSegments, Table: cfg.SegmentsTable}
	if len(periods) > 0 {
		q.FilterColumn = timeColumn
		q.FilterValues = periods
	}
	return q
}

// SurvivalQuery runs the survival procedure and reads its result table.
func SurvivalQuery(cfg config.SourceConfig) Query {
	q := Query{Dataset: DatasetSurvival, Table: cfg.SurvivalResultTable, Procedure: cfg.SurvivalProcedure}
	for _, arg := range cfg.SurvivalArgs {
		q.Args = append(q.Args, arg)
	}
	return q
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
