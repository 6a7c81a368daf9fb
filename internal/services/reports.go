package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"segment-dashboard/internal/config"
	"segment-dashboard/internal/errors"
	"segment-dashboard/internal/models"
	"segment-dashboard/internal/observability"
	"segment-dashboard/internal/segments"
	"segment-dashboard/internal/source"
	"segment-dashboard/internal/survival"
	"segment-dashboard/internal/table"
)

// SegmentParams selects the dimension and the two periods of a transition
// report. Empty periods fall back to the configured ones, then to the two
// latest periods in the data.
type SegmentParams struct {
	Dimension string
	From      string
	To        string
	Direction string
}

func (p SegmentParams) key() string {
	return strings.Join([]string{p.Dimension, p.From, p.To, p.Direction}, "|")
}

// Reports builds every dashboard report from the segment and survival
// tables. Built reports are memoised until the tables are reloaded;
// concurrent requests for the same report share one build.
type Reports struct {
	src     source.Source
	srcCfg  config.SourceConfig
	cfg     config.AnalyticsConfig
	catalog *config.Catalog
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.RWMutex
	segments   *table.Table
	survival   *table.Table
	loadedAt   time.Time
	generation uint64
	cache      map[string]any

	group  singleflight.Group
	builds atomic.Int64
	hits   atomic.Int64
}

func NewReports(src source.Source, srcCfg config.SourceConfig, cfg config.AnalyticsConfig, catalog *config.Catalog, logger *slog.Logger) *Reports {
	if catalog == nil {
		catalog = config.DefaultCatalog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reports{
		src:     src,
		srcCfg:  srcCfg,
		cfg:     cfg,
		catalog: catalog,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[string]any),
	}
}

// SetTables replaces the loaded tables, e.g. with fixtures in tests.
func (r *Reports) SetTables(segmentsTable, survivalTable *table.Table) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.segments = segmentsTable
	r.survival = survivalTable
	r.loadedAt = r.now()
	r.generation++
	r.cache = make(map[string]any)
}

// Load fetches both datasets concurrently and resets every memoised report.
func (r *Reports) Load(ctx context.Context) error {
	if r.src == nil {
		return errors.ServiceUnavailable("no data source configured")
	}
	start := time.Now()

	var segmentsTable, survivalTable *table.Table
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := r.src.Fetch(gctx, source.SegmentsQuery(r.srcCfg, r.cfg.TimeColumn, nil))
		if err != nil {
			return fmt.Errorf("fetch segments: %w", err)
		}
		segmentsTable = t
		return nil
	})
	g.Go(func() error {
		t, err := r.src.Fetch(gctx, source.SurvivalQuery(r.srcCfg))
		if err != nil {
			return fmt.Errorf("fetch survival: %w", err)
		}
		survivalTable = t
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	r.SetTables(segmentsTable, survivalTable)
	r.logger.Info("datasets loaded",
		"segments_rows", segmentsTable.Len(),
		"survival_rows", survivalTable.Len(),
		"duration", time.Since(start),
	)
	return nil
}

func (r *Reports) tables(ctx context.Context) (*table.Table, *table.Table, uint64, error) {
	r.mu.RLock()
	seg, surv, gen := r.segments, r.survival, r.generation
	r.mu.RUnlock()
	if seg != nil && surv != nil {
		return seg, surv, gen, nil
	}

	// Concurrent first requests trigger a single load.
	if _, err, _ := r.group.Do("load", func() (any, error) {
		r.mu.RLock()
		loaded := r.segments != nil && r.survival != nil
		r.mu.RUnlock()
		if loaded {
			return nil, nil
		}
		return nil, r.Load(ctx)
	}); err != nil {
		return nil, nil, 0, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.segments, r.survival, r.generation, nil
}

// maxCachedReports bounds the memo. Once it is full, reports are still
// built but no longer stored.
const maxCachedReports = 256

// memo returns the cached value of key or builds and stores it once.
func memo[T any](ctx context.Context, r *Reports, report, key string, build func(ctx context.Context, seg, surv *table.Table) (T, error)) (T, error) {
	return compute(ctx, r, report, key, true, build)
}

// transient builds a report without storing it. Concurrent identical
// requests still share one build.
func transient[T any](ctx context.Context, r *Reports, report, key string, build func(ctx context.Context, seg, surv *table.Table) (T, error)) (T, error) {
	return compute(ctx, r, report, key, false, build)
}

func compute[T any](ctx context.Context, r *Reports, report, key string, store bool, build func(ctx context.Context, seg, surv *table.Table) (T, error)) (T, error) {
	var zero T
	seg, surv, gen, err := r.tables(ctx)
	if err != nil {
		return zero, err
	}

	cacheKey := fmt.Sprintf("%d|%s|%s", gen, report, key)
	if store {
		r.mu.RLock()
		cached, ok := r.cache[cacheKey]
		r.mu.RUnlock()
		if ok {
			r.hits.Add(1)
			return cached.(T), nil
		}
	} else {
		cacheKey = "transient|" + cacheKey
	}

	v, err, _ := r.group.Do(cacheKey, func() (any, error) {
		ctx, span := observability.StartSpan(ctx, "report."+report)
		span.SetTag("key", key)

		start := time.Now()
		out, err := build(ctx, seg, surv)
		observability.ReportDuration.WithLabelValues(report).Observe(time.Since(start).Seconds())
		r.builds.Add(1)
		span.Finish()
		if err != nil {
			span.SetError(err)
			r.logger.Debug("report failed", "key", key, "span", span)
			return nil, err
		}

		if store {
			r.mu.Lock()
			switch {
			case r.generation != gen:
			case len(r.cache) >= maxCachedReports:
				r.logger.Debug("report cache full", "key", key, "size", len(r.cache))
			default:
				r.cache[cacheKey] = out
			}
			r.mu.Unlock()
		}
		r.logger.Debug("report built", "key", key, "span", span)
		return out, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// defaultDimension is used when a request names no dimension.
const defaultDimension = "rfm"

func dimensionName(name string) string {
	if name == "" {
		return defaultDimension
	}
	return name
}

func (r *Reports) dimension(name string) (config.Dimension, error) {
	name = dimensionName(name)
	dim, ok := r.catalog.Dimension(name)
	if !ok {
		return config.Dimension{}, errors.NotFound(fmt.Sprintf("unknown dimension %q, must be one of: %s", name, strings.Join(r.catalog.DimensionNames(), ", ")))
	}
	return dim, nil
}

func (r *Reports) colors(dim config.Dimension) segments.Colors {
	palette := r.catalog.Palette
	if len(palette) == 0 {
		palette = segments.DefaultPalette
	}
	return segments.Colors{Map: dim.Colors, Palette: palette, Fallback: r.catalog.FallbackColor}
}

// records extracts the entity records of one dimension across all periods.
// Labels outside the catalog are logged and counted once per load.
func (r *Reports) records(ctx context.Context, dimension string) ([]models.EntityRecord, error) {
	dim, err := r.dimension(dimension)
	if err != nil {
		return nil, err
	}
	return memo(ctx, r, "records", dim.Column, func(ctx context.Context, seg, _ *table.Table) ([]models.EntityRecord, error) {
		records, err := segments.Extract(seg, segments.Columns{
			Entity:   r.cfg.EntityColumn,
			Time:     r.cfg.TimeColumn,
			Category: dim.Column,
			Value:    r.valueColumn(seg),
			Aliases:  dim.Aliases,
			Missing:  dim.Missing,
		})
		if err != nil {
			return nil, err
		}
		name := dimensionName(dimension)
		for value, n := range segments.Unknown(records, dim.Labels) {
			observability.UnknownCategories.WithLabelValues(name).Add(float64(n))
			r.logger.Warn("unknown category",
				"code", errors.CodeUnknownCategory,
				"dimension", name,
				"value", value,
				"count", n,
			)
		}
		return records, nil
	})
}

// valueColumn returns the configured value column if seg has it.
func (r *Reports) valueColumn(seg *table.Table) string {
	if r.cfg.ValueColumn == "" {
		return ""
	}
	if _, ok := seg.Index(r.cfg.ValueColumn); !ok {
		return ""
	}
	return r.cfg.ValueColumn
}

func (r *Reports) resolve(records []models.EntityRecord, p SegmentParams) (SegmentParams, error) {
	if p.From == "" && p.To == "" && len(r.cfg.Periods) == 2 {
		p.From, p.To = r.cfg.Periods[0], r.cfg.Periods[1]
	}
	if p.From == "" || p.To == "" {
		periods := segments.Periods(records)
		if len(periods) < 2 {
			return p, errors.InputShape("segments table holds %d period(s), need at least two", len(periods))
		}
		if p.From == "" && p.To == "" {
			p.From, p.To = periods[len(periods)-2], periods[len(periods)-1]
		} else {
			return p, errors.Validation("from and to must be given together")
		}
	}
	if p.Direction == "" {
		p.Direction = r.cfg.Direction
	}
	return p, nil
}

// Transitions counts category transitions between two periods.
func (r *Reports) Transitions(ctx context.Context, p SegmentParams) (*models.Transitions, error) {
	records, err := r.records(ctx, p.Dimension)
	if err != nil {
		return nil, err
	}
	p, err = r.resolve(records, p)
	if err != nil {
		return nil, err
	}
	dim, _ := r.dimension(p.Dimension)
	p.Direction = ""
	return memo(ctx, r, "transitions", p.key(), func(ctx context.Context, _, _ *table.Table) (*models.Transitions, error) {
		return segments.Counts(segments.Filter(records, p.From, p.To), []string{p.From, p.To}, dim.Labels)
	})
}

func (r *Reports) Stability(ctx context.Context, p SegmentParams, transitions bool, limit int) ([]models.TransitionPair, error) {
	tr, err := r.Transitions(ctx, p)
	if err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = r.cfg.TopTransitions
	}
	return segments.Stability(tr, transitions, limit), nil
}

func (r *Reports) FanOut(ctx context.Context, p SegmentParams, from string) (*models.FanOut, error) {
	if from == "" {
		return nil, errors.Validation("source category is required")
	}
	tr, err := r.Transitions(ctx, p)
	if err != nil {
		return nil, err
	}
	return segments.FanOut(tr, from)
}

// Treemap reshapes the transitions into a checked two-level hierarchy.
func (r *Reports) Treemap(ctx context.Context, p SegmentParams) ([]models.HierarchyNode, error) {
	dir, err := segments.ParseDirection(p.Direction)
	if err != nil {
		return nil, err
	}
	tr, err := r.Transitions(ctx, p)
	if err != nil {
		return nil, err
	}
	dim, _ := r.dimension(p.Dimension)
	if p.Direction == "" {
		dir, _ = segments.ParseDirection(r.cfg.Direction)
	}
	p.Direction = string(dir)
	p.From, p.To = tr.SourcePeriod, tr.TargetPeriod
	return memo(ctx, r, "treemap", p.key(), func(ctx context.Context, _, _ *table.Table) ([]models.HierarchyNode, error) {
		nodes, err := segments.ToTreemap(tr, dir, dim.Labels, r.colors(dim))
		if err != nil {
			return nil, err
		}
		if err := segments.CheckHierarchy(nodes); err != nil {
			observability.InvariantViolations.WithLabelValues("hierarchy").Inc()
			return nil, err
		}
		return nodes, nil
	})
}

func (r *Reports) Flow(ctx context.Context, p SegmentParams) (*models.FlowGraph, error) {
	dir, err := segments.ParseDirection(p.Direction)
	if err != nil {
		return nil, err
	}
	tr, err := r.Transitions(ctx, p)
	if err != nil {
		return nil, err
	}
	dim, _ := r.dimension(p.Dimension)
	if p.Direction == "" {
		dir, _ = segments.ParseDirection(r.cfg.Direction)
	}
	p.Direction = string(dir)
	p.From, p.To = tr.SourcePeriod, tr.TargetPeriod
	return memo(ctx, r, "flow", p.key(), func(ctx context.Context, _, _ *table.Table) (*models.FlowGraph, error) {
		graph, err := segments.ToFlowGraph(tr, dir, dim.Labels, r.colors(dim).Palette)
		if err != nil {
			if errors.IsCode(err, errors.CodeInputShape) {
				observability.InvariantViolations.WithLabelValues("sentinel_side").Inc()
			}
			return nil, err
		}
		return graph, nil
	})
}

// Hierarchy aggregates the value column per period and category over every
// period in the data.
func (r *Reports) Hierarchy(ctx context.Context, dimension string) ([]models.HierarchyNode, error) {
	records, err := r.records(ctx, dimension)
	if err != nil {
		return nil, err
	}
	dim, _ := r.dimension(dimension)
	return memo(ctx, r, "hierarchy", dim.Column, func(ctx context.Context, _, _ *table.Table) ([]models.HierarchyNode, error) {
		nodes, err := segments.BuildHierarchy(segments.MeasuresByPeriod(records), dim.Labels, r.colors(dim))
		if err != nil {
			return nil, err
		}
		if err := segments.CheckHierarchy(nodes); err != nil {
			observability.InvariantViolations.WithLabelValues("hierarchy").Inc()
			return nil, err
		}
		return nodes, nil
	})
}

// Wide pivots one dimension over two or three periods. No periods selects
// up to the three latest.
func (r *Reports) Wide(ctx context.Context, dimension string, periods []string) ([]models.WideRow, error) {
	records, err := r.records(ctx, dimension)
	if err != nil {
		return nil, err
	}
	run := transient[[]models.WideRow]
	if len(periods) == 0 {
		run = memo[[]models.WideRow]
		periods = segments.Periods(records)
		if len(periods) > 3 {
			periods = periods[len(periods)-3:]
		}
	}
	dim, _ := r.dimension(dimension)
	return run(ctx, r, "wide", dim.Column+"|"+strings.Join(periods, ","), func(ctx context.Context, _, _ *table.Table) ([]models.WideRow, error) {
		return segments.Wide(records, periods, r.colors(dim))
	})
}

// Profile averages numeric feature columns per category of one period.
func (r *Reports) Profile(ctx context.Context, dimension, period string, features []string) (*models.Profile, error) {
	dim, err := r.dimension(dimension)
	if err != nil {
		return nil, err
	}
	if len(features) == 0 && r.cfg.ValueColumn != "" {
		features = []string{r.cfg.ValueColumn}
	}
	run := transient[*models.Profile]
	if period == "" && len(features) == 1 && features[0] == r.cfg.ValueColumn {
		run = memo[*models.Profile]
	}
	key := dim.Column + "|" + period + "|" + strings.Join(features, ",")
	return run(ctx, r, "profile", key, func(ctx context.Context, seg, _ *table.Table) (*models.Profile, error) {
		t := seg
		if period != "" {
			idx, err := seg.Require(r.cfg.TimeColumn)
			if err != nil {
				return nil, err
			}
			t = table.New(seg.Columns, nil)
			for _, row := range seg.Rows {
				if table.Cell(row, idx[0]) == period {
					t.Rows = append(t.Rows, row)
				}
			}
		}
		return segments.Profile(t, dim.Column, features)
	})
}

func (r *Reports) survivalRecords(ctx context.Context) ([]models.SurvivalRecord, error) {
	return memo(ctx, r, "survival_records", "", func(ctx context.Context, _, surv *table.Table) ([]models.SurvivalRecord, error) {
		return survival.Extract(surv, survival.DefaultColumns)
	})
}

// Survival builds the censored survival table. A negative minPopulation
// uses the configured threshold; only that table is memoised. Without a
// configured AsOf, horizons are measured against today and the memo key
// carries the date, so a new day rebuilds the table.
func (r *Reports) Survival(ctx context.Context, minPopulation int) (*models.SurvivalTable, error) {
	run := transient[*models.SurvivalTable]
	if minPopulation < 0 || minPopulation == r.cfg.MinPopulation {
		minPopulation = r.cfg.MinPopulation
		run = memo[*models.SurvivalTable]
	}
	records, err := r.survivalRecords(ctx)
	if err != nil {
		return nil, err
	}
	now := r.cfg.AsOf
	if now.IsZero() {
		now = table.DateOnly(r.now())
	}
	key := fmt.Sprintf("%d|%s", minPopulation, now.Format(time.DateOnly))
	return run(ctx, r, "survival", key, func(ctx context.Context, _, _ *table.Table) (*models.SurvivalTable, error) {
		result, err := survival.Build(records, survival.Options{
			Statuses:      r.catalog.Survival.Statuses,
			MinPopulation: minPopulation,
			Now:           now,
		})
		if err != nil {
			return nil, err
		}
		for status, n := range result.UnknownStatus {
			observability.UnknownCategories.WithLabelValues("status").Add(float64(n))
			r.logger.Warn("unknown category",
				"code", errors.CodeUnknownCategory,
				"dimension", "status",
				"value", status,
				"count", n,
			)
		}
		if len(result.DroppedCohorts) > 0 {
			r.logger.Warn("cohorts without valid first-month accounts",
				"code", errors.CodeEmptyCohort,
				"cohorts", result.DroppedCohorts,
			)
		}
		return result, nil
	})
}

// SurvivalOverview keeps the yearly checkpoints of the survival curves.
func (r *Reports) SurvivalOverview(ctx context.Context, minPopulation int) ([]models.SurvivalRow, error) {
	result, err := r.Survival(ctx, minPopulation)
	if err != nil {
		return nil, err
	}
	return survival.Overview(result.Rows, 365), nil
}

// StatusShares is the first-month status distribution. A non-zero cohort
// keeps only that cohort and orders its groups by their share of the first
// admissible status.
func (r *Reports) StatusShares(ctx context.Context, cohort int) (*StatusReport, error) {
	records, err := r.survivalRecords(ctx)
	if err != nil {
		return nil, err
	}
	run := transient[*StatusReport]
	if cohort == 0 {
		run = memo[*StatusReport]
	}
	return run(ctx, r, "status_shares", fmt.Sprint(cohort), func(ctx context.Context, _, _ *table.Table) (*StatusReport, error) {
		kept, statuses, _ := survival.CleanStatus(records, r.catalog.Survival.Statuses)
		shares := survival.StatusShares(kept, statuses)
		report := &StatusReport{Statuses: statuses, Colors: r.catalog.Survival.Colors}
		for _, s := range shares {
			if cohort == 0 || s.Cohort == cohort {
				report.Shares = append(report.Shares, s)
			}
			if !slices.Contains(report.Cohorts, s.Cohort) {
				report.Cohorts = append(report.Cohorts, s.Cohort)
			}
		}
		sort.Ints(report.Cohorts)
		if cohort != 0 && len(statuses) > 0 {
			report.GroupOrder = survival.RankGroups(shares, cohort, statuses[0])
		}
		return report, nil
	})
}

type StatusReport struct {
	Statuses   []string             `json:"statuses"`
	Colors     map[string]string    `json:"colors,omitempty"`
	Cohorts    []int                `json:"cohorts"`
	GroupOrder []string             `json:"group_order,omitempty"`
	Shares     []models.StatusShare `json:"shares"`
}

// RefreshSummary reports the outcome of RefreshAll per report.
type RefreshSummary struct {
	LoadedAt time.Time         `json:"loaded_at"`
	Duration time.Duration     `json:"duration"`
	Reports  map[string]int    `json:"reports"`
	Failures map[string]string `json:"failures,omitempty"`
}

// RefreshAll reloads both datasets and rebuilds the default reports of
// every dimension concurrently. Report failures are collected rather than
// aborting the refresh; only a failed load is returned as an error.
func (r *Reports) RefreshAll(ctx context.Context) (*RefreshSummary, error) {
	start := time.Now()
	if c, ok := r.src.(interface{ Invalidate(source.Query) error }); ok {
		for _, q := range []source.Query{
			source.SegmentsQuery(r.srcCfg, r.cfg.TimeColumn, nil),
			source.SurvivalQuery(r.srcCfg),
		} {
			if err := c.Invalidate(q); err != nil {
				r.logger.Warn("failed to invalidate cache", "dataset", q.Dataset, "error", err)
			}
		}
	}
	if err := r.Load(ctx); err != nil {
		return nil, err
	}

	summary := &RefreshSummary{Reports: make(map[string]int), Failures: make(map[string]string)}
	var mu sync.Mutex
	record := func(name string, n int, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			summary.Failures[name] = err.Error()
			return
		}
		summary.Reports[name] = n
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, name := range r.catalog.DimensionNames() {
		p := SegmentParams{Dimension: name}
		g.Go(func() error {
			tr, err := r.Transitions(gctx, p)
			if err != nil {
				record("transitions/"+name, 0, err)
				return nil
			}
			record("transitions/"+name, len(tr.Pairs), nil)
			nodes, err := r.Treemap(gctx, p)
			record("treemap/"+name, len(nodes), err)
			graph, err := r.Flow(gctx, p)
			if err == nil {
				record("flow/"+name, len(graph.Edges), nil)
			} else {
				record("flow/"+name, 0, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		result, err := r.Survival(gctx, -1)
		if err != nil {
			record("survival", 0, err)
			return nil
		}
		record("survival", len(result.Rows), nil)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	summary.LoadedAt = r.loadedAt
	r.mu.RUnlock()
	summary.Duration = time.Since(start)
	r.logger.Info("refresh complete",
		"reports", len(summary.Reports),
		"failures", len(summary.Failures),
		"duration", summary.Duration,
	)
	return summary, nil
}

// Stats is used for monitoring.
func (r *Reports) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]any{
		"loaded":         r.segments != nil && r.survival != nil,
		"loaded_at":      r.loadedAt,
		"cached_reports": len(r.cache),
		"report_builds":  r.builds.Load(),
		"cache_hits":     r.hits.Load(),
		"dimensions":     r.catalog.DimensionNames(),
	}
	if r.src != nil {
		stats["source"] = r.src.Name()
	}
	if r.segments != nil {
		stats["segments_rows"] = r.segments.Len()
	}
	if r.survival != nil {
		stats["survival_rows"] = r.survival.Len()
	}
	return stats
}

// DimensionInfo is a catalog dimension with its name.
type DimensionInfo struct {
	Name string `json:"name"`
	config.Dimension
}

// Dimensions lists the catalog dimensions in name order.
func (r *Reports) Dimensions() []DimensionInfo {
	names := r.catalog.DimensionNames()
	out := make([]DimensionInfo, 0, len(names))
	for _, name := range names {
		dim, _ := r.catalog.Dimension(name)
		out = append(out, DimensionInfo{Name: name, Dimension: dim})
	}
	return out
}

// Colors returns the label colors of a dimension.
func (r *Reports) Colors(dimension string) (map[string]string, error) {
	dim, err := r.dimension(dimension)
	if err != nil {
		return nil, err
	}
	return dim.Colors, nil
}
