package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"segment-dashboard/internal/config"
	"segment-dashboard/internal/errors"
	"segment-dashboard/internal/models"
	"segment-dashboard/internal/source"
	"segment-dashboard/internal/table"
)

func segmentsFixture() *table.Table {
	return table.New(
		[]string{"MemberAK", "yearmon", "RFM_Segment", "Lifecycle_Segment", "Affinität_Segment", "monetary"},
		[][]string{
			{"1", "202001", "Loyals", "Regularly Active Customer", "Gentlemen", "100"},
			{"1", "202101", "Loyals", "Regularly Active", "Gentlemen", "120"},
			{"2", "202001", "Loyals", "Regularly Active", "", "50"},
			{"2", "202101", "Sleepers", "Sleepers", "Missing SAP Product Categories", "10"},
			{"3", "202001", "Sleepers", "Sleepers", "Cozy Home", "5"},
			{"4", "202101", "Prized Champs", "Regularly Active", "Fashionistas", "300"},
			{"5", "202101", "Mystery", "Regularly Active", "The Casuals", "40"},
		},
	)
}

func survivalFixture() *table.Table {
	return table.New(
		[]string{"konto_id", "group_name", "status_full", "bearbeitet_datum", "month_nr", "is_valid", "n_days_to_invalid"},
		[][]string{
			{"a1", "G1", "Approved CCF", "2020-01-01", "1", "true", ""},
			{"a2", "G1", "Approved CCF", "2020-01-01", "1", "true", "2"},
			{"a3", "G1", "Approved CCF", "2020-01-01", "1", "true", ""},
			{"a3", "G1", "Approved CCF", "2020-02-01", "2", "true", ""},
			{"b1", "G2", "Approved CCL", "2020-03-01", "1", "true", ""},
			{"b2", "G2", "Approved CCL", "2020-03-01", "1", "1", ""},
			{"c1", "G2", "Mystery Status", "2020-03-01", "1", "true", ""},
		},
	)
}

func testAnalytics() config.AnalyticsConfig {
	return config.AnalyticsConfig{
		EntityColumn:   "MemberAK",
		TimeColumn:     "yearmon",
		ValueColumn:    "monetary",
		Direction:      "source",
		MinPopulation:  2,
		TopTransitions: 20,
		AsOf:           time.Date(2021, 2, 5, 0, 0, 0, 0, time.UTC),
	}
}

func newTestReports(t *testing.T, logs io.Writer) *Reports {
	t.Helper()
	if logs == nil {
		logs = io.Discard
	}
	r := NewReports(nil, config.SourceConfig{}, testAnalytics(), config.DefaultCatalog(), slog.New(slog.NewJSONHandler(logs, nil)))
	r.SetTables(segmentsFixture(), survivalFixture())
	return r
}

type fakeSource struct {
	calls   atomic.Int64
	err     error
	delay   time.Duration
	tables  map[string]*table.Table
	dropped []string
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(ctx context.Context, q source.Query) (*table.Table, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.tables[q.Dataset]
	if !ok {
		return nil, errors.NotFound("no dataset " + q.Dataset)
	}
	return t, nil
}

func (f *fakeSource) Invalidate(q source.Query) error {
	f.dropped = append(f.dropped, q.Dataset)
	return nil
}

func newFakeSource() *fakeSource {
	return &fakeSource{tables: map[string]*table.Table{
		source.DatasetSegments: segmentsFixture(),
		source.DatasetSurvival: survivalFixture(),
	}}
}

func TestNewReports(t *testing.T) {
	r := NewReports(nil, config.SourceConfig{}, testAnalytics(), nil, nil)
	if r == nil {
		t.Fatal("NewReports() returned nil")
	}
	if r.catalog == nil {
		t.Error("catalog should default")
	}
	if r.logger == nil {
		t.Error("logger should be initialized")
	}

	if _, err := r.Transitions(context.Background(), SegmentParams{}); !errors.IsCode(err, errors.CodeServiceUnavail) {
		t.Errorf("Transitions() without source error = %v, want SERVICE_UNAVAILABLE", err)
	}
}

func TestReports_Transitions(t *testing.T) {
	r := newTestReports(t, nil)
	ctx := context.Background()

	tr, err := r.Transitions(ctx, SegmentParams{Dimension: "rfm"})
	if err != nil {
		t.Fatalf("Transitions() error = %v", err)
	}
	if tr.SourcePeriod != "202001" || tr.TargetPeriod != "202101" {
		t.Errorf("periods = %s -> %s, want the two latest", tr.SourcePeriod, tr.TargetPeriod)
	}
	if tr.Entities != 5 {
		t.Errorf("Entities = %d, want 5", tr.Entities)
	}

	want := []string{
		"Loyals>Loyals",
		"Loyals>Sleepers",
		"Sleepers>" + models.LostCustomer,
		models.NewCustomer + ">Prized Champs",
		models.NewCustomer + ">Mystery",
	}
	if len(tr.Pairs) != len(want) {
		t.Fatalf("len(Pairs) = %d, want %d", len(tr.Pairs), len(want))
	}
	for i, p := range tr.Pairs {
		if got := p.Source + ">" + p.Target; got != want[i] {
			t.Errorf("Pairs[%d] = %s, want %s", i, got, want[i])
		}
	}
}

func TestReports_TransitionsAppliesAliases(t *testing.T) {
	r := newTestReports(t, nil)
	ctx := context.Background()

	tr, err := r.Transitions(ctx, SegmentParams{Dimension: "lifecycle"})
	if err != nil {
		t.Fatalf("Transitions() error = %v", err)
	}
	for _, p := range tr.Pairs {
		if p.Source == "Regularly Active Customer" {
			t.Errorf("alias not applied: %+v", p)
		}
	}

	aff, err := r.Transitions(ctx, SegmentParams{Dimension: "affinity"})
	if err != nil {
		t.Fatalf("Transitions() error = %v", err)
	}
	found := false
	for _, p := range aff.Pairs {
		if p.Source == "None" && p.Target == "Missing SAP" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing fill or alias not applied: %+v", aff.Pairs)
	}
}

func TestReports_TransitionsValidation(t *testing.T) {
	r := newTestReports(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		params SegmentParams
		code   errors.ErrorCode
	}{
		{"unknown dimension", SegmentParams{Dimension: "region"}, errors.CodeNotFound},
		{"half period", SegmentParams{From: "202001"}, errors.CodeValidation},
		{"period missing from data", SegmentParams{From: "202001", To: "202201"}, errors.CodeInputShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Transitions(ctx, tt.params)
			if !errors.IsCode(err, tt.code) {
				t.Errorf("Transitions() error = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestReports_LogsUnknownCategories(t *testing.T) {
	var logs bytes.Buffer
	r := newTestReports(t, &logs)

	if _, err := r.Transitions(context.Background(), SegmentParams{Dimension: "rfm"}); err != nil {
		t.Fatalf("Transitions() error = %v", err)
	}
	out := logs.String()
	if !strings.Contains(out, `"value":"Mystery"`) || !strings.Contains(out, string(errors.CodeUnknownCategory)) {
		t.Errorf("expected unknown category warning, got %s", out)
	}
}

// counterValue reads one series of a counter from the default registry.
func counterValue(t *testing.T, name, label, value string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestReports_UnknownCategoriesUseResolvedDimension(t *testing.T) {
	var logs bytes.Buffer
	r := newTestReports(t, &logs)
	before := counterValue(t, "segment_unknown_category_total", "dimension", "rfm")

	if _, err := r.Transitions(context.Background(), SegmentParams{}); err != nil {
		t.Fatalf("Transitions() error = %v", err)
	}

	if got := counterValue(t, "segment_unknown_category_total", "dimension", "rfm") - before; got != 1 {
		t.Errorf("rfm unknown categories = %v, want 1", got)
	}
	if !strings.Contains(logs.String(), `"dimension":"rfm"`) {
		t.Errorf("expected the default dimension to be logged by name, got %s", logs.String())
	}
}

func TestReports_Memoizes(t *testing.T) {
	r := newTestReports(t, nil)
	ctx := context.Background()

	first, err := r.Transitions(ctx, SegmentParams{Dimension: "rfm"})
	if err != nil {
		t.Fatal(err)
	}
	builds := r.builds.Load()

	second, err := r.Transitions(ctx, SegmentParams{Dimension: "rfm", From: "202001", To: "202101"})
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("explicit default periods should hit the memoised report")
	}
	if r.builds.Load() != builds {
		t.Errorf("builds = %d, want %d", r.builds.Load(), builds)
	}

	r.SetTables(segmentsFixture(), survivalFixture())
	third, err := r.Transitions(ctx, SegmentParams{Dimension: "rfm"})
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Error("SetTables should reset memoised reports")
	}
}

func TestReports_LoadsLazilyOnce(t *testing.T) {
	src := newFakeSource()
	src.delay = 20 * time.Millisecond
	r := NewReports(src, config.SourceConfig{}, testAnalytics(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Flow(context.Background(), SegmentParams{Dimension: "rfm"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Flow() error = %v", err)
		}
	}

	if got := src.calls.Load(); got != 2 {
		t.Errorf("fetches = %d, want one per dataset", got)
	}
}

func TestReports_LoadError(t *testing.T) {
	src := newFakeSource()
	src.err = fmt.Errorf("connection refused")
	r := NewReports(src, config.SourceConfig{}, testAnalytics(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := r.Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Load() error = %v", err)
	}
	if r.Stats()["loaded"] != false {
		t.Error("failed load should leave the service unloaded")
	}
}

func TestReports_Treemap(t *testing.T) {
	r := newTestReports(t, nil)

	nodes, err := r.Treemap(context.Background(), SegmentParams{Dimension: "rfm"})
	if err != nil {
		t.Fatalf("Treemap() error = %v", err)
	}
	if nodes[0].ID != "total" || nodes[0].Value != 5 {
		t.Errorf("root = %+v, want total with 5 entities", nodes[0])
	}

	byTarget, err := r.Treemap(context.Background(), SegmentParams{Dimension: "rfm", Direction: "target"})
	if err != nil {
		t.Fatalf("Treemap(target) error = %v", err)
	}
	if nodes[1].ID != "Loyals" || byTarget[1].ID != "Prized Champs" {
		t.Errorf("first parents = %q by source, %q by target", nodes[1].ID, byTarget[1].ID)
	}

	if _, err := r.Treemap(context.Background(), SegmentParams{Dimension: "rfm", Direction: "sideways"}); !errors.IsCode(err, errors.CodeValidation) {
		t.Errorf("Treemap(sideways) error = %v", err)
	}
}

func TestReports_Flow(t *testing.T) {
	r := newTestReports(t, nil)

	graph, err := r.Flow(context.Background(), SegmentParams{Dimension: "rfm"})
	if err != nil {
		t.Fatalf("Flow() error = %v", err)
	}
	if len(graph.Edges) != 5 {
		t.Errorf("len(Edges) = %d, want 5", len(graph.Edges))
	}
	if graph.Direction != "source" {
		t.Errorf("Direction = %q", graph.Direction)
	}
}

func TestReports_StabilityAndFanOut(t *testing.T) {
	r := newTestReports(t, nil)
	ctx := context.Background()

	stable, err := r.Stability(ctx, SegmentParams{Dimension: "rfm"}, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stable) != 1 || stable[0].Source != "Loyals" {
		t.Errorf("stable = %+v", stable)
	}

	moved, err := r.Stability(ctx, SegmentParams{Dimension: "rfm"}, true, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 2 {
		t.Errorf("len(moved) = %d, want limit 2", len(moved))
	}

	fan, err := r.FanOut(ctx, SegmentParams{Dimension: "rfm"}, "Loyals")
	if err != nil {
		t.Fatal(err)
	}
	if len(fan.Rows) != 2 || fan.SelfIndex < 0 {
		t.Errorf("fan-out = %+v", fan)
	}

	if _, err := r.FanOut(ctx, SegmentParams{Dimension: "rfm"}, ""); !errors.IsCode(err, errors.CodeValidation) {
		t.Errorf("FanOut(\"\") error = %v", err)
	}
}

func TestReports_HierarchyWideProfile(t *testing.T) {
	r := newTestReports(t, nil)
	ctx := context.Background()

	nodes, err := r.Hierarchy(ctx, "rfm")
	if err != nil {
		t.Fatalf("Hierarchy() error = %v", err)
	}
	if nodes[0].ID != "total" {
		t.Errorf("root id = %q", nodes[0].ID)
	}

	rows, err := r.Wide(ctx, "rfm", nil)
	if err != nil {
		t.Fatalf("Wide() error = %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("len(rows) = %d, want 5", len(rows))
	}
	if rows[3].EntityID != "4" || rows[3].Categories[0] != "" || rows[3].Categories[1] != "Prized Champs" {
		t.Errorf("rows[3] = %+v", rows[3])
	}

	profile, err := r.Profile(ctx, "rfm", "202101", nil)
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	if len(profile.Features) != 1 || profile.Features[0] != "monetary" {
		t.Errorf("Features = %v", profile.Features)
	}
	if len(profile.Rows) != 4 {
		t.Errorf("len(Rows) = %d, want 4", len(profile.Rows))
	}
}

func TestReports_Survival(t *testing.T) {
	var logs bytes.Buffer
	r := newTestReports(t, &logs)
	ctx := context.Background()

	all, err := r.Survival(ctx, 0)
	if err != nil {
		t.Fatalf("Survival() error = %v", err)
	}
	if got := all.Horizons[2020]; got != 341 {
		t.Errorf("horizon = %d, want 341", got)
	}
	if all.UnknownStatus["Mystery Status"] != 1 {
		t.Errorf("UnknownStatus = %v", all.UnknownStatus)
	}
	if len(all.Rows) != 2*341 {
		t.Errorf("len(Rows) = %d, want %d", len(all.Rows), 2*341)
	}
	if day2 := all.Rows[1]; day2.ElapsedDay != 2 || day2.CumulativeDropoutCount != 1 || day2.AccountsTotal != 3 {
		t.Errorf("day 2 = %+v", day2)
	}
	if !strings.Contains(logs.String(), "Mystery Status") {
		t.Error("unknown status not logged")
	}

	// The configured threshold of 2 drops the two-account curve.
	configured, err := r.Survival(ctx, -1)
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range configured.Rows {
		if row.Group != "G1" {
			t.Fatalf("unexpected curve %s/%s", row.Group, row.Status)
		}
	}

	overview, err := r.SurvivalOverview(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(overview) != 0 {
		t.Errorf("overview has %d rows before the first yearly checkpoint", len(overview))
	}
}

func TestReports_RequestParametersDoNotGrowCache(t *testing.T) {
	r := newTestReports(t, nil)
	ctx := context.Background()

	if _, err := r.Survival(ctx, -1); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Wide(ctx, "rfm", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.StatusShares(ctx, 0); err != nil {
		t.Fatal(err)
	}
	cached := r.Stats()["cached_reports"].(int)

	for m := 0; m < 500; m++ {
		r.Survival(ctx, m)
		r.SurvivalOverview(ctx, m)
		r.StatusShares(ctx, 1900+m)
		r.Wide(ctx, "rfm", []string{"202001", fmt.Sprintf("2%05d", m)})
		r.Profile(ctx, "rfm", fmt.Sprintf("2%05d", m), nil)
	}

	if got := r.Stats()["cached_reports"].(int); got != cached {
		t.Errorf("cached_reports = %d after varied requests, want %d", got, cached)
	}

	// The configured threshold is still served from the memo.
	first, _ := r.Survival(ctx, -1)
	second, _ := r.Survival(ctx, r.cfg.MinPopulation)
	if first != second {
		t.Error("configured threshold should hit the memoised survival table")
	}
}

func TestReports_CacheIsBounded(t *testing.T) {
	r := newTestReports(t, nil)
	ctx := context.Background()

	r.mu.Lock()
	for i := 0; len(r.cache) < maxCachedReports; i++ {
		r.cache[fmt.Sprintf("filler-%d", i)] = i
	}
	r.mu.Unlock()

	nodes, err := r.Hierarchy(ctx, "rfm")
	if err != nil {
		t.Fatalf("Hierarchy() error = %v", err)
	}
	if len(nodes) == 0 {
		t.Error("Hierarchy() should still build when the cache is full")
	}
	if got := r.Stats()["cached_reports"].(int); got != maxCachedReports {
		t.Errorf("cached_reports = %d, want %d", got, maxCachedReports)
	}
}

func TestReports_SurvivalFollowsTheCalendar(t *testing.T) {
	cfg := testAnalytics()
	cfg.AsOf = time.Time{}
	r := NewReports(nil, config.SourceConfig{}, cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	today := time.Date(2021, 2, 5, 15, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return today }
	r.SetTables(segmentsFixture(), survivalFixture())
	ctx := context.Background()

	first, err := r.Survival(ctx, -1)
	if err != nil {
		t.Fatal(err)
	}
	if got := first.Horizons[2020]; got != 341 {
		t.Fatalf("horizon = %d, want 341", got)
	}

	today = today.Add(2 * time.Hour)
	same, err := r.Survival(ctx, -1)
	if err != nil {
		t.Fatal(err)
	}
	if same != first {
		t.Error("the same day should reuse the memoised table")
	}

	today = today.Add(24 * time.Hour)
	next, err := r.Survival(ctx, -1)
	if err != nil {
		t.Fatal(err)
	}
	if got := next.Horizons[2020]; got != 342 {
		t.Errorf("horizon on the next day = %d, want 342", got)
	}
}

func TestReports_StatusShares(t *testing.T) {
	r := newTestReports(t, nil)
	ctx := context.Background()

	report, err := r.StatusShares(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Shares) != 2 {
		t.Errorf("len(Shares) = %d, want 2", len(report.Shares))
	}
	if len(report.Cohorts) != 1 || report.Cohorts[0] != 2020 {
		t.Errorf("Cohorts = %v", report.Cohorts)
	}

	cohort, err := r.StatusShares(ctx, 2020)
	if err != nil {
		t.Fatal(err)
	}
	if len(cohort.GroupOrder) != 1 || cohort.GroupOrder[0] != "G1" {
		t.Errorf("GroupOrder = %v", cohort.GroupOrder)
	}

	other, err := r.StatusShares(ctx, 1999)
	if err != nil {
		t.Fatal(err)
	}
	if len(other.Shares) != 0 {
		t.Errorf("cohort filter kept %d shares", len(other.Shares))
	}
}

func TestReports_RefreshAll(t *testing.T) {
	src := newFakeSource()
	r := NewReports(src, config.SourceConfig{}, testAnalytics(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	summary, err := r.RefreshAll(context.Background())
	if err != nil {
		t.Fatalf("RefreshAll() error = %v", err)
	}
	if len(src.dropped) != 2 {
		t.Errorf("invalidated %v, want both datasets", src.dropped)
	}
	if summary.Reports["transitions/rfm"] != 5 {
		t.Errorf("transitions/rfm = %d", summary.Reports["transitions/rfm"])
	}
	if _, ok := summary.Reports["survival"]; !ok {
		t.Errorf("survival missing from %v (failures %v)", summary.Reports, summary.Failures)
	}
	if summary.LoadedAt.IsZero() {
		t.Error("LoadedAt not set")
	}

	stats := r.Stats()
	if stats["source"] != "fake" || stats["segments_rows"] != 7 {
		t.Errorf("Stats() = %v", stats)
	}
}
