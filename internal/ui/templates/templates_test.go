package templates

import (
	"context"
	"encoding/json"
	"errors"
	"html"
	"regexp"
	"strings"
	"testing"

	"segment-dashboard/internal/models"
)

func renderToString(t *testing.T, render func(*strings.Builder) error) string {
	t.Helper()
	var b strings.Builder
	if err := render(&b); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	return b.String()
}

func TestDashboard(t *testing.T) {
	page := Dashboard(PageData{
		Dimensions: []DimensionOption{{Name: "affinity", Title: "Affinity-Segments"}, {Name: "rfm", Title: "RFM-Segments"}},
	})
	body := renderToString(t, func(b *strings.Builder) error { return page.Render(context.Background(), b) })

	expected := []string{
		"<title>Customer Segment Dashboard</title>",
		`<option value="rfm">RFM-Segments</option>`,
		`data-signals="{&#34;dimension&#34;:&#34;rfm&#34;,&#34;direction&#34;:&#34;source&#34;`,
		`id="flow-chart"`,
		`id="survival-content"`,
		"@get('/sse/refresh-all')",
		"width:100%",
	}
	for _, want := range expected {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard should contain %q", want)
		}
	}
}

func TestDashboard_EscapesTitle(t *testing.T) {
	page := Dashboard(PageData{Title: "<script>x</script>"})
	body := renderToString(t, func(b *strings.Builder) error { return page.Render(context.Background(), b) })
	if strings.Contains(body, "<script>x</script>") {
		t.Error("title was not escaped")
	}
}

var signalsAttr = regexp.MustCompile(`data-signals="([^"]*)"`)

func TestDashboard_SignalsStayValidJSON(t *testing.T) {
	hostile := `x'"});alert(1);//<b>`
	page := Dashboard(PageData{
		Dimensions: []DimensionOption{{Name: hostile}},
		Direction:  "target",
	})
	body := renderToString(t, func(b *strings.Builder) error { return page.Render(context.Background(), b) })

	m := signalsAttr.FindStringSubmatch(body)
	if m == nil {
		t.Fatalf("no data-signals attribute in %s", body)
	}
	var got struct {
		Dimension    string         `json:"dimension"`
		Direction    string         `json:"direction"`
		FlowData     map[string]any `json:"flowData"`
		TreemapData  []any          `json:"treemapData"`
		SurvivalData map[string]any `json:"survivalData"`
	}
	if err := json.Unmarshal([]byte(html.UnescapeString(m[1])), &got); err != nil {
		t.Fatalf("signals are not JSON: %v (%s)", err, m[1])
	}
	if got.Dimension != hostile || got.Direction != "target" {
		t.Errorf("signals = %+v", got)
	}
	if got.FlowData == nil || got.TreemapData == nil || got.SurvivalData == nil {
		t.Errorf("chart signals should start empty, got %+v", got)
	}
	if strings.Contains(body, "<b>") {
		t.Error("dimension name was not escaped")
	}
}

func TestStabilityTable(t *testing.T) {
	pairs := []models.TransitionPair{
		{Source: "Loyals", Target: "Loyals", Count: 3, ProportionOfSource: 0.75},
		{Source: "Odd & Co", Target: "Odd & Co", Count: 1, ProportionOfSource: 1},
	}
	body := renderToString(t, func(b *strings.Builder) error {
		return StabilityTable("stability-content", pairs, map[string]string{"Loyals": "#008080"}).Render(context.Background(), b)
	})

	for _, want := range []string{`id="stability-content"`, "#008080", "75.0%", "Odd &amp; Co", "#e5e6eb"} {
		if !strings.Contains(body, want) {
			t.Errorf("table should contain %q", want)
		}
	}

	empty := renderToString(t, func(b *strings.Builder) error {
		return StabilityTable("x", nil, nil).Render(context.Background(), b)
	})
	if !strings.Contains(empty, "No rows") {
		t.Error("empty table should say so")
	}
}

func TestStabilityTable_RejectsUnsafeColor(t *testing.T) {
	pairs := []models.TransitionPair{{Source: "Loyals", Target: "Loyals", Count: 1, ProportionOfSource: 1}}
	body := renderToString(t, func(b *strings.Builder) error {
		return StabilityTable("x", pairs, map[string]string{"Loyals": "red;background:url(x)"}).Render(context.Background(), b)
	})
	if strings.Contains(body, "url(x)") {
		t.Errorf("unsafe color reached the style attribute: %s", body)
	}
	if !strings.Contains(body, "ZgotmplZ") {
		t.Errorf("unsafe color should be replaced, got %s", body)
	}
}

func TestSurvivalSummary(t *testing.T) {
	table := &models.SurvivalTable{
		Horizons:       map[int]int{2021: 30, 2020: 400},
		UnknownStatus:  map[string]int{"Pending": 2},
		DroppedCohorts: []int{2019},
	}
	body := renderToString(t, func(b *strings.Builder) error {
		return SurvivalSummary("survival-content", table).Render(context.Background(), b)
	})

	if strings.Index(body, "2020") > strings.Index(body, "2021") {
		t.Error("cohorts should be listed in order")
	}
	for _, want := range []string{"Pending (2)", "[2019]"} {
		if !strings.Contains(body, want) {
			t.Errorf("summary should contain %q", want)
		}
	}
}

func TestFailure(t *testing.T) {
	body := renderToString(t, func(b *strings.Builder) error {
		return Failure("flow-content", errors.New(`bad "input"`)).Render(context.Background(), b)
	})
	if !strings.Contains(body, `class="warning"`) || !strings.Contains(body, "bad &#34;input&#34;") {
		t.Errorf("failure = %s", body)
	}
}
