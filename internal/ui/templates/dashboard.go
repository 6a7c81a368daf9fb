// Package templates renders the dashboard page and the HTML fragments
// patched in over SSE.
package templates

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"

	"github.com/a-h/templ"
)

// DimensionOption is one entry of the dimension selector.
type DimensionOption struct {
	Name  string
	Title string
}

type PageData struct {
	Title      string
	Dimensions []DimensionOption
	Direction  string
}

// Panel is one dashboard card. Target is the element id its SSE endpoint
// patches; Chart is the element the browser draws into, if any.
type Panel struct {
	Title  string
	Target string
	Chart  string
	Source string
}

var panels = []Panel{
	{Title: "Segment Flow", Target: "flow-content", Chart: "flow-chart", Source: "/sse/flow"},
	{Title: "Transition Treemap", Target: "treemap-content", Chart: "treemap-chart", Source: "/sse/treemap"},
	{Title: "Stable Segments", Target: "stability-content", Source: "/sse/stability"},
	{Title: "Account Survival", Target: "survival-content", Chart: "survival-chart", Source: "/sse/survival"},
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<script type="module" src="https://cdn.jsdelivr.net/gh/starfederation/datastar@1.0.0-RC.5/bundles/datastar.js"></script>
<script src="https://cdn.plot.ly/plotly-2.35.2.min.js"></script>
<style>
body{font-family:system-ui,sans-serif;margin:0;background:#f5f6f8;color:#1f2933}
header{background:#004c4c;color:#fff;padding:1rem 2rem}
.controls{display:flex;gap:1rem;padding:1rem 2rem;align-items:center}
.grid{display:grid;grid-template-columns:repeat(auto-fit,minmax(520px,1fr));gap:1rem;padding:0 2rem 2rem}
.card{background:#fff;border-radius:8px;padding:1rem;box-shadow:0 1px 3px rgba(0,0,0,.08)}
.modern-table{width:100%;border-collapse:collapse}
.modern-table th,.modern-table td{padding:.4rem;border-bottom:1px solid #e5e6eb;text-align:left}
.swatch{display:inline-block;width:.8rem;height:.8rem;border-radius:2px;margin-right:.4rem}
.warning{color:#8a4b00}
</style>
</head>
<body data-signals="{{.Signals}}" data-init="@get('/sse/refresh-all')">
<header><h1>{{.Title}}</h1><p>Segment transitions and account survival</p></header>
<div class="controls">
<label>Dimension <select data-bind-dimension data-on-change="@get('/sse/flow?dimension=' + $dimension + '&direction=' + $direction); @get('/sse/treemap?dimension=' + $dimension + '&direction=' + $direction); @get('/sse/stability?dimension=' + $dimension + '&direction=' + $direction)">
{{- range .Dimensions}}<option value="{{.Name}}">{{if .Title}}{{.Title}}{{else}}{{.Name}}{{end}}</option>{{end -}}
</select></label>
<label>Direction <select data-bind-direction data-on-change="@get('/sse/flow?dimension=' + $dimension + '&direction=' + $direction); @get('/sse/treemap?dimension=' + $dimension + '&direction=' + $direction)"><option value="source">by source</option><option value="target">by target</option></select></label>
<button data-on-click="@get('/sse/refresh-all')">Refresh</button>
</div>
<main class="grid">
{{range .Panels}}<section class="card"><h2>{{.Title}}</h2>
{{if .Chart}}<div id="{{.Chart}}" style="height:420px" data-effect="{{.Effect}}"></div>
{{end}}<div id="{{.Target}}">Loading…</div>
</section>
{{end}}</main>
<script>
function drawFlow(id, g) {
  if (!g || !g.nodes) return;
  Plotly.react(id, [{type: "sankey", arrangement: "snap",
    node: {label: g.nodes.map(n => n.label), color: g.nodes.map(n => n.color), pad: 15},
    link: {source: g.links.map(l => l.source), target: g.links.map(l => l.target),
      value: g.links.map(l => l.value), label: g.links.map(l => l.label), color: g.links.map(l => l.color)}}],
    {margin: {t: 10, l: 10, r: 10, b: 10}});
}
function drawTreemap(id, nodes) {
  if (!nodes || !nodes.length) return;
  Plotly.react(id, [{type: "treemap", branchvalues: "total",
    ids: nodes.map(n => n.id), parents: nodes.map(n => n.parent), labels: nodes.map(n => n.label),
    values: nodes.map(n => n.value), marker: {colors: nodes.map(n => n.color)},
    customdata: nodes.map(n => n.proportion), texttemplate: "%{label}<br>%{value}<br>%{customdata:.0%}"}],
    {margin: {t: 10, l: 10, r: 10, b: 10}});
}
function drawSurvival(id, table) {
  if (!table || !table.rows) return;
  const curves = {};
  for (const r of table.rows) {
    const key = r.group_name + " " + r.cohort + " " + r.status;
    (curves[key] = curves[key] || {x: [], y: [], name: key, mode: "lines"});
    curves[key].x.push(r.n_days_to_invalid);
    curves[key].y.push(r.prop_survive);
  }
  Plotly.react(id, Object.values(curves), {yaxis: {range: [0, 1]}, margin: {t: 10}});
}
</script>
</body>
</html>
`))

// signals is the initial Datastar signal set of the page.
type signals struct {
	Dimension    string   `json:"dimension"`
	Direction    string   `json:"direction"`
	FlowData     struct{} `json:"flowData"`
	TreemapData  []any    `json:"treemapData"`
	SurvivalData struct{} `json:"survivalData"`
}

type panelView struct {
	Panel
	Effect string
}

// Dashboard renders the full page. Chart data arrives as Datastar signals
// and is drawn by the effects bound to each chart element.
func Dashboard(data PageData) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		title := data.Title
		if title == "" {
			title = "Customer Segment Dashboard"
		}
		direction := data.Direction
		if direction == "" {
			direction = "source"
		}
		initial := "rfm"
		if len(data.Dimensions) > 0 && !hasDimension(data.Dimensions, initial) {
			initial = data.Dimensions[0].Name
		}

		initialSignals, err := json.Marshal(signals{
			Dimension:   initial,
			Direction:   direction,
			TreemapData: []any{},
		})
		if err != nil {
			return fmt.Errorf("marshal page signals: %w", err)
		}

		views := make([]panelView, 0, len(panels))
		for _, p := range panels {
			views = append(views, panelView{Panel: p, Effect: effectFor(p.Chart)})
		}

		var buf bytes.Buffer
		if err := dashboardTemplate.Execute(&buf, struct {
			Title      string
			Signals    string
			Dimensions []DimensionOption
			Panels     []panelView
		}{
			Title:      title,
			Signals:    string(initialSignals),
			Dimensions: data.Dimensions,
			Panels:     views,
		}); err != nil {
			return fmt.Errorf("render dashboard: %w", err)
		}
		_, err = buf.WriteTo(w)
		return err
	})
}

func effectFor(chart string) string {
	switch chart {
	case "flow-chart":
		return "drawFlow('flow-chart', $flowData)"
	case "treemap-chart":
		return "drawTreemap('treemap-chart', $treemapData)"
	case "survival-chart":
		return "drawSurvival('survival-chart', $survivalData)"
	}
	return ""
}

func hasDimension(options []DimensionOption, name string) bool {
	for _, o := range options {
		if o.Name == name {
			return true
		}
	}
	return false
}
