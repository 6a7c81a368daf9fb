package templates

import (
	"context"
	"html/template"
	"io"
	"slices"

	"github.com/a-h/templ"

	"segment-dashboard/internal/models"
)

// render executes tmpl with data as a templ component.
func render(tmpl *template.Template, data any) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		return tmpl.Execute(w, data)
	})
}

var statusTemplate = template.Must(template.New("status").Parse(
	`<div id="{{.ID}}">{{.Message}}</div>`))

var failureTemplate = template.Must(template.New("failure").Parse(
	`<div id="{{.ID}}" class="warning">{{.Message}}</div>`))

type message struct {
	ID      string
	Message string
}

// Status replaces the element id with a one-line message.
func Status(id, msg string) templ.Component {
	return render(statusTemplate, message{ID: id, Message: msg})
}

// Failure replaces the element id with an error message.
func Failure(id string, err error) templ.Component {
	return render(failureTemplate, message{ID: id, Message: err.Error()})
}

var stabilityTemplate = template.Must(template.New("stability").Parse(`<div id="{{.ID}}">
<table class="modern-table">
<thead><tr><th>From</th><th>To</th><th>Accounts</th><th>Share of source</th></tr></thead>
<tbody>
{{range .Rows}}<tr>
<td><span class="swatch" style="background:{{.Color}}"></span>{{.Source}}</td>
<td>{{.Target}}</td>
<td>{{.Count}}</td>
<td><strong>{{printf "%.1f" .Percent}}%</strong></td>
</tr>{{else}}<tr><td colspan="4">No rows</td></tr>{{end}}
</tbody>
</table>
</div>`))

type stabilityRow struct {
	Source  string
	Target  string
	Count   int
	Percent float64
	Color   string
}

// StabilityTable lists transition pairs with their share of the source
// category.
func StabilityTable(id string, pairs []models.TransitionPair, colors map[string]string) templ.Component {
	rows := make([]stabilityRow, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, stabilityRow{
			Source:  p.Source,
			Target:  p.Target,
			Count:   p.Count,
			Percent: p.ProportionOfSource * 100,
			Color:   swatch(colors, p.Source),
		})
	}
	return render(stabilityTemplate, struct {
		ID   string
		Rows []stabilityRow
	}{ID: id, Rows: rows})
}

func swatch(colors map[string]string, label string) string {
	if c, ok := colors[label]; ok {
		return c
	}
	return "#e5e6eb"
}

var flowSummaryTemplate = template.Must(template.New("flowSummary").Parse(
	`<div id="{{.ID}}"><p>{{.Entities}} accounts, {{.From}} &rarr; {{.To}}, {{.Flows}} flows colored by {{.Direction}}.</p></div>`))

// FlowSummary describes a flow graph below its chart.
func FlowSummary(id string, tr *models.Transitions, g *models.FlowGraph) templ.Component {
	return render(flowSummaryTemplate, struct {
		ID        string
		Entities  int
		From      string
		To        string
		Flows     int
		Direction string
	}{
		ID:        id,
		Entities:  tr.Entities,
		From:      tr.SourcePeriod,
		To:        tr.TargetPeriod,
		Flows:     len(g.Edges),
		Direction: g.Direction,
	})
}

var survivalSummaryTemplate = template.Must(template.New("survivalSummary").Parse(`<div id="{{.ID}}">
<table class="modern-table">
<thead><tr><th>Cohort</th><th>Observed days</th></tr></thead>
<tbody>
{{range .Horizons}}<tr><td>{{.Cohort}}</td><td>{{.Days}}</td></tr>
{{end}}</tbody>
</table>
{{with .Unknown}}<p class="warning">Excluded unknown statuses: {{range $i, $u := .}}{{if $i}}, {{end}}{{$u.Status}} ({{$u.Count}}){{end}}</p>{{end}}
{{with .Dropped}}<p class="warning">Cohorts without valid first-month accounts: {{.}}</p>{{end}}
</div>`))

type horizon struct {
	Cohort int
	Days   int
}

type unknownStatus struct {
	Status string
	Count  int
}

// SurvivalSummary lists the cohort horizons and any excluded statuses.
func SurvivalSummary(id string, t *models.SurvivalTable) templ.Component {
	cohorts := make([]int, 0, len(t.Horizons))
	for c := range t.Horizons {
		cohorts = append(cohorts, c)
	}
	slices.Sort(cohorts)
	horizons := make([]horizon, 0, len(cohorts))
	for _, c := range cohorts {
		horizons = append(horizons, horizon{Cohort: c, Days: t.Horizons[c]})
	}

	statuses := make([]string, 0, len(t.UnknownStatus))
	for s := range t.UnknownStatus {
		statuses = append(statuses, s)
	}
	slices.Sort(statuses)
	unknown := make([]unknownStatus, 0, len(statuses))
	for _, s := range statuses {
		unknown = append(unknown, unknownStatus{Status: s, Count: t.UnknownStatus[s]})
	}

	return render(survivalSummaryTemplate, struct {
		ID       string
		Horizons []horizon
		Unknown  []unknownStatus
		Dropped  []int
	}{ID: id, Horizons: horizons, Unknown: unknown, Dropped: t.DroppedCohorts})
}
