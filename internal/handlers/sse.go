package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/a-h/templ"
	"github.com/starfederation/datastar-go/datastar"

	"segment-dashboard/internal/observability"
	"segment-dashboard/internal/services"
	"segment-dashboard/internal/ui/templates"
)

const (
	flowTarget      = "flow-content"
	treemapTarget   = "treemap-content"
	stabilityTarget = "stability-content"
	survivalTarget  = "survival-content"
	maxStableRows   = 20
)

type SSEHandlers struct {
	reports *services.Reports
	logger  *slog.Logger
}

func NewSSEHandlers(reports *services.Reports, logger *slog.Logger) *SSEHandlers {
	return &SSEHandlers{
		reports: reports,
		logger:  logger,
	}
}

func renderComponent(ctx context.Context, c templ.Component) (string, error) {
	var buf bytes.Buffer
	if err := c.Render(ctx, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (h *SSEHandlers) patchComponent(ctx context.Context, sse *datastar.ServerSentEventGenerator, c templ.Component) {
	html, err := renderComponent(ctx, c)
	if err != nil {
		h.logger.Error("render fragment", "error", err, "request_id", observability.GetRequestID(ctx))
		return
	}
	if err := sse.PatchElements(html); err != nil {
		h.logger.Warn("patch elements", "error", err, "request_id", observability.GetRequestID(ctx))
	}
}

func (h *SSEHandlers) patchSignals(ctx context.Context, sse *datastar.ServerSentEventGenerator, signals map[string]any) {
	data, err := json.Marshal(signals)
	if err != nil {
		h.logger.Error("marshal signals", "error", err, "request_id", observability.GetRequestID(ctx))
		return
	}
	if err := sse.PatchSignals(data); err != nil {
		h.logger.Warn("patch signals", "error", err, "request_id", observability.GetRequestID(ctx))
	}
}

// fail shows err in place of target. The stream itself has already
// started, so report errors travel as fragments rather than status codes.
func (h *SSEHandlers) fail(ctx context.Context, sse *datastar.ServerSentEventGenerator, target string, err error) {
	h.logger.Warn("report failed", "target", target, "error", err, "request_id", observability.GetRequestID(ctx))
	h.patchComponent(ctx, sse, templates.Failure(target, err))
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *SSEHandlers) sendFlow(ctx context.Context, sse *datastar.ServerSentEventGenerator, p services.SegmentParams) {
	tr, err := h.reports.Transitions(ctx, p)
	if err != nil {
		h.fail(ctx, sse, flowTarget, err)
		return
	}
	graph, err := h.reports.Flow(ctx, p)
	if err != nil {
		h.fail(ctx, sse, flowTarget, err)
		return
	}
	h.patchSignals(ctx, sse, map[string]any{"flowData": graph})
	h.patchComponent(ctx, sse, templates.FlowSummary(flowTarget, tr, graph))
}

func (h *SSEHandlers) sendTreemap(ctx context.Context, sse *datastar.ServerSentEventGenerator, p services.SegmentParams) {
	nodes, err := h.reports.Treemap(ctx, p)
	if err != nil {
		h.fail(ctx, sse, treemapTarget, err)
		return
	}
	h.patchSignals(ctx, sse, map[string]any{"treemapData": nodes})
	h.patchComponent(ctx, sse, templates.Status(treemapTarget, fmt.Sprintf("%d nodes", len(nodes))))
}

func (h *SSEHandlers) sendStability(ctx context.Context, sse *datastar.ServerSentEventGenerator, p services.SegmentParams) {
	pairs, err := h.reports.Stability(ctx, p, false, maxStableRows)
	if err != nil {
		h.fail(ctx, sse, stabilityTarget, err)
		return
	}
	colors, _ := h.reports.Colors(p.Dimension)
	h.patchComponent(ctx, sse, templates.StabilityTable(stabilityTarget, pairs, colors))
}

func (h *SSEHandlers) sendSurvival(ctx context.Context, sse *datastar.ServerSentEventGenerator, minPopulation int) {
	table, err := h.reports.Survival(ctx, minPopulation)
	if err != nil {
		h.fail(ctx, sse, survivalTarget, err)
		return
	}
	h.patchSignals(ctx, sse, map[string]any{"survivalData": table})
	h.patchComponent(ctx, sse, templates.SurvivalSummary(survivalTarget, table))
}

func (h *SSEHandlers) HandleFlow(w http.ResponseWriter, r *http.Request) {
	sse := datastar.NewSSE(w, r)
	h.sendFlow(r.Context(), sse, segmentParams(r))
	flush(w)
}

func (h *SSEHandlers) HandleTreemap(w http.ResponseWriter, r *http.Request) {
	sse := datastar.NewSSE(w, r)
	h.sendTreemap(r.Context(), sse, segmentParams(r))
	flush(w)
}

func (h *SSEHandlers) HandleStability(w http.ResponseWriter, r *http.Request) {
	sse := datastar.NewSSE(w, r)
	h.sendStability(r.Context(), sse, segmentParams(r))
	flush(w)
}

func (h *SSEHandlers) HandleSurvival(w http.ResponseWriter, r *http.Request) {
	minPopulation, err := intParam(r, "min", -1)
	sse := datastar.NewSSE(w, r)
	if err != nil {
		h.fail(r.Context(), sse, survivalTarget, err)
		return
	}
	h.sendSurvival(r.Context(), sse, minPopulation)
	flush(w)
}

// HandleRefreshAll reloads the datasets, rebuilds every report and then
// pushes all panels of the requested dimension in one stream.
func (h *SSEHandlers) HandleRefreshAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sse := datastar.NewSSE(w, r)

	summary, err := h.reports.RefreshAll(ctx)
	if err != nil {
		for _, target := range []string{flowTarget, treemapTarget, stabilityTarget, survivalTarget} {
			h.fail(ctx, sse, target, err)
		}
		return
	}
	for name, msg := range summary.Failures {
		h.logger.Warn("report failed during refresh", "report", name, "error", msg)
	}

	p := segmentParams(r)
	h.sendFlow(ctx, sse, p)
	h.sendTreemap(ctx, sse, p)
	h.sendStability(ctx, sse, p)
	h.sendSurvival(ctx, sse, -1)
	flush(w)
}
