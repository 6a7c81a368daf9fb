package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"segment-dashboard/internal/errors"
	"segment-dashboard/internal/observability"
	"segment-dashboard/internal/services"
)

const cacheMaxAge = "public, max-age=300"

type APIHandlers struct {
	reports *services.Reports
	logger  *slog.Logger
}

func NewAPIHandlers(reports *services.Reports, logger *slog.Logger) *APIHandlers {
	return &APIHandlers{
		reports: reports,
		logger:  logger,
	}
}

// segmentParams reads dimension, from, to and direction from the query.
func segmentParams(r *http.Request) services.SegmentParams {
	q := r.URL.Query()
	return services.SegmentParams{
		Dimension: q.Get("dimension"),
		From:      q.Get("from"),
		To:        q.Get("to"),
		Direction: q.Get("direction"),
	}
}

// intParam parses an optional integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.BadRequest(fmt.Sprintf("%s must be a non-negative integer, got %q", name, raw))
	}
	return v, nil
}

// listParam splits a comma separated query parameter.
func listParam(r *http.Request, name string) []string {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (h *APIHandlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	errors.WriteError(w, h.logger, err, observability.GetRequestID(r.Context()))
}

func (h *APIHandlers) ok(w http.ResponseWriter, data any) {
	errors.WriteSuccessWithHeaders(w, data, map[string]string{
		"Cache-Control": cacheMaxAge,
	})
}

func (h *APIHandlers) HandleTransitions(w http.ResponseWriter, r *http.Request) {
	data, err := h.reports.Transitions(r.Context(), segmentParams(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, data)
}

// HandleStability lists stable pairs, or changed pairs with ?transitions=true.
func (h *APIHandlers) HandleStability(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	transitions, _ := strconv.ParseBool(r.URL.Query().Get("transitions"))

	data, err := h.reports.Stability(r.Context(), segmentParams(r), transitions, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, data)
}

func (h *APIHandlers) HandleFanOut(w http.ResponseWriter, r *http.Request) {
	data, err := h.reports.FanOut(r.Context(), segmentParams(r), r.URL.Query().Get("source"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, data)
}

func (h *APIHandlers) HandleTreemap(w http.ResponseWriter, r *http.Request) {
	data, err := h.reports.Treemap(r.Context(), segmentParams(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, data)
}

func (h *APIHandlers) HandleFlow(w http.ResponseWriter, r *http.Request) {
	data, err := h.reports.Flow(r.Context(), segmentParams(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, data)
}

func (h *APIHandlers) HandleHierarchy(w http.ResponseWriter, r *http.Request) {
	data, err := h.reports.Hierarchy(r.Context(), r.URL.Query().Get("dimension"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, data)
}

func (h *APIHandlers) HandleWide(w http.ResponseWriter, r *http.Request) {
	data, err := h.reports.Wide(r.Context(), r.URL.Query().Get("dimension"), listParam(r, "periods"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, data)
}

func (h *APIHandlers) HandleProfile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	data, err := h.reports.Profile(r.Context(), q.Get("dimension"), q.Get("period"), listParam(r, "features"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, data)
}

// HandleSurvival builds the survival table. ?min overrides the configured
// minimum curve population.
func (h *APIHandlers) HandleSurvival(w http.ResponseWriter, r *http.Request) {
	minPopulation, err := intParam(r, "min", -1)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	data, err := h.reports.Survival(r.Context(), minPopulation)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, data)
}

func (h *APIHandlers) HandleSurvivalOverview(w http.ResponseWriter, r *http.Request) {
	minPopulation, err := intParam(r, "min", -1)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	data, err := h.reports.SurvivalOverview(r.Context(), minPopulation)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, data)
}

func (h *APIHandlers) HandleStatusShares(w http.ResponseWriter, r *http.Request) {
	cohort, err := intParam(r, "cohort", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	data, err := h.reports.StatusShares(r.Context(), cohort)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, data)
}

func (h *APIHandlers) HandleDimensions(w http.ResponseWriter, r *http.Request) {
	h.ok(w, h.reports.Dimensions())
}

func (h *APIHandlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reports.RefreshAll(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	errors.WriteSuccess(w, summary)
}

func (h *APIHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.reports.Stats()

	healthData := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   "1.0.0",
		"loaded":    stats["loaded"],
	}

	errors.WriteSuccess(w, healthData)
}

func (h *APIHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	errors.WriteSuccess(w, h.reports.Stats())
}
