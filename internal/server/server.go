package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"segment-dashboard/internal/handlers"
	"segment-dashboard/internal/services"
)

type Server struct {
	reports     *services.Reports
	mux         *http.ServeMux
	logger      *slog.Logger
	apiHandlers *handlers.APIHandlers
	sseHandlers *handlers.SSEHandlers
}

type TemplateHandlers struct {
	Dashboard http.HandlerFunc
}

func NewServer(reports *services.Reports, logger *slog.Logger, templateHandlers *TemplateHandlers) *Server {
	s := &Server{
		reports:     reports,
		mux:         http.NewServeMux(),
		logger:      logger,
		apiHandlers: handlers.NewAPIHandlers(reports, logger),
		sseHandlers: handlers.NewSSEHandlers(reports, logger),
	}
	s.setupRoutes(templateHandlers)
	return s
}

func (s *Server) setupRoutes(templateHandlers *TemplateHandlers) {
	// Dashboard routes
	s.mux.HandleFunc("GET /{$}", templateHandlers.Dashboard)
	s.mux.HandleFunc("GET /health", s.apiHandlers.HandleHealth)
	s.mux.HandleFunc("GET /admin/stats", s.apiHandlers.HandleStats)
	s.mux.HandleFunc("POST /admin/refresh", s.apiHandlers.HandleRefresh)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// REST API endpoints
	s.mux.HandleFunc("GET /api/dimensions", s.apiHandlers.HandleDimensions)
	s.mux.HandleFunc("GET /api/transitions", s.apiHandlers.HandleTransitions)
	s.mux.HandleFunc("GET /api/stability", s.apiHandlers.HandleStability)
	s.mux.HandleFunc("GET /api/fanout", s.apiHandlers.HandleFanOut)
	s.mux.HandleFunc("GET /api/treemap", s.apiHandlers.HandleTreemap)
	s.mux.HandleFunc("GET /api/flow", s.apiHandlers.HandleFlow)
	s.mux.HandleFunc("GET /api/hierarchy", s.apiHandlers.HandleHierarchy)
	s.mux.HandleFunc("GET /api/wide", s.apiHandlers.HandleWide)
	s.mux.HandleFunc("GET /api/profile", s.apiHandlers.HandleProfile)
	s.mux.HandleFunc("GET /api/survival", s.apiHandlers.HandleSurvival)
	s.mux.HandleFunc("GET /api/survival/overview", s.apiHandlers.HandleSurvivalOverview)
	s.mux.HandleFunc("GET /api/status-shares", s.apiHandlers.HandleStatusShares)

	// Datastar SSE endpoints
	s.mux.HandleFunc("GET /sse/flow", s.sseHandlers.HandleFlow)
	s.mux.HandleFunc("GET /sse/treemap", s.sseHandlers.HandleTreemap)
	s.mux.HandleFunc("GET /sse/stability", s.sseHandlers.HandleStability)
	s.mux.HandleFunc("GET /sse/survival", s.sseHandlers.HandleSurvival)
	s.mux.HandleFunc("GET /sse/refresh-all", s.sseHandlers.HandleRefreshAll)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler reports the handler and route pattern r would be served by.
func (s *Server) Handler(r *http.Request) (http.Handler, string) {
	return s.mux.Handler(r)
}
