package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"segment-dashboard/internal/config"
	"segment-dashboard/internal/middleware"
	"segment-dashboard/internal/observability"
	"segment-dashboard/internal/server"
	"segment-dashboard/internal/services"
	"segment-dashboard/internal/source"
	"segment-dashboard/internal/ui/templates"
)

const (
	renderTimeout = 10 * time.Second
	loadTimeout   = 5 * time.Minute
	cacheMaxAge   = "public, max-age=300"
)

// dashboardHandler renders the page with the selector filled from the
// report service's catalog.
func dashboardHandler(reports *services.Reports, direction string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), renderTimeout)
		defer cancel()

		data := templates.PageData{Direction: direction}
		for _, d := range reports.Dimensions() {
			data.Dimensions = append(data.Dimensions, templates.DimensionOption{Name: d.Name, Title: d.Title})
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", cacheMaxAge)
		if err := templates.Dashboard(data).Render(ctx, w); err != nil {
			http.Error(w, "render error", http.StatusInternalServerError)
		}
	}
}

func newHandler(cfg *config.Config, reports *services.Reports, logger *slog.Logger) http.Handler {
	templateHandlers := &server.TemplateHandlers{
		Dashboard: dashboardHandler(reports, cfg.Analytics.Direction),
	}

	srv := server.NewServer(reports, logger, templateHandlers)

	rateLimiter := middleware.NewRateLimiter(cfg.Security)

	middlewareChain := middleware.Chain(
		middleware.Recovery(logger),
		middleware.RequestID(),
		middleware.Logger(logger),
		middleware.Metrics(srv),
		middleware.Tracing(logger),
		middleware.SecurityHeaders(),
		middleware.CORS(cfg.Security),
		middleware.TrustedProxy(cfg.Security),
		middleware.RateLimit(rateLimiter, logger),
	)

	return middlewareChain(srv)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logger)
	slog.SetDefault(logger)

	logger.Info("starting application",
		"version", "1.0.0",
		"source", cfg.Source.Kind,
		"addr", cfg.Address(),
	)

	catalog, err := config.LoadCatalog(cfg.Analytics.CatalogFile)
	if err != nil {
		logger.Error("failed to load catalog", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	src, closer, err := source.Open(ctx, cfg.Source, logger)
	if err != nil {
		logger.Error("failed to open data source", "error", err)
		os.Exit(1)
	}

	reports := services.NewReports(src, cfg.Source, cfg.Analytics, catalog, logger)

	start := time.Now()
	if err := reports.Load(ctx); err != nil {
		// The service loads lazily on the first request; a failed warm-up
		// is not fatal.
		logger.Warn("initial data load failed", "error", err)
	} else {
		logger.Info("data loaded successfully", "duration", time.Since(start))
	}

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      newHandler(cfg, reports, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	gracefulServer := server.NewGracefulServer(httpServer, logger, cfg)

	gracefulServer.RegisterShutdownHook("data source", func(ctx context.Context) error {
		logger.Info("closing data source")
		return closer.Close()
	})

	if err := gracefulServer.ListenAndServe(); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("application stopped gracefully")
}
