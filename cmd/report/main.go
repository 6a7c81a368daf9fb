package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"segment-dashboard/internal/config"
	"segment-dashboard/internal/observability"
	"segment-dashboard/internal/services"
	"segment-dashboard/internal/source"
)

const (
	formatJSON = "json"
	formatCSV  = "csv"
)

// app holds the flags and the report service shared by every subcommand.
type app struct {
	format        string
	dimension     string
	from          string
	to            string
	direction     string
	minPopulation int

	logger  *slog.Logger
	catalog *config.Catalog
	reports *services.Reports
	closer  io.Closer
}

func (a *app) params() services.SegmentParams {
	return services.SegmentParams{
		Dimension: a.dimension,
		From:      a.from,
		To:        a.to,
		Direction: a.direction,
	}
}

func (a *app) setup(cmd *cobra.Command) error {
	if a.format != formatJSON && a.format != formatCSV {
		return fmt.Errorf("unknown format %q (must be %s or %s)", a.format, formatJSON, formatCSV)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.logger = observability.NewLoggerTo(cmd.ErrOrStderr(), cfg.Logger)

	a.catalog, err = config.LoadCatalog(cfg.Analytics.CatalogFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()
	src, closer, err := source.Open(ctx, cfg.Source, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open data source: %w", err)
	}
	a.closer = closer
	a.reports = services.NewReports(src, cfg.Source, cfg.Analytics, a.catalog, a.logger)
	return nil
}

func (a *app) teardown() {
	if a.closer == nil {
		return
	}
	if err := a.closer.Close(); err != nil && a.logger != nil {
		a.logger.Warn("failed to close data source", "error", err)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "report <command>",
		Short:         "Run one segment or survival report and print it",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.teardown()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.format, "format", formatJSON, "output format (json or csv)")
	rootCmd.PersistentFlags().StringVar(&a.dimension, "dimension", "", "segment dimension (default rfm)")
	rootCmd.PersistentFlags().StringVar(&a.from, "from", "", "source period")
	rootCmd.PersistentFlags().StringVar(&a.to, "to", "", "target period")
	rootCmd.PersistentFlags().StringVar(&a.direction, "direction", "", "flow direction (source or target)")
	rootCmd.PersistentFlags().IntVar(&a.minPopulation, "min", -1, "minimum curve population (-1 uses the configured value)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "segments", Title: "Segments:"},
		&cobra.Group{ID: "survival", Title: "Survival:"},
	)

	rootCmd.AddCommand(newTransitionsCmd(a))
	rootCmd.AddCommand(newTreemapCmd(a))
	rootCmd.AddCommand(newFlowCmd(a))
	rootCmd.AddCommand(newSurvivalCmd(a))
	rootCmd.AddCommand(newCatalogCmd(a))

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
