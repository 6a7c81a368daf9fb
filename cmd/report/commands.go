package main

import (
	"github.com/spf13/cobra"
)

func newTransitionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "transitions",
		Short:   "Count accounts moving between segments of two periods",
		GroupID: "segments",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := a.reports.Transitions(cmd.Context(), a.params())
			if err != nil {
				return err
			}
			if a.format == formatCSV {
				return writeTransitionsCSV(cmd.OutOrStdout(), tr)
			}
			return writeJSON(cmd.OutOrStdout(), tr)
		},
	}
}

func newTreemapCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "treemap",
		Short:   "Print the two-level transition treemap",
		GroupID: "segments",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := a.reports.Treemap(cmd.Context(), a.params())
			if err != nil {
				return err
			}
			if a.format == formatCSV {
				return writeTreemapCSV(cmd.OutOrStdout(), nodes)
			}
			return writeJSON(cmd.OutOrStdout(), nodes)
		},
	}
}

func newFlowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "flow",
		Short:   "Print the segment flow graph",
		GroupID: "segments",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := a.reports.Flow(cmd.Context(), a.params())
			if err != nil {
				return err
			}
			if a.format == formatCSV {
				return writeFlowCSV(cmd.OutOrStdout(), g)
			}
			return writeJSON(cmd.OutOrStdout(), g)
		},
	}
}

func newSurvivalCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "survival",
		Short:   "Print the cohort survival table",
		GroupID: "survival",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.reports.Survival(cmd.Context(), a.minPopulation)
			if err != nil {
				return err
			}
			if a.format == formatCSV {
				return writeSurvivalCSV(cmd.OutOrStdout(), t.Rows)
			}
			return writeJSON(cmd.OutOrStdout(), t)
		},
	}
}

func newCatalogCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Print the effective segment catalog as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.catalog.Write(cmd.OutOrStdout())
		},
	}
}
