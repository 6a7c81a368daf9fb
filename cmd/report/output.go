package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"segment-dashboard/internal/models"
)

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func writeCSV(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

func itoa(v int) string { return strconv.Itoa(v) }

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func writeTransitionsCSV(w io.Writer, tr *models.Transitions) error {
	rows := make([][]string, 0, len(tr.Pairs))
	for _, p := range tr.Pairs {
		rows = append(rows, []string{
			tr.SourcePeriod,
			tr.TargetPeriod,
			p.Source,
			p.Target,
			itoa(p.Count),
			itoa(p.TotalSource),
			itoa(p.TotalTarget),
			ftoa(p.ProportionOfSource),
			ftoa(p.ProportionOfTarget),
		})
	}
	return writeCSV(w, []string{
		"source_period", "target_period", "source", "target",
		"n_accounts", "n_total_source", "n_total_target",
		"prop_accounts_source", "prop_accounts_target",
	}, rows)
}

func writeTreemapCSV(w io.Writer, nodes []models.HierarchyNode) error {
	rows := make([][]string, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, []string{n.ID, n.ParentID, n.Label, ftoa(n.Value), itoa(n.Count), ftoa(n.Proportion), n.Color})
	}
	return writeCSV(w, []string{"id", "parent", "label", "value", "count", "proportion", "color"}, rows)
}

// writeFlowCSV prints one row per edge with the node labels resolved.
func writeFlowCSV(w io.Writer, g *models.FlowGraph) error {
	labels := make(map[int]string, len(g.Nodes))
	for _, n := range g.Nodes {
		labels[n.Index] = n.Label
	}
	rows := make([][]string, 0, len(g.Edges))
	for _, e := range g.Edges {
		rows = append(rows, []string{
			itoa(e.Source), labels[e.Source],
			itoa(e.Target), labels[e.Target],
			itoa(e.Value), ftoa(e.Share), e.Color,
		})
	}
	return writeCSV(w, []string{"source", "source_label", "target", "target_label", "value", "share", "color"}, rows)
}

func writeSurvivalCSV(w io.Writer, rows []models.SurvivalRow) error {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{
			r.Group, itoa(r.Cohort), r.Status, itoa(r.ElapsedDay),
			itoa(r.Accounts), itoa(r.AccountsTotal), itoa(r.CumulativeDropoutCount),
			ftoa(r.ProportionDropout), ftoa(r.ProportionSurviving), itoa(r.Horizon),
		})
	}
	return writeCSV(w, []string{
		"group_name", "cohort", "status", "n_days_to_invalid",
		"n_accounts", "n_accounts_tot", "n_dropout_cum",
		"prop_dropout", "prop_survive", "max_n_days",
	}, out)
}
