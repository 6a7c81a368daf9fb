package segments

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"segment-dashboard/internal/errors"
	"segment-dashboard/internal/models"
)

// Direction selects which endpoint of a transition drives asymmetric
// reshaping: the treemap parent level and the flow-graph coloring.
type Direction string

const (
	BySource Direction = "source"
	ByTarget Direction = "target"
)

func ParseDirection(value string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(value))) {
	case BySource, "":
		return BySource, nil
	case ByTarget:
		return ByTarget, nil
	}
	return "", errors.Validation(fmt.Sprintf("invalid direction %q, must be source or target", value))
}

// ends returns the (driving, other) labels of p.
func (d Direction) ends(p models.TransitionPair) (string, string) {
	if d == ByTarget {
		return p.Target, p.Source
	}
	return p.Source, p.Target
}

func (d Direction) proportion(p models.TransitionPair) float64 {
	if d == ByTarget {
		return p.ProportionOfTarget
	}
	return p.ProportionOfSource
}

const (
	RootID        = "total"
	PathSeparator = "/"
)

// ToTreemap builds a two-level hierarchy under a synthetic root: level-1
// nodes are the driving-side categories, leaves are the transition pairs.
// Every non-leaf value is the sum of its children's values.
func ToTreemap(tr *models.Transitions, dir Direction, order Order, colors Colors) ([]models.HierarchyNode, error) {
	parents := make(map[string]*models.HierarchyNode)
	var parentLabels []string
	leaves := make([]models.HierarchyNode, 0, len(tr.Pairs))
	total := 0

	for _, p := range tr.Pairs {
		parent, child := dir.ends(p)
		if err := checkLabel(parent); err != nil {
			return nil, err
		}
		if err := checkLabel(child); err != nil {
			return nil, err
		}

		node, ok := parents[parent]
		if !ok {
			node = &models.HierarchyNode{
				ID:       parent,
				ParentID: RootID,
				Label:    parent,
				Color:    colors.Lookup(parent),
			}
			parents[parent] = node
			parentLabels = append(parentLabels, parent)
		}
		node.Value += float64(p.Count)
		node.Count += p.Count
		total += p.Count

		leaves = append(leaves, models.HierarchyNode{
			ID:         parent + PathSeparator + child,
			ParentID:   parent,
			Label:      p.Source + " - " + p.Target,
			Value:      float64(p.Count),
			Count:      p.Count,
			Proportion: dir.proportion(p),
			Color:      colors.Lookup(child),
		})
	}

	nodes := make([]models.HierarchyNode, 0, len(leaves)+len(parents)+1)
	nodes = append(nodes, models.HierarchyNode{
		ID:         RootID,
		Label:      RootID,
		Value:      float64(total),
		Count:      total,
		Proportion: 1,
		Color:      "#ffffff",
	})
	for _, label := range order.Sort(parentLabels) {
		node := parents[label]
		if total > 0 {
			node.Proportion = node.Value / float64(total)
		}
		nodes = append(nodes, *node)
	}
	slices.SortStableFunc(leaves, func(a, b models.HierarchyNode) int {
		if c := order.Compare(a.ParentID, b.ParentID); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return append(nodes, leaves...), nil
}

func checkLabel(label string) error {
	if label == RootID || strings.Contains(label, PathSeparator) {
		return errors.InputShape("category label %q collides with the hierarchy id scheme", label)
	}
	return nil
}

// ToFlowGraph assigns node indexes per side (source labels from 0, target
// labels from the last source index + 1) and maps every pair to a weighted
// edge. Colors are drawn from palette per distinct driving-side value.
//
// Sentinels on the wrong side (Lost Customer as a source, New Customer as a
// target) are rejected rather than dropped.
func ToFlowGraph(tr *models.Transitions, dir Direction, order Order, palette []string) (*models.FlowGraph, error) {
	var bad []string
	for _, p := range tr.Pairs {
		if p.Source == models.LostCustomer || p.Target == models.NewCustomer {
			bad = append(bad, p.Source+" -> "+p.Target)
		}
	}
	if len(bad) > 0 {
		return nil, errors.InputShape("sentinel category on the wrong side of %d transition(s)", len(bad)).
			WithDetails(strings.Join(bad, "; "))
	}

	sources := order.Sort(distinct(tr.Pairs, func(p models.TransitionPair) string { return p.Source }))
	targets := order.Sort(distinct(tr.Pairs, func(p models.TransitionPair) string { return p.Target }))
	driving := sources
	if dir == ByTarget {
		driving = targets
	}

	colors := Colors{Palette: palette}
	colorOf := make(map[string]string, len(driving))
	for i, label := range driving {
		colorOf[label] = colors.ColorFor(label, i)
	}
	nodeColor := func(label string) string {
		if c, ok := colorOf[label]; ok {
			return c
		}
		return DefaultColor
	}

	graph := &models.FlowGraph{
		Direction: string(dir),
		Nodes:     make([]models.FlowNode, 0, len(sources)+len(targets)),
		Edges:     make([]models.FlowEdge, 0, len(tr.Pairs)),
	}
	sourceIdx := make(map[string]int, len(sources))
	for i, label := range sources {
		sourceIdx[label] = i
		graph.Nodes = append(graph.Nodes, models.FlowNode{Index: i, Label: label, Side: string(BySource), Color: nodeColor(label)})
	}
	offset := len(sources)
	targetIdx := make(map[string]int, len(targets))
	for i, label := range targets {
		targetIdx[label] = offset + i
		graph.Nodes = append(graph.Nodes, models.FlowNode{Index: offset + i, Label: label, Side: string(ByTarget), Color: nodeColor(label)})
	}

	totals := make(map[string]int)
	for _, p := range tr.Pairs {
		key, _ := dir.ends(p)
		totals[key] += p.Count
	}
	for _, p := range tr.Pairs {
		key, _ := dir.ends(p)
		share := 0.0
		if totals[key] > 0 {
			share = math.Round(float64(p.Count)/float64(totals[key])*100) / 100
		}
		graph.Edges = append(graph.Edges, models.FlowEdge{
			Source: sourceIdx[p.Source],
			Target: targetIdx[p.Target],
			Value:  p.Count,
			Share:  share,
			Color:  colorOf[key],
		})
	}
	slices.SortFunc(graph.Edges, func(a, b models.FlowEdge) int {
		if a.Source != b.Source {
			return a.Source - b.Source
		}
		return a.Target - b.Target
	})
	return graph, nil
}

func distinct(pairs []models.TransitionPair, key func(models.TransitionPair) string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range pairs {
		k := key(p)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
