package segments

import (
	"math"
	"slices"
	"strings"

	"segment-dashboard/internal/errors"
	"segment-dashboard/internal/models"
)

// Measure is one leaf contribution to a hierarchy. Path runs from the top
// level down to the leaf level.
type Measure struct {
	Path  []string
	Value float64
	Count int
}

// MeasuresByPeriod maps records to two-level measures, period above
// category, one count per record.
func MeasuresByPeriod(records []models.EntityRecord) []Measure {
	out := make([]Measure, 0, len(records))
	for _, rec := range records {
		out = append(out, Measure{
			Path:  []string{rec.Period, rec.Category},
			Value: rec.Value,
			Count: 1,
		})
	}
	return out
}

// BuildHierarchy aggregates measures into an N-level tree below a synthetic
// root. Node ids are the full path joined by PathSeparator, so equal labels
// under different parents stay distinct. Colors are looked up by the node
// label.
func BuildHierarchy(measures []Measure, order Order, colors Colors) ([]models.HierarchyNode, error) {
	if len(measures) == 0 {
		return nil, errors.InputShape("no measures to build a hierarchy from")
	}
	depth := len(measures[0].Path)
	if depth == 0 {
		return nil, errors.InputShape("hierarchy paths must have at least one level")
	}

	nodes := make(map[string]*models.HierarchyNode)
	var ids []string
	root := &models.HierarchyNode{ID: RootID, Label: RootID, Color: "#ffffff", Proportion: 1}

	for _, m := range measures {
		if len(m.Path) != depth {
			return nil, errors.InputShape("hierarchy paths must share one depth: got %d and %d", depth, len(m.Path))
		}
		if m.Value < 0 {
			return nil, errors.InputShape("negative value %v at %s", m.Value, strings.Join(m.Path, PathSeparator))
		}
		root.Value += m.Value
		root.Count += m.Count

		parent := RootID
		for level, label := range m.Path {
			if err := checkLabel(label); err != nil {
				return nil, err
			}
			id := strings.Join(m.Path[:level+1], PathSeparator)
			node, ok := nodes[id]
			if !ok {
				node = &models.HierarchyNode{
					ID:       id,
					ParentID: parent,
					Label:    label,
					Color:    colors.Lookup(label),
				}
				nodes[id] = node
				ids = append(ids, id)
			}
			node.Value += m.Value
			node.Count += m.Count
			parent = id
		}
	}

	slices.SortFunc(ids, func(a, b string) int {
		pa, pb := strings.Split(a, PathSeparator), strings.Split(b, PathSeparator)
		if len(pa) != len(pb) {
			return len(pa) - len(pb)
		}
		for i := range pa {
			if c := order.Compare(pa[i], pb[i]); c != 0 {
				return c
			}
		}
		return 0
	})

	out := make([]models.HierarchyNode, 0, len(ids)+1)
	out = append(out, *root)
	for _, id := range ids {
		node := nodes[id]
		parentValue := root.Value
		if p, ok := nodes[node.ParentID]; ok {
			parentValue = p.Value
		}
		if parentValue > 0 {
			node.Proportion = node.Value / parentValue
		}
		out = append(out, *node)
	}
	return out, nil
}

// CheckHierarchy verifies the containment tree: a single root, every parent
// id resolves, no cycles, and every non-leaf value and count equals the sum
// over its immediate children.
func CheckHierarchy(nodes []models.HierarchyNode) error {
	byID := make(map[string]models.HierarchyNode, len(nodes))
	var roots []string
	for _, n := range nodes {
		if _, dup := byID[n.ID]; dup {
			return errors.InputShape("duplicate hierarchy id %q", n.ID)
		}
		byID[n.ID] = n
		if n.ParentID == "" {
			roots = append(roots, n.ID)
		}
	}
	if len(roots) != 1 {
		return errors.InputShape("hierarchy must have exactly one root, found %d", len(roots))
	}

	childValue := make(map[string]float64)
	childCount := make(map[string]int)
	for _, n := range nodes {
		if n.ParentID == "" {
			continue
		}
		if _, ok := byID[n.ParentID]; !ok {
			return errors.InputShape("node %q references unknown parent %q", n.ID, n.ParentID)
		}
		childValue[n.ParentID] += n.Value
		childCount[n.ParentID] += n.Count
	}

	for _, n := range nodes {
		seen := map[string]bool{n.ID: true}
		for p := n.ParentID; p != ""; p = byID[p].ParentID {
			if seen[p] {
				return errors.InputShape("cycle through hierarchy node %q", p)
			}
			seen[p] = true
		}

		sum, hasChildren := childValue[n.ID]
		if !hasChildren {
			continue
		}
		if math.Abs(sum-n.Value) > 1e-9*math.Max(1, math.Abs(n.Value)) {
			return errors.InputShape("node %q value %v differs from children sum %v", n.ID, n.Value, sum)
		}
		if childCount[n.ID] != n.Count {
			return errors.InputShape("node %q count %d differs from children sum %d", n.ID, n.Count, childCount[n.ID])
		}
	}
	return nil
}
