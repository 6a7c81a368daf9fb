// Package segments turns longitudinal category snapshots (one row per entity
// and period) into transition counts and the hierarchy and flow-graph shapes
// the dashboard charts consume.
package segments

import (
	"cmp"
	"slices"

	"segment-dashboard/internal/errors"
	"segment-dashboard/internal/models"
	"segment-dashboard/internal/table"
)

// Columns names the table columns holding each record attribute. Value is
// optional.
type Columns struct {
	Entity   string
	Time     string
	Category string
	Value    string
	// Aliases rewrites raw category values.
	Aliases map[string]string
	// Missing, when set, stands in for empty category cells.
	Missing string
}

// Extract reads entity records out of t. Rows without entity, period or
// category are skipped: an absent category is treated as absence of the
// entity in that period unless cols.Missing names a stand-in.
func Extract(t *table.Table, cols Columns) ([]models.EntityRecord, error) {
	idx, err := t.Require(cols.Entity, cols.Time, cols.Category)
	if err != nil {
		return nil, err
	}
	valueIdx := -1
	if cols.Value != "" {
		v, err := t.Require(cols.Value)
		if err != nil {
			return nil, err
		}
		valueIdx = v[0]
	}

	records := make([]models.EntityRecord, 0, t.Len())
	for i, row := range t.Rows {
		rec := models.EntityRecord{
			EntityID: table.Cell(row, idx[0]),
			Period:   table.Cell(row, idx[1]),
			Category: table.Cell(row, idx[2]),
		}
		if rec.Category == "" {
			rec.Category = cols.Missing
		}
		if alias, ok := cols.Aliases[rec.Category]; ok {
			rec.Category = alias
		}
		if rec.EntityID == "" || rec.Period == "" || rec.Category == "" {
			continue
		}
		if valueIdx >= 0 {
			value, err := table.ParseFloat(table.Cell(row, valueIdx))
			if err != nil {
				return nil, errors.InputShape("row %d: invalid %s value %q", i+1, cols.Value, table.Cell(row, valueIdx))
			}
			rec.Value = value
		}
		records = append(records, rec)
	}
	return records, nil
}

// Order ranks category labels. Labels listed come first in the listed order,
// unlisted labels follow lexically and the New/Lost sentinels always sort
// last.
type Order []string

func (o Order) Compare(a, b string) int {
	ra, rb := o.rank(a), o.rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	return cmp.Compare(a, b)
}

func (o Order) rank(label string) int {
	if label == models.NewCustomer || label == models.LostCustomer {
		return len(o) + 2
	}
	if i := slices.Index(o, label); i >= 0 {
		return i
	}
	return len(o) + 1
}

// Sort orders labels in place and returns them.
func (o Order) Sort(labels []string) []string {
	slices.SortFunc(labels, o.Compare)
	return labels
}

type pairKey struct {
	source string
	target string
}

// Counts computes, per entity, the category at the earlier period (or
// New Customer when absent) and at the later period (or Lost Customer when
// absent), then counts entities per (source, target) pair.
//
// periods lists the two periods in chronological order. When empty, the two
// distinct periods found in the records are used in ascending order.
func Counts(records []models.EntityRecord, periods []string, order Order) (*models.Transitions, error) {
	first, second, err := resolvePeriods(records, periods)
	if err != nil {
		return nil, err
	}

	type endpoints struct {
		source, target string
	}
	entities := make(map[string]*endpoints)
	for _, rec := range records {
		ep, ok := entities[rec.EntityID]
		if !ok {
			ep = &endpoints{}
			entities[rec.EntityID] = ep
		}
		slot := &ep.source
		if rec.Period == second {
			slot = &ep.target
		}
		if *slot != "" {
			return nil, errors.InputShape("entity %q has more than one record for period %q", rec.EntityID, rec.Period)
		}
		*slot = rec.Category
	}

	counts := make(map[pairKey]int)
	totalSource := make(map[string]int)
	totalTarget := make(map[string]int)
	for _, ep := range entities {
		key := pairKey{source: ep.source, target: ep.target}
		if key.source == "" {
			key.source = models.NewCustomer
		}
		if key.target == "" {
			key.target = models.LostCustomer
		}
		counts[key]++
		totalSource[key.source]++
		totalTarget[key.target]++
	}

	pairs := make([]models.TransitionPair, 0, len(counts))
	for key, n := range counts {
		pairs = append(pairs, models.TransitionPair{
			Source:             key.source,
			Target:             key.target,
			Count:              n,
			TotalSource:        totalSource[key.source],
			TotalTarget:        totalTarget[key.target],
			ProportionOfSource: float64(n) / float64(totalSource[key.source]),
			ProportionOfTarget: float64(n) / float64(totalTarget[key.target]),
		})
	}
	slices.SortFunc(pairs, func(a, b models.TransitionPair) int {
		if c := order.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		return order.Compare(a.Target, b.Target)
	})

	return &models.Transitions{
		SourcePeriod: first,
		TargetPeriod: second,
		Entities:     len(entities),
		Pairs:        pairs,
	}, nil
}

func resolvePeriods(records []models.EntityRecord, periods []string) (string, string, error) {
	seen := make(map[string]struct{})
	var distinct []string
	for _, rec := range records {
		if _, ok := seen[rec.Period]; !ok {
			seen[rec.Period] = struct{}{}
			distinct = append(distinct, rec.Period)
		}
	}

	if len(periods) == 0 {
		if len(distinct) != 2 {
			return "", "", errors.InputShape("time column must hold exactly two distinct values, got %d", len(distinct))
		}
		slices.Sort(distinct)
		return distinct[0], distinct[1], nil
	}

	if len(periods) != 2 || periods[0] == periods[1] {
		return "", "", errors.InputShape("exactly two distinct periods are required, got %v", periods)
	}
	for _, p := range distinct {
		if p != periods[0] && p != periods[1] {
			return "", "", errors.InputShape("time column holds %d distinct values, period %q is not one of %v", len(distinct), p, periods)
		}
	}
	if len(distinct) != 2 {
		return "", "", errors.InputShape("time column must hold exactly two distinct values, got %d", len(distinct))
	}
	return periods[0], periods[1], nil
}

// Filter keeps the records whose period is one of periods.
func Filter(records []models.EntityRecord, periods ...string) []models.EntityRecord {
	out := make([]models.EntityRecord, 0, len(records))
	for _, rec := range records {
		if slices.Contains(periods, rec.Period) {
			out = append(out, rec)
		}
	}
	return out
}

// Unknown counts the records whose category is not listed in order. Such
// records are still aggregated; they only sort after the listed labels.
// An empty order admits every label.
func Unknown(records []models.EntityRecord, order Order) map[string]int {
	unknown := make(map[string]int)
	if len(order) == 0 {
		return unknown
	}
	for _, rec := range records {
		if !slices.Contains(order, rec.Category) {
			unknown[rec.Category]++
		}
	}
	return unknown
}

// Periods returns the distinct periods of records in ascending order.
func Periods(records []models.EntityRecord) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, rec := range records {
		if _, ok := seen[rec.Period]; !ok {
			seen[rec.Period] = struct{}{}
			out = append(out, rec.Period)
		}
	}
	slices.Sort(out)
	return out
}
