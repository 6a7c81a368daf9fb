package segments

import (
	"cmp"
	"fmt"
	"slices"

	"segment-dashboard/internal/errors"
	"segment-dashboard/internal/models"
)

// Stability lists the pairs that kept their category (transitions=false) or
// changed it (transitions=true), highest proportion of source first. limit
// <= 0 keeps every row.
func Stability(tr *models.Transitions, transitions bool, limit int) []models.TransitionPair {
	out := make([]models.TransitionPair, 0, len(tr.Pairs))
	for _, p := range tr.Pairs {
		if (p.Source != p.Target) == transitions {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b models.TransitionPair) int {
		return cmp.Compare(b.ProportionOfSource, a.ProportionOfSource)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// FanOut lists where the entities of one source category went, largest
// target first.
func FanOut(tr *models.Transitions, source string) (*models.FanOut, error) {
	result := &models.FanOut{Source: source, SelfIndex: -1}
	total := 0
	for _, p := range tr.Pairs {
		if p.Source != source {
			continue
		}
		result.Rows = append(result.Rows, models.FanOutRow{Target: p.Target, Count: p.Count})
		total += p.Count
	}
	if len(result.Rows) == 0 {
		return nil, errors.NotFound(fmt.Sprintf("no transitions from category %q", source))
	}

	slices.SortStableFunc(result.Rows, func(a, b models.FanOutRow) int {
		return cmp.Compare(b.Count, a.Count)
	})
	for i := range result.Rows {
		result.Rows[i].Share = float64(result.Rows[i].Count) / float64(total)
		if result.Rows[i].Target == source {
			result.SelfIndex = i
		}
	}
	return result, nil
}

// Wide pivots records to one row per entity with its category in each of
// two or three periods. The row color follows the category of the last
// period.
func Wide(records []models.EntityRecord, periods []string, colors Colors) ([]models.WideRow, error) {
	if len(periods) != 2 && len(periods) != 3 {
		return nil, errors.InputShape("parallel categories need 2 or 3 periods, got %d", len(periods))
	}
	position := make(map[string]int, len(periods))
	for i, p := range periods {
		position[p] = i
	}

	rows := make(map[string]*models.WideRow)
	for _, rec := range records {
		pos, ok := position[rec.Period]
		if !ok {
			continue
		}
		row, ok := rows[rec.EntityID]
		if !ok {
			row = &models.WideRow{EntityID: rec.EntityID, Categories: make([]string, len(periods))}
			rows[rec.EntityID] = row
		}
		if row.Categories[pos] != "" {
			return nil, errors.InputShape("entity %q has more than one record for period %q", rec.EntityID, rec.Period)
		}
		row.Categories[pos] = rec.Category
	}

	out := make([]models.WideRow, 0, len(rows))
	for _, row := range rows {
		row.Color = colors.Lookup(row.Categories[len(periods)-1])
		out = append(out, *row)
	}
	slices.SortFunc(out, func(a, b models.WideRow) int {
		return cmp.Compare(a.EntityID, b.EntityID)
	})
	return out, nil
}
