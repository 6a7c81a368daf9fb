package segments

import (
	"cmp"
	"math"
	"slices"

	"segment-dashboard/internal/errors"
	"segment-dashboard/internal/models"
	"segment-dashboard/internal/table"
)

// Profile averages numeric features per category and standardizes each
// feature column across categories. Categories are ordered by entity count,
// largest first. With a single category no z-scores are produced.
func Profile(t *table.Table, categoryColumn string, features []string) (*models.Profile, error) {
	if len(features) == 0 {
		return nil, errors.InputShape("profile needs at least one feature column")
	}
	idx, err := t.Require(append([]string{categoryColumn}, features...)...)
	if err != nil {
		return nil, err
	}

	type acc struct {
		count int
		sums  []float64
	}
	groups := make(map[string]*acc)
	for i, row := range t.Rows {
		category := table.Cell(row, idx[0])
		if category == "" {
			continue
		}
		g, ok := groups[category]
		if !ok {
			g = &acc{sums: make([]float64, len(features))}
			groups[category] = g
		}
		g.count++
		for f := range features {
			raw := table.Cell(row, idx[f+1])
			v, err := table.ParseFloat(raw)
			if err != nil {
				return nil, errors.InputShape("row %d: feature %s is not numeric: %q", i+1, features[f], raw)
			}
			g.sums[f] += v
		}
	}
	if len(groups) == 0 {
		return nil, errors.InputShape("no rows with a %s value", categoryColumn)
	}

	profile := &models.Profile{Features: features, Rows: make([]models.ProfileRow, 0, len(groups))}
	for category, g := range groups {
		means := make([]float64, len(features))
		for f := range features {
			means[f] = g.sums[f] / float64(g.count)
		}
		profile.Rows = append(profile.Rows, models.ProfileRow{Category: category, Count: g.count, Means: means})
	}
	slices.SortFunc(profile.Rows, func(a, b models.ProfileRow) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Category, b.Category)
	})

	if len(profile.Rows) < 2 {
		return profile, nil
	}
	for f := range features {
		column := make([]float64, len(profile.Rows))
		for r := range profile.Rows {
			column[r] = profile.Rows[r].Means[f]
		}
		mean, std := meanStd(column)
		for r := range profile.Rows {
			if profile.Rows[r].ZScores == nil {
				profile.Rows[r].ZScores = make([]float64, len(features))
			}
			if std > 0 {
				profile.Rows[r].ZScores[f] = (column[r] - mean) / std
			}
		}
	}
	return profile, nil
}

// meanStd returns the mean and sample standard deviation of values.
func meanStd(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var ss float64
	for _, v := range values {
		ss += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(ss / float64(len(values)-1))
}
