package survival

import (
	"cmp"
	"math"
	"slices"

	"segment-dashboard/internal/models"
)

// StatusShares is the first-month status distribution per group and cohort.
// Records with statuses outside the given order are ignored. Offset is the
// share of the statuses stacked below a row, for stacked bar charts.
func StatusShares(records []models.SurvivalRecord, statuses []string) []models.StatusShare {
	rank := make(map[string]int, len(statuses))
	for i, s := range statuses {
		rank[s] = i
	}

	type groupKey struct {
		group  string
		cohort int
	}
	totals := make(map[groupKey]int)
	counts := make(map[curveKey]int)
	for _, rec := range records {
		if rec.MonthNr != 1 {
			continue
		}
		if _, ok := rank[rec.Status]; !ok {
			continue
		}
		totals[groupKey{rec.Group, rec.Cohort()}]++
		counts[curveKey{group: rec.Group, cohort: rec.Cohort(), status: rec.Status}]++
	}

	shares := make([]models.StatusShare, 0, len(counts))
	for key, n := range counts {
		total := totals[groupKey{key.group, key.cohort}]
		shares = append(shares, models.StatusShare{
			Group:         key.group,
			Cohort:        key.cohort,
			Status:        key.status,
			Accounts:      n,
			AccountsTotal: total,
			Proportion:    float64(n) / float64(total),
		})
	}
	slices.SortFunc(shares, func(a, b models.StatusShare) int {
		if c := cmp.Compare(a.Cohort, b.Cohort); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Group, b.Group); c != 0 {
			return c
		}
		return cmp.Compare(rank[a.Status], rank[b.Status])
	})

	var cumulative float64
	for i := range shares {
		if i == 0 || shares[i].Group != shares[i-1].Group || shares[i].Cohort != shares[i-1].Cohort {
			cumulative = 0
		}
		shares[i].Offset = cumulative
		if math.Abs(shares[i].Offset-1) < 1e-9 {
			shares[i].Offset = 0
		}
		cumulative += shares[i].Proportion
	}
	return shares
}

// RankGroups orders the groups of cohort by their share of status, largest
// first. Groups without any record of status are left out.
func RankGroups(shares []models.StatusShare, cohort int, status string) []string {
	var matched []models.StatusShare
	for _, s := range shares {
		if s.Cohort == cohort && s.Status == status {
			matched = append(matched, s)
		}
	}
	slices.SortFunc(matched, func(a, b models.StatusShare) int {
		if c := cmp.Compare(b.Proportion, a.Proportion); c != 0 {
			return c
		}
		return cmp.Compare(a.Group, b.Group)
	})
	groups := make([]string, len(matched))
	for i, s := range matched {
		groups[i] = s.Group
	}
	return groups
}
