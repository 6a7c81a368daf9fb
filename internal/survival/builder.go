package survival

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"segment-dashboard/internal/errors"
	"segment-dashboard/internal/models"
	"segment-dashboard/internal/table"
)

type Options struct {
	// Statuses is the admissible status order. Empty means DefaultStatuses.
	Statuses []string
	// MinPopulation drops every (group, cohort, status) curve whose
	// starting population is at or below it.
	MinPopulation int
	// Now is the observation date horizons are measured against. Zero means
	// the current date.
	Now time.Time
}

type curveKey struct {
	group  string
	cohort int
	status string
}

type dayKey struct {
	curveKey
	day int
}

// Build turns survival records into a censored survival table.
//
// Only first-month records that were valid are followed. Each cohort's
// horizon is the number of whole days between Now and its latest processing
// date. The design grid spans days 1 through the largest horizon for every
// group, cohort and observed status so that days without dropouts still
// carry the running totals; rows beyond their cohort's horizon are then
// discarded.
//
// Records with a status outside the admissible set are excluded entirely,
// from the counts as well as the denominators, and reported in
// UnknownStatus. Cohorts whose records are all filtered out are reported in
// DroppedCohorts. If nothing survives filtering Build fails with an
// EmptyCohort error.
func Build(records []models.SurvivalRecord, opts Options) (*models.SurvivalTable, error) {
	admissible := opts.Statuses
	if len(admissible) == 0 {
		admissible = DefaultStatuses
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	today := table.DateOnly(now)

	kept, _, unknown := CleanStatus(records, admissible)

	seenCohorts := make(map[int]bool)
	for _, rec := range kept {
		seenCohorts[rec.Cohort()] = true
	}

	followed := make([]models.SurvivalRecord, 0, len(kept))
	for _, rec := range kept {
		if rec.MonthNr == 1 && rec.IsValid {
			followed = append(followed, rec)
		}
	}
	if len(followed) == 0 {
		return nil, errors.EmptyCohort("no valid first-month accounts after filtering").
			WithDetails(describeUnknown(unknown))
	}
	_, statuses, _ := CleanStatus(followed, admissible)

	latest := make(map[int]time.Time)
	totals := make(map[curveKey]int)
	dropouts := make(map[dayKey]int)
	groupSet := make(map[string]bool)
	for _, rec := range followed {
		cohort := rec.Cohort()
		if rec.ProcessedAt.After(latest[cohort]) {
			latest[cohort] = rec.ProcessedAt
		}
		groupSet[rec.Group] = true

		key := curveKey{group: rec.Group, cohort: cohort, status: rec.Status}
		totals[key]++
		if rec.DaysToInvalid != nil {
			dropouts[dayKey{curveKey: key, day: *rec.DaysToInvalid}]++
		}
	}

	horizons := make(map[int]int, len(latest))
	maxDay := 0
	for cohort, last := range latest {
		h := int(today.Sub(table.DateOnly(last)).Hours() / 24)
		if h < 0 {
			h = 0
		}
		horizons[cohort] = h
		maxDay = max(maxDay, h)
	}

	result := &models.SurvivalTable{
		Statuses:      statuses,
		Horizons:      horizons,
		UnknownStatus: unknown,
	}
	for cohort := range seenCohorts {
		if _, ok := horizons[cohort]; !ok {
			result.DroppedCohorts = append(result.DroppedCohorts, cohort)
		}
	}
	slices.Sort(result.DroppedCohorts)

	groups := sortedKeys(groupSet)
	cohorts := sortedKeys(horizons)

	for _, cohort := range cohorts {
		horizon := horizons[cohort]
		for _, group := range groups {
			for _, status := range statuses {
				key := curveKey{group: group, cohort: cohort, status: status}
				total := totals[key]
				if total == 0 || total <= opts.MinPopulation {
					continue
				}
				cumulative := 0
				for day := 1; day <= maxDay && day <= horizon; day++ {
					n := dropouts[dayKey{curveKey: key, day: day}]
					cumulative += n
					result.Rows = append(result.Rows, models.SurvivalRow{
						Group:                  group,
						Cohort:                 cohort,
						Status:                 status,
						ElapsedDay:             day,
						Accounts:               n,
						AccountsTotal:          total,
						CumulativeDropoutCount: cumulative,
						ProportionDropout:      float64(n) / float64(total),
						ProportionSurviving:    1 - float64(cumulative)/float64(total),
						Horizon:                horizon,
					})
				}
			}
		}
	}
	return result, nil
}

// Overview keeps the rows at multiples of every elapsed days, the yearly
// checkpoints of the survival curves when every is 365.
func Overview(rows []models.SurvivalRow, every int) []models.SurvivalRow {
	if every <= 0 {
		every = 365
	}
	var out []models.SurvivalRow
	for _, r := range rows {
		if r.ElapsedDay%every == 0 {
			out = append(out, r)
		}
	}
	return out
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func describeUnknown(unknown map[string]int) string {
	if len(unknown) == 0 {
		return ""
	}
	total := 0
	for _, n := range unknown {
		total += n
	}
	return fmt.Sprintf("%d record(s) with unknown status were excluded", total)
}
