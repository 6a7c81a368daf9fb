// Package survival builds cohort survival tables: for every group, cohort
// and status it tracks which share of the accounts opened in the first
// month are still valid a given number of days later, censored at the
// follow-up each cohort could have accumulated.
package survival

import (
	"slices"

	"segment-dashboard/internal/errors"
	"segment-dashboard/internal/models"
	"segment-dashboard/internal/table"
)

// DefaultStatuses is the admissible status order used when no catalog
// overrides it.
var DefaultStatuses = []string{
	"Approved CCF", "Approved CCL", "Fallback CCL", "Approved PP",
	"Fallback PP", "Rejected CCF", "Rejected CCL",
}

// Columns names the table columns of a survival extract.
type Columns struct {
	Account       string
	Group         string
	Status        string
	ProcessedAt   string
	MonthNr       string
	IsValid       string
	DaysToInvalid string
}

// DefaultColumns matches the layout of the survival result table.
var DefaultColumns = Columns{
	Account:       "konto_id",
	Group:         "group_name",
	Status:        "status_full",
	ProcessedAt:   "bearbeitet_datum",
	MonthNr:       "month_nr",
	IsValid:       "is_valid",
	DaysToInvalid: "n_days_to_invalid",
}

// Extract reads survival records out of t. Rows without an account id are
// skipped. An empty days-to-invalid cell means the account is still valid.
func Extract(t *table.Table, cols Columns) ([]models.SurvivalRecord, error) {
	idx, err := t.Require(cols.Account, cols.Group, cols.Status, cols.ProcessedAt, cols.MonthNr, cols.IsValid, cols.DaysToInvalid)
	if err != nil {
		return nil, err
	}

	records := make([]models.SurvivalRecord, 0, t.Len())
	for i, row := range t.Rows {
		rec := models.SurvivalRecord{
			AccountID: table.Cell(row, idx[0]),
			Group:     table.Cell(row, idx[1]),
			Status:    table.Cell(row, idx[2]),
		}
		if rec.AccountID == "" {
			continue
		}

		processed, err := table.ParseDate(table.Cell(row, idx[3]))
		if err != nil {
			return nil, errors.InputShape("row %d: %s: %v", i+1, cols.ProcessedAt, err)
		}
		rec.ProcessedAt = table.DateOnly(processed)

		if rec.MonthNr, err = table.ParseInt(table.Cell(row, idx[4])); err != nil {
			return nil, errors.InputShape("row %d: invalid %s %q", i+1, cols.MonthNr, table.Cell(row, idx[4]))
		}
		if rec.IsValid, err = table.ParseBool(table.Cell(row, idx[5])); err != nil {
			return nil, errors.InputShape("row %d: %s: %v", i+1, cols.IsValid, err)
		}
		if raw := table.Cell(row, idx[6]); raw != "" {
			days, err := table.ParseInt(raw)
			if err != nil {
				return nil, errors.InputShape("row %d: invalid %s %q", i+1, cols.DaysToInvalid, raw)
			}
			rec.DaysToInvalid = &days
		}
		records = append(records, rec)
	}
	return records, nil
}

// CleanStatus keeps the records whose status is admissible. It returns the
// admissible statuses actually observed, in admissible order, and the number
// of dropped records per unknown status value.
func CleanStatus(records []models.SurvivalRecord, admissible []string) ([]models.SurvivalRecord, []string, map[string]int) {
	observed := make(map[string]bool)
	unknown := make(map[string]int)
	kept := make([]models.SurvivalRecord, 0, len(records))
	for _, rec := range records {
		if !slices.Contains(admissible, rec.Status) {
			unknown[rec.Status]++
			continue
		}
		observed[rec.Status] = true
		kept = append(kept, rec)
	}

	statuses := make([]string, 0, len(observed))
	for _, s := range admissible {
		if observed[s] {
			statuses = append(statuses, s)
		}
	}
	return kept, statuses, unknown
}
