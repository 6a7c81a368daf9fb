package models

import "time"

// SurvivalRecord is one account snapshot of the survival extract.
type SurvivalRecord struct {
	AccountID     string
	Group         string
	Status        string
	ProcessedAt   time.Time
	MonthNr       int
	IsValid       bool
	DaysToInvalid *int
}

// Cohort is the processing year of the record.
func (r SurvivalRecord) Cohort() int {
	return r.ProcessedAt.Year()
}

type SurvivalRow struct {
	Group                  string  `json:"group_name"`
	Cohort                 int     `json:"cohort"`
	Status                 string  `json:"status"`
	ElapsedDay             int     `json:"n_days_to_invalid"`
	Accounts               int     `json:"n_accounts"`
	AccountsTotal          int     `json:"n_accounts_tot"`
	CumulativeDropoutCount int     `json:"n_dropout_cum"`
	ProportionDropout      float64 `json:"prop_dropout"`
	ProportionSurviving    float64 `json:"prop_survive"`
	Horizon                int     `json:"max_n_days"`
}

type SurvivalTable struct {
	Statuses       []string       `json:"statuses"`
	Horizons       map[int]int    `json:"horizons"`
	UnknownStatus  map[string]int `json:"unknown_status,omitempty"`
	DroppedCohorts []int          `json:"dropped_cohorts,omitempty"`
	Rows           []SurvivalRow  `json:"rows"`
}

type StatusShare struct {
	Group         string  `json:"group_name"`
	Cohort        int     `json:"cohort"`
	Status        string  `json:"status"`
	Accounts      int     `json:"n_accounts"`
	AccountsTotal int     `json:"n_accounts_tot"`
	Proportion    float64 `json:"prop_accounts"`
	Offset        float64 `json:"prop_accounts_cum"`
}
