package models

const (
	NewCustomer  = "New Customer"
	LostCustomer = "Lost Customer"
)

// EntityRecord is one tracked subject observed in one period.
type EntityRecord struct {
	EntityID string  `json:"entity_id"`
	Period   string  `json:"period"`
	Category string  `json:"category"`
	Value    float64 `json:"value"`
}

type TransitionPair struct {
	Source             string  `json:"source"`
	Target             string  `json:"target"`
	Count              int     `json:"n_accounts"`
	TotalSource        int     `json:"n_total_source"`
	TotalTarget        int     `json:"n_total_target"`
	ProportionOfSource float64 `json:"prop_accounts_source"`
	ProportionOfTarget float64 `json:"prop_accounts_target"`
}

type Transitions struct {
	SourcePeriod string           `json:"source_period"`
	TargetPeriod string           `json:"target_period"`
	Entities     int              `json:"entities"`
	Pairs        []TransitionPair `json:"pairs"`
}

type HierarchyNode struct {
	ID         string  `json:"id"`
	ParentID   string  `json:"parent"`
	Label      string  `json:"label"`
	Value      float64 `json:"value"`
	Count      int     `json:"count"`
	Proportion float64 `json:"proportion"`
	Color      string  `json:"color,omitempty"`
}

type FlowNode struct {
	Index int    `json:"index"`
	Label string `json:"label"`
	Side  string `json:"side"`
	Color string `json:"color"`
}

type FlowEdge struct {
	Source int     `json:"source"`
	Target int     `json:"target"`
	Value  int     `json:"value"`
	Share  float64 `json:"label"`
	Color  string  `json:"color"`
}

type FlowGraph struct {
	Direction string     `json:"direction"`
	Nodes     []FlowNode `json:"nodes"`
	Edges     []FlowEdge `json:"links"`
}

type FanOutRow struct {
	Target string  `json:"target"`
	Count  int     `json:"count"`
	Share  float64 `json:"pct"`
}

type FanOut struct {
	Source    string      `json:"source"`
	SelfIndex int         `json:"self_index"`
	Rows      []FanOutRow `json:"rows"`
}

type WideRow struct {
	EntityID   string   `json:"entity_id"`
	Categories []string `json:"categories"`
	Color      string   `json:"color"`
}

type ProfileRow struct {
	Category string    `json:"category"`
	Count    int       `json:"count"`
	Means    []float64 `json:"means"`
	ZScores  []float64 `json:"z_scores,omitempty"`
}

type Profile struct {
	Features []string     `json:"features"`
	Rows     []ProfileRow `json:"rows"`
}
