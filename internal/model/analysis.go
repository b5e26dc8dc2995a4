package model

import "time"

// Suggestion severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Plan step operations.
const (
	OpScan    = "scan"
	OpSearch  = "search"
	OpTemp    = "temp"
	OpVirtual = "virtual"
	OpOther   = "other"
)

// PlanStep is one parsed line (or node) of an execution plan.
type PlanStep struct {
	ID         int     `json:"id"`
	Parent     int     `json:"parent"`
	Detail     string  `json:"detail"`
	Operation  string  `json:"operation"`
	Table      string  `json:"table,omitempty"`
	Index      string  `json:"index,omitempty"`
	UsesIndex  bool    `json:"uses_index"`
	TableScan  bool    `json:"table_scan"`
	EngineCost float64 `json:"engine_cost,omitempty"`
}

// Suggestion is an advisory optimization hint.
type Suggestion struct {
	Kind     string   `json:"kind"`
	Severity string   `json:"severity"`
	Message  string   `json:"message"`
	Table    string   `json:"table,omitempty"`
	Columns  []string `json:"columns,omitempty"`
}

// QueryAnalysis is the analyzer's view of one query.
type QueryAnalysis struct {
	Query  string     `json:"query"`
	Params []any      `json:"params,omitempty"`
	Steps  []PlanStep `json:"steps,omitempty"`

	// PlanAvailable is false when the plan could not be fetched or parsed and
	// the analysis fell back to SQL text heuristics.
	PlanAvailable bool `json:"plan_available"`

	EstimatedCost  float64  `json:"estimated_cost"`
	UsesIndex      bool     `json:"uses_index"`
	TableScanCount int      `json:"table_scan_count"`
	Tables         []string `json:"tables,omitempty"`

	// FilterColumns maps table name to columns used in WHERE/ORDER BY/GROUP BY,
	// in first-seen order.
	FilterColumns map[string][]string `json:"filter_columns,omitempty"`

	// JoinColumns maps table name to columns used in JOIN ... ON conditions.
	JoinColumns map[string][]string `json:"join_columns,omitempty"`

	ResponseTime time.Duration `json:"response_time,omitempty"`
	Suggestions  []Suggestion  `json:"suggestions,omitempty"`
	AnalyzedAt   time.Time     `json:"analyzed_at"`
}

// PerformanceScore is the outcome of scoring one execution.
type PerformanceScore struct {
	Score       int          `json:"score"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// Index recommendation kinds.
const (
	IndexSimple    = "simple"
	IndexComposite = "composite"
)

// IndexRecommendation is a missing-index suggestion derived from slow queries.
type IndexRecommendation struct {
	Table     string   `json:"table"`
	Columns   []string `json:"columns"`
	Kind      string   `json:"kind"`
	Frequency int      `json:"frequency"`
	Priority  string   `json:"priority"`
	DDL       string   `json:"ddl"`
}
