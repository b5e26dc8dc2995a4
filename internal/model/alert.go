package model

import "time"

// Report contains everything included in a periodic health notification.
type Report struct {
	// ReqID is a unique identifier for this report.
	ReqID string `json:"req_id"`

	// Timestamp is when this report was generated.
	Timestamp time.Time `json:"timestamp"`

	// Driver is the database driver in use (e.g. "postgres", "sqlite").
	Driver string `json:"driver"`

	// Metrics is the metrics snapshot at report time.
	Metrics MetricsSnapshot `json:"metrics"`

	// Recommendations holds the top index recommendations across all tables.
	Recommendations []IndexRecommendation `json:"recommendations,omitempty"`

	// SlowQueries holds the most recent slow-query analyses.
	SlowQueries []QueryAnalysis `json:"slow_queries,omitempty"`

	// Summary contains aggregated health indicators.
	Summary HealthStatus `json:"summary"`
}

// HealthStatus is the answer to a health check.
type HealthStatus struct {
	// Status is "healthy", "warning", "degraded" or "critical".
	Status string `json:"status"`

	// Score is an overall score from 0-100.
	Score int `json:"score"`

	// Grade is the letter grade A-F derived from Score.
	Grade string `json:"grade"`

	// DatabaseReachable reports whether a pooled connection could be acquired and pinged.
	DatabaseReachable bool `json:"database_reachable"`

	// Error carries the reachability failure, if any.
	Error string `json:"error,omitempty"`

	Pool PoolStats `json:"pool"`

	CheckedAt time.Time `json:"checked_at"`
}
