// Package model defines the core data structures used by querypool.
package model

import "time"

// MetricsSnapshot is a point-in-time view of executor and analyzer counters.
type MetricsSnapshot struct {
	// TotalQueries is the number of completed Execute calls (cache hits included).
	TotalQueries int64 `json:"total_queries"`

	// CacheHits is the number of reads answered from the result cache.
	CacheHits int64 `json:"cache_hits"`

	// CacheMisses is the number of cacheable reads that went to the database.
	CacheMisses int64 `json:"cache_misses"`

	// SlowQueryCount is the number of operations exceeding the slow-query threshold.
	SlowQueryCount int64 `json:"slow_query_count"`

	// ErrorCount is the number of operations that ended in an error.
	ErrorCount int64 `json:"error_count"`

	// AvgResponseTime is the running average response time in milliseconds.
	AvgResponseTime float64 `json:"avg_response_time_ms"`

	// PlansAnalyzed is the number of execution plans inspected by the analyzer.
	PlansAnalyzed int64 `json:"plans_analyzed"`

	// PlansUsingIndex is the number of analyzed plans that used at least one index.
	PlansUsingIndex int64 `json:"plans_using_index"`

	// Pool holds connection counts at snapshot time.
	Pool PoolStats `json:"pool"`

	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`
}

// CacheHitRatio returns hits / (hits + misses), or 0 when no cacheable reads ran.
func (m *MetricsSnapshot) CacheHitRatio() float64 {
	lookups := m.CacheHits + m.CacheMisses
	if lookups == 0 {
		return 0
	}
	return float64(m.CacheHits) / float64(lookups)
}

// SlowQueryRatio returns the share of queries that exceeded the slow threshold.
func (m *MetricsSnapshot) SlowQueryRatio() float64 {
	if m.TotalQueries == 0 {
		return 0
	}
	return float64(m.SlowQueryCount) / float64(m.TotalQueries)
}

// IndexHitRatio returns the share of analyzed plans that used an index.
// It is 1 when nothing has been analyzed yet.
func (m *MetricsSnapshot) IndexHitRatio() float64 {
	if m.PlansAnalyzed == 0 {
		return 1
	}
	return float64(m.PlansUsingIndex) / float64(m.PlansAnalyzed)
}

// PoolStats describes the connection pool state.
type PoolStats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Busy      int `json:"busy"`
	Min       int `json:"min"`
	Max       int `json:"max"`

	// Created and Destroyed count connections over the pool lifetime.
	Created   int64 `json:"created"`
	Destroyed int64 `json:"destroyed"`

	// Exhausted counts acquisitions that timed out.
	Exhausted int64 `json:"exhausted"`
}
