package model

import "time"

// Result sources.
const (
	SourceDatabase = "database"
	SourceCache    = "cache"
)

// Options tune a single Execute call.
type Options struct {
	// BypassCache skips both the cache lookup and cache population.
	BypassCache bool `json:"bypass_cache,omitempty"`

	// IncludeTiming asks for Duration to be filled in on the result.
	IncludeTiming bool `json:"include_timing,omitempty"`
}

// Statement is one SQL statement with its bound parameters.
type Statement struct {
	Query  string `json:"query"`
	Params []any  `json:"params,omitempty"`
}

// QueryResult is the payload returned by the executor. Results served from
// the cache share Rows with earlier callers and must be treated as read-only.
type QueryResult struct {
	Columns      []string         `json:"columns,omitempty"`
	Rows         []map[string]any `json:"rows,omitempty"`
	RowsAffected int64            `json:"rows_affected"`
	LastInsertID int64            `json:"last_insert_id,omitempty"`

	// Source is SourceDatabase or SourceCache.
	Source string `json:"source"`

	// Attempts is the number of database attempts the call needed (0 for cache hits).
	Attempts int `json:"attempts"`

	// Duration is set only when Options.IncludeTiming was requested.
	Duration time.Duration `json:"duration,omitempty"`
}

// Size returns the number of rows returned or affected.
func (r *QueryResult) Size() int {
	if len(r.Rows) > 0 {
		return len(r.Rows)
	}
	return int(r.RowsAffected)
}
