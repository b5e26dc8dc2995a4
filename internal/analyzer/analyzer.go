// Package analyzer inspects execution plans, scores query performance and
// keeps a bounded history of slow queries.
package analyzer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/powa-team/querypool/internal/model"
	"github.com/powa-team/querypool/internal/sqltext"
)

// Weights are the relative costs of plan step kinds. They are heuristics,
// not a cost model.
type Weights struct {
	TableScan   float64
	IndexSearch float64
	TempBTree   float64
	Other       float64
}

// Penalties are points deducted from a perfect score of 100.
type Penalties struct {
	SlowQuery       int
	MissingIndex    int
	MultipleScans   int
	UnindexedJoin   int
	UnboundedResult int
	FTSPagination   int
	FTSOperators    int
}

// Config tunes an Analyzer.
type Config struct {
	Weights            Weights
	Penalties          Penalties
	SlowQueryThreshold time.Duration
	LargeResultRows    int
	HistorySize        int
}

// DefaultConfig returns the stock weights and penalties.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{TableScan: 1000, IndexSearch: 10, TempBTree: 100, Other: 1},
		Penalties: Penalties{
			SlowQuery:       30,
			MissingIndex:    25,
			MultipleScans:   15,
			UnindexedJoin:   15,
			UnboundedResult: 10,
			FTSPagination:   10,
			FTSOperators:    5,
		},
		SlowQueryThreshold: 100 * time.Millisecond,
		LargeResultRows:    1000,
		HistorySize:        100,
	}
}

// PlanObserver is told about every plan the analyzer inspects.
type PlanObserver interface {
	ObservePlan(usesIndex bool)
}

// Analyzer classifies execution plans. A nil Explainer makes every analysis
// fall back to statement-text heuristics.
type Analyzer struct {
	explainer Explainer
	cfg       Config
	history   *History
	observer  PlanObserver
	logger    *zap.Logger
	now       func() time.Time
}

// New creates an Analyzer.
func New(explainer Explainer, cfg Config, observer PlanObserver, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		explainer: explainer,
		cfg:       cfg,
		history:   NewHistory(cfg.HistorySize),
		observer:  observer,
		logger:    logger.With(zap.String("component", "analyzer")),
		now:       time.Now,
	}
}

// History returns the slow-query history.
func (a *Analyzer) History() *History { return a.history }

// Analyze fetches and classifies the plan for query. When the plan cannot be
// fetched the analysis is built from the statement text alone and
// PlanAvailable is false. It only fails when ctx is done.
func (a *Analyzer) Analyze(ctx context.Context, query string, params []any) (*model.QueryAnalysis, error) {
	info := sqltext.Parse(query)
	analysis := &model.QueryAnalysis{
		Query:         query,
		Params:        params,
		Tables:        append([]string(nil), info.Tables...),
		FilterColumns: info.FilterColumns,
		JoinColumns:   info.JoinColumns,
		AnalyzedAt:    a.now(),
	}

	var (
		steps []model.PlanStep
		err   error
	)
	if a.explainer != nil {
		steps, err = a.explainer.Explain(ctx, query, params)
	} else {
		err = fmt.Errorf("no explainer configured")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if err != nil {
		a.logger.Debug("plan unavailable, using statement heuristics",
			zap.String("query", sqltext.Normalize(query)),
			zap.Error(err),
		)
		steps = estimateSteps(info)
	} else {
		analysis.PlanAvailable = true
	}

	for i := range steps {
		if steps[i].Table != "" {
			steps[i].Table = info.Resolve(steps[i].Table)
		}
	}
	analysis.Steps = steps
	a.classify(analysis)
	analysis.Suggestions = planSuggestions(analysis)

	if analysis.PlanAvailable && a.observer != nil {
		a.observer.ObservePlan(analysis.UsesIndex)
	}
	return analysis, nil
}

// estimateSteps guesses a plan from the statement: tables with filter or
// join columns are assumed to be searched, the rest scanned.
func estimateSteps(info *sqltext.Info) []model.PlanStep {
	steps := make([]model.PlanStep, 0, len(info.Tables))
	for i, t := range info.Tables {
		step := model.PlanStep{ID: i + 1, Table: t}
		if len(info.FilterColumns[t]) > 0 || len(info.JoinColumns[t]) > 0 {
			step.Operation = model.OpSearch
			step.Detail = "SEARCH " + t + " (estimated)"
		} else {
			step.Operation = model.OpScan
			step.TableScan = true
			step.Detail = "SCAN " + t + " (estimated)"
		}
		steps = append(steps, step)
	}
	return steps
}

func (a *Analyzer) classify(analysis *model.QueryAnalysis) {
	w := a.cfg.Weights
	seen := make(map[string]bool, len(analysis.Tables))
	for _, t := range analysis.Tables {
		seen[t] = true
	}

	for _, s := range analysis.Steps {
		switch {
		case s.TableScan:
			analysis.EstimatedCost += w.TableScan
			analysis.TableScanCount++
		case s.Operation == model.OpScan, s.Operation == model.OpSearch:
			analysis.EstimatedCost += w.IndexSearch
		case s.Operation == model.OpTemp:
			analysis.EstimatedCost += w.TempBTree
		default:
			analysis.EstimatedCost += w.Other
		}
		if s.UsesIndex {
			analysis.UsesIndex = true
		}
		if s.Table != "" && !seen[s.Table] {
			seen[s.Table] = true
			analysis.Tables = append(analysis.Tables, s.Table)
		}
	}
}

// ScannedTables returns the tables read by full table scans.
func ScannedTables(analysis *model.QueryAnalysis) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range analysis.Steps {
		if s.TableScan && s.Table != "" && !seen[s.Table] {
			seen[s.Table] = true
			out = append(out, s.Table)
		}
	}
	return out
}

func planSuggestions(analysis *model.QueryAnalysis) []model.Suggestion {
	var out []model.Suggestion
	for _, t := range ScannedTables(analysis) {
		cols := analysis.FilterColumns[t]
		if len(cols) == 0 {
			continue
		}
		out = append(out, model.Suggestion{
			Kind:     "missing_index",
			Severity: model.SeverityHigh,
			Message:  fmt.Sprintf("full scan of %s filtered on %s; consider an index", t, strings.Join(cols, ", ")),
			Table:    t,
			Columns:  cols,
		})
	}
	for _, s := range analysis.Steps {
		if s.Operation == model.OpTemp {
			out = append(out, model.Suggestion{
				Kind:     "temp_structure",
				Severity: model.SeverityLow,
				Message:  fmt.Sprintf("plan builds a temporary structure (%s); an index matching the sort or grouping avoids it", s.Detail),
			})
		}
	}
	return out
}

// ScorePerformance grades one execution, starting from 100 and deducting a
// penalty, with a matching suggestion, for each problem found.
func (a *Analyzer) ScorePerformance(responseTime time.Duration, analysis *model.QueryAnalysis, resultSize int) model.PerformanceScore {
	p := a.cfg.Penalties
	score := 100
	var suggestions []model.Suggestion
	penalize := func(points int, s model.Suggestion) {
		score -= points
		suggestions = append(suggestions, s)
	}

	if a.cfg.SlowQueryThreshold > 0 && responseTime > a.cfg.SlowQueryThreshold {
		penalize(p.SlowQuery, model.Suggestion{
			Kind:     "slow_query",
			Severity: model.SeverityHigh,
			Message: fmt.Sprintf("took %s, above the %s slow-query threshold",
				responseTime.Round(time.Millisecond), a.cfg.SlowQueryThreshold),
		})
	}

	scanned := ScannedTables(analysis)
	if !analysis.UsesIndex && len(scanned) > 0 {
		penalize(p.MissingIndex, model.Suggestion{
			Kind:     "missing_index",
			Severity: model.SeverityHigh,
			Message:  fmt.Sprintf("no index used; full scan of %s", strings.Join(scanned, ", ")),
			Table:    scanned[0],
			Columns:  analysis.FilterColumns[scanned[0]],
		})
	}

	if analysis.TableScanCount > 1 {
		penalize(p.MultipleScans, model.Suggestion{
			Kind:     "multiple_scans",
			Severity: model.SeverityMedium,
			Message:  fmt.Sprintf("plan performs %d table scans", analysis.TableScanCount),
		})
	}

	for _, t := range scanned {
		if cols := analysis.JoinColumns[t]; len(cols) > 0 {
			penalize(p.UnindexedJoin, model.Suggestion{
				Kind:     "unindexed_join",
				Severity: model.SeverityMedium,
				Message:  fmt.Sprintf("join on %s(%s) has no usable index", t, strings.Join(cols, ", ")),
				Table:    t,
				Columns:  cols,
			})
			break
		}
	}

	info := sqltext.Parse(analysis.Query)
	if a.cfg.LargeResultRows > 0 && resultSize > a.cfg.LargeResultRows {
		severity := model.SeverityMedium
		if !info.HasLimit {
			severity = model.SeverityHigh
		}
		penalize(p.UnboundedResult, model.Suggestion{
			Kind:     "large_result",
			Severity: severity,
			Message:  fmt.Sprintf("returned %d rows; paginate or add LIMIT", resultSize),
		})
	}

	if info.FullText {
		if !info.HasLimit {
			penalize(p.FTSPagination, model.Suggestion{
				Kind:     "fts_pagination",
				Severity: model.SeverityLow,
				Message:  "full-text search without LIMIT; paginate results",
			})
		}
		if !sqltext.HasBooleanOperators(analysis.Query, analysis.Params) {
			penalize(p.FTSOperators, model.Suggestion{
				Kind:     "fts_operators",
				Severity: model.SeverityLow,
				Message:  "full-text search uses no boolean or phrase operators; narrow the match expression",
			})
		}
	}

	if score < 0 {
		score = 0
	}
	return model.PerformanceScore{Score: score, Suggestions: suggestions}
}

// RecordSlowQuery analyzes a slow statement and adds it to the history. The
// entry is recorded even when the plan is unavailable.
func (a *Analyzer) RecordSlowQuery(ctx context.Context, query string, params []any, elapsed time.Duration) error {
	analysis, err := a.Analyze(ctx, query, params)
	if err != nil {
		return fmt.Errorf("analyzing slow query: %w", err)
	}
	analysis.ResponseTime = elapsed
	a.history.Add(*analysis)
	return nil
}
