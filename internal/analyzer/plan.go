package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/powa-team/querypool/internal/model"
)

// PlanRow is one row of SQLite's EXPLAIN QUERY PLAN output.
type PlanRow struct {
	ID     int
	Parent int
	Detail string
}

// ParseSQLitePlan turns EXPLAIN QUERY PLAN rows into plan steps. It accepts
// both the current ("SCAN t") and the pre-3.36 ("SCAN TABLE t AS x") detail
// forms; lines it does not recognise become OpOther steps.
func ParseSQLitePlan(rows []PlanRow) []model.PlanStep {
	steps := make([]model.PlanStep, 0, len(rows))
	for _, r := range rows {
		step := parseSQLiteDetail(r.Detail)
		step.ID = r.ID
		step.Parent = r.Parent
		steps = append(steps, step)
	}
	return steps
}

func parseSQLiteDetail(detail string) model.PlanStep {
	step := model.PlanStep{Detail: detail, Operation: model.OpOther}
	fields := strings.Fields(detail)
	if len(fields) == 0 {
		return step
	}

	upper := strings.ToUpper(detail)
	switch strings.ToUpper(fields[0]) {
	case "SCAN", "SEARCH":
		rest := fields[1:]
		if len(rest) > 0 && strings.EqualFold(rest[0], "TABLE") {
			rest = rest[1:]
		}
		if len(rest) > 0 {
			step.Table = strings.Trim(rest[0], `"`+"`[]")
		}
		// Older versions print "SCAN TABLE t AS a"; the alias is what the
		// caller resolves against the statement.
		if len(rest) > 2 && strings.EqualFold(rest[1], "AS") {
			step.Table = strings.Trim(rest[2], `"`+"`[]")
		}

		if i := strings.Index(upper, "USING "); i >= 0 {
			step.Index = indexName(detail[i:])
			step.UsesIndex = true
		}

		switch {
		case strings.Contains(upper, "VIRTUAL TABLE"):
			step.Operation = model.OpVirtual
		case strings.EqualFold(fields[0], "SEARCH"):
			step.Operation = model.OpSearch
		default:
			step.Operation = model.OpScan
			// A covering-index scan still reads every index entry but never
			// touches the table itself.
			step.TableScan = !strings.Contains(upper, "COVERING INDEX")
		}

	case "USE":
		if strings.Contains(upper, "TEMP B-TREE") {
			step.Operation = model.OpTemp
		}
	}
	return step
}

// indexName extracts the index from a "USING [COVERING] INDEX name (...)"
// or "USING INTEGER PRIMARY KEY" fragment.
func indexName(using string) string {
	fields := strings.Fields(using)
	for i, f := range fields {
		if strings.EqualFold(f, "INDEX") && i+1 < len(fields) {
			return fields[i+1]
		}
		if strings.EqualFold(f, "PRIMARY") {
			return "PRIMARY KEY"
		}
	}
	return ""
}

type pgNode struct {
	NodeType     string   `json:"Node Type"`
	RelationName string   `json:"Relation Name"`
	Alias        string   `json:"Alias"`
	IndexName    string   `json:"Index Name"`
	TotalCost    float64  `json:"Total Cost"`
	Plans        []pgNode `json:"Plans"`
}

// ParsePostgresPlan turns EXPLAIN (FORMAT JSON) output into plan steps in
// depth-first order.
func ParsePostgresPlan(data []byte) ([]model.PlanStep, error) {
	var doc []struct {
		Plan pgNode `json:"Plan"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("decoding plan: empty document")
	}

	var steps []model.PlanStep
	var walk func(n pgNode, parent int)
	walk = func(n pgNode, parent int) {
		id := len(steps) + 1
		steps = append(steps, pgStep(n, id, parent))
		for _, child := range n.Plans {
			walk(child, id)
		}
	}
	walk(doc[0].Plan, 0)
	return steps, nil
}

func pgStep(n pgNode, id, parent int) model.PlanStep {
	step := model.PlanStep{
		ID:         id,
		Parent:     parent,
		Detail:     n.NodeType,
		Operation:  model.OpOther,
		Table:      n.RelationName,
		Index:      n.IndexName,
		EngineCost: n.TotalCost,
	}
	if n.Alias != "" && n.Alias != n.RelationName {
		step.Table = n.Alias
	}
	if n.RelationName != "" {
		step.Detail = n.NodeType + " on " + n.RelationName
	}

	switch n.NodeType {
	case "Seq Scan", "Parallel Seq Scan":
		step.Operation = model.OpScan
		step.TableScan = true
	case "Index Scan", "Index Only Scan", "Bitmap Index Scan", "Bitmap Heap Scan":
		step.Operation = model.OpSearch
		step.UsesIndex = true
	case "Sort", "Incremental Sort", "Hash", "Materialize", "HashAggregate":
		step.Operation = model.OpTemp
	case "Function Scan", "Foreign Scan", "Custom Scan":
		step.Operation = model.OpVirtual
	}
	return step
}
