package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powa-team/querypool/internal/model"
)

func TestParseSQLiteDetail(t *testing.T) {
	tests := []struct {
		detail    string
		op        string
		table     string
		index     string
		usesIndex bool
		tableScan bool
	}{
		{"SCAN papers", model.OpScan, "papers", "", false, true},
		{"SCAN TABLE papers", model.OpScan, "papers", "", false, true},
		{"SCAN TABLE papers AS p", model.OpScan, "p", "", false, true},
		{"SEARCH papers USING INDEX idx_papers_specialty (medical_specialty=?)", model.OpSearch, "papers", "idx_papers_specialty", true, false},
		{"SEARCH TABLE authors AS a USING INTEGER PRIMARY KEY (rowid=?)", model.OpSearch, "a", "PRIMARY KEY", true, false},
		{"SCAN p USING COVERING INDEX idx_year", model.OpScan, "p", "idx_year", true, false},
		{"USE TEMP B-TREE FOR ORDER BY", model.OpTemp, "", "", false, false},
		{"SCAN papers_fts VIRTUAL TABLE INDEX 0:M1", model.OpVirtual, "papers_fts", "", false, false},
		{"CO-ROUTINE sub", model.OpOther, "", "", false, false},
		{"", model.OpOther, "", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.detail, func(t *testing.T) {
			step := parseSQLiteDetail(tt.detail)
			assert.Equal(t, tt.op, step.Operation)
			assert.Equal(t, tt.table, step.Table)
			assert.Equal(t, tt.index, step.Index)
			assert.Equal(t, tt.usesIndex, step.UsesIndex)
			assert.Equal(t, tt.tableScan, step.TableScan)
		})
	}
}

func TestParseSQLitePlan_KeepsHierarchy(t *testing.T) {
	steps := ParseSQLitePlan([]PlanRow{
		{ID: 2, Parent: 0, Detail: "SCAN p"},
		{ID: 5, Parent: 0, Detail: "SEARCH a USING INTEGER PRIMARY KEY (rowid=?)"},
	})
	require.Len(t, steps, 2)
	assert.Equal(t, 2, steps[0].ID)
	assert.Equal(t, 5, steps[1].ID)
	assert.Equal(t, 0, steps[1].Parent)
}

const pgPlanJSON = `[
  {
    "Plan": {
      "Node Type": "Nested Loop",
      "Total Cost": 1520.5,
      "Plans": [
        {
          "Node Type": "Seq Scan",
          "Relation Name": "papers",
          "Alias": "p",
          "Total Cost": 1200.0
        },
        {
          "Node Type": "Index Scan",
          "Relation Name": "authors",
          "Alias": "authors",
          "Index Name": "authors_pkey",
          "Total Cost": 0.29
        }
      ]
    }
  }
]`

func TestParsePostgresPlan(t *testing.T) {
	steps, err := ParsePostgresPlan([]byte(pgPlanJSON))
	require.NoError(t, err)
	require.Len(t, steps, 3)

	assert.Equal(t, model.OpOther, steps[0].Operation)
	assert.Equal(t, 1520.5, steps[0].EngineCost)

	assert.Equal(t, model.OpScan, steps[1].Operation)
	assert.True(t, steps[1].TableScan)
	assert.Equal(t, "p", steps[1].Table)
	assert.Equal(t, 1, steps[1].Parent)
	assert.Equal(t, "Seq Scan on papers", steps[1].Detail)

	assert.Equal(t, model.OpSearch, steps[2].Operation)
	assert.True(t, steps[2].UsesIndex)
	assert.Equal(t, "authors", steps[2].Table)
	assert.Equal(t, "authors_pkey", steps[2].Index)
}

func TestParsePostgresPlan_Invalid(t *testing.T) {
	_, err := ParsePostgresPlan([]byte("not json"))
	assert.Error(t, err)

	_, err = ParsePostgresPlan([]byte("[]"))
	assert.Error(t, err)
}
