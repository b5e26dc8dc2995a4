// Package advisor recommends indexes from repeated slow-query patterns.
package advisor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/powa-team/querypool/internal/model"
)

// Source supplies the slow-query history. *analyzer.History satisfies it.
type Source interface {
	SlowQueries() []model.QueryAnalysis
}

// Config sets the frequency thresholds.
type Config struct {
	// MinSimpleFrequency is how many slow queries must filter or sort on a
	// column before a single-column index is suggested.
	MinSimpleFrequency int

	// MinCompositeFrequency is how many slow queries must share the exact
	// same multi-column combination before a composite index is suggested.
	MinCompositeFrequency int
}

// Advisor derives index recommendations on demand. It keeps no state of
// its own beyond the history it reads.
type Advisor struct {
	source Source
	cfg    Config
}

// New creates an Advisor.
func New(source Source, cfg Config) *Advisor {
	if cfg.MinSimpleFrequency < 1 {
		cfg.MinSimpleFrequency = 2
	}
	if cfg.MinCompositeFrequency < 1 {
		cfg.MinCompositeFrequency = 2
	}
	return &Advisor{source: source, cfg: cfg}
}

// RecommendFor returns ranked recommendations for one table.
func (a *Advisor) RecommendFor(table string) []model.IndexRecommendation {
	return a.recommend(a.source.SlowQueries(), func(t string) bool { return t == table })
}

// RecommendAll returns ranked recommendations across every table seen in
// the slow-query history.
func (a *Advisor) RecommendAll() []model.IndexRecommendation {
	return a.recommend(a.source.SlowQueries(), func(string) bool { return true })
}

type tally struct {
	columns []string
	count   int
}

func (a *Advisor) recommend(history []model.QueryAnalysis, match func(table string) bool) []model.IndexRecommendation {
	simple := make(map[string]map[string]*tally)
	composite := make(map[string]map[string]*tally)

	bump := func(m map[string]map[string]*tally, table, key string, cols []string) {
		if m[table] == nil {
			m[table] = make(map[string]*tally)
		}
		if m[table][key] == nil {
			m[table][key] = &tally{columns: cols}
		}
		m[table][key].count++
	}

	for _, q := range history {
		for table, cols := range q.FilterColumns {
			if !match(table) || len(cols) == 0 {
				continue
			}
			// Each query counts once per column, however often it repeats it.
			seen := make(map[string]bool, len(cols))
			var set []string
			for _, c := range cols {
				if !seen[c] {
					seen[c] = true
					set = append(set, c)
					bump(simple, table, c, []string{c})
				}
			}
			// A combination is the column set, whatever order the
			// predicates were written in.
			if len(set) > 1 {
				sort.Strings(set)
				bump(composite, table, strings.Join(set, ","), set)
			}
		}
	}

	var recs []model.IndexRecommendation
	emit := func(m map[string]map[string]*tally, kind string, threshold int) {
		for table, byKey := range m {
			for _, t := range byKey {
				if t.count < threshold {
					continue
				}
				recs = append(recs, model.IndexRecommendation{
					Table:     table,
					Columns:   t.columns,
					Kind:      kind,
					Frequency: t.count,
					Priority:  priority(t.count),
					DDL:       ddl(table, t.columns),
				})
			}
		}
	}
	emit(simple, model.IndexSimple, a.cfg.MinSimpleFrequency)
	emit(composite, model.IndexComposite, a.cfg.MinCompositeFrequency)

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Frequency != recs[j].Frequency {
			return recs[i].Frequency > recs[j].Frequency
		}
		if recs[i].Kind != recs[j].Kind {
			return recs[i].Kind == model.IndexComposite
		}
		return recs[i].DDL < recs[j].DDL
	})
	return recs
}

// priority maps supporting frequency to a priority label.
func priority(frequency int) string {
	switch {
	case frequency >= 5:
		return model.SeverityHigh
	case frequency >= 3:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func ddl(table string, cols []string) string {
	name := "idx_" + table + "_" + strings.Join(cols, "_")
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, strings.Join(cols, ", "))
}
