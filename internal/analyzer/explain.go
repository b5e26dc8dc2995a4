package analyzer

import (
	"context"
	"fmt"

	"github.com/powa-team/querypool/internal/model"
	"github.com/powa-team/querypool/internal/pool"
)

// Explainer fetches a statement's execution plan from the database.
type Explainer interface {
	Explain(ctx context.Context, query string, params []any) ([]model.PlanStep, error)
}

// ConnSource hands out pooled connections. *pool.Pool satisfies it.
type ConnSource interface {
	Acquire(ctx context.Context) (*pool.Connection, error)
	Release(c *pool.Connection)
}

// SQLiteExplainer runs EXPLAIN QUERY PLAN.
type SQLiteExplainer struct {
	Pool ConnSource
}

// Explain returns the parsed SQLite query plan.
func (e SQLiteExplainer) Explain(ctx context.Context, query string, params []any) ([]model.PlanStep, error) {
	conn, err := e.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.Pool.Release(conn)

	rows, err := conn.QueryContext(ctx, "EXPLAIN QUERY PLAN "+query, params...)
	if err != nil {
		return nil, fmt.Errorf("explaining query: %w", err)
	}
	defer rows.Close()

	var plan []PlanRow
	for rows.Next() {
		var (
			r       PlanRow
			notused int
		)
		if err := rows.Scan(&r.ID, &r.Parent, &notused, &r.Detail); err != nil {
			return nil, fmt.Errorf("scanning plan row: %w", err)
		}
		plan = append(plan, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("explaining query: empty plan")
	}
	return ParseSQLitePlan(plan), nil
}

// PostgresExplainer runs EXPLAIN (FORMAT JSON). The statement is planned,
// not executed.
type PostgresExplainer struct {
	Pool ConnSource
}

// Explain returns the parsed PostgreSQL plan.
func (e PostgresExplainer) Explain(ctx context.Context, query string, params []any) ([]model.PlanStep, error) {
	conn, err := e.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.Pool.Release(conn)

	rows, err := conn.QueryContext(ctx, "EXPLAIN (FORMAT JSON) "+query, params...)
	if err != nil {
		return nil, fmt.Errorf("explaining query: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("reading plan: %w", err)
		}
		return nil, fmt.Errorf("explaining query: empty plan")
	}
	var doc []byte
	if err := rows.Scan(&doc); err != nil {
		return nil, fmt.Errorf("scanning plan: %w", err)
	}
	return ParsePostgresPlan(doc)
}
