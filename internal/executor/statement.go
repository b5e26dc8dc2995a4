package executor

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/powa-team/querypool/internal/model"
	"github.com/powa-team/querypool/internal/sqltext"
)

// querier is satisfied by *pool.Connection and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func runStatement(ctx context.Context, q querier, query string, params []any) (*model.QueryResult, error) {
	if sqltext.ReturnsRows(query) {
		rows, err := q.QueryContext(ctx, query, params...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanRows(rows)
	}

	r, err := q.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	res := &model.QueryResult{Source: model.SourceDatabase}
	if n, err := r.RowsAffected(); err == nil {
		res.RowsAffected = n
	}
	// Not every driver supports LastInsertId (lib/pq does not).
	if id, err := r.LastInsertId(); err == nil {
		res.LastInsertID = id
	}
	return res, nil
}

func scanRows(rows *sql.Rows) (*model.QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	res := &model.QueryResult{Columns: cols, Source: model.SourceDatabase}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return res, nil
}
