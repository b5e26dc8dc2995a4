package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/powa-team/querypool/internal/model"
	"github.com/powa-team/querypool/internal/pool"
)

// RunTransaction executes statements in order on one connection inside a
// single transaction. Either every statement's effects are committed or the
// transaction is rolled back. Transactions bypass the cache and are not
// retried.
func (e *Executor) RunTransaction(ctx context.Context, stmts []model.Statement) (results []*model.QueryResult, err error) {
	start := time.Now()
	defer func() {
		slow := e.cfg.SlowQueryThreshold > 0 && time.Since(start) > e.cfg.SlowQueryThreshold
		e.observer.ObserveQuery(time.Since(start), slow, err)
	}()

	if len(stmts) == 0 {
		return nil, nil
	}

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { e.putBack(conn, err) }()

	return e.runTx(ctx, conn, stmts)
}

func (e *Executor) runTx(ctx context.Context, conn *pool.Connection, stmts []model.Statement) ([]*model.QueryResult, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	results := make([]*model.QueryResult, 0, len(stmts))
	for i, st := range stmts {
		res, err := runStatement(ctx, tx, st.Query, st.Params)
		if err != nil {
			cause := &TransactionError{Statement: i, Query: st.Query, Err: classify(err)}
			return nil, e.rollback(tx, cause)
		}
		res.Attempts = 1
		results = append(results, res)
	}

	if err := tx.Commit(); err != nil {
		return nil, &TransactionError{Statement: -1, Err: err}
	}
	return results, nil
}

func (e *Executor) rollback(tx *sql.Tx, cause *TransactionError) error {
	rbErr := tx.Rollback()
	if rbErr == nil || errors.Is(rbErr, sql.ErrTxDone) {
		e.logger.Debug("transaction rolled back",
			zap.Int("statement", cause.Statement),
			zap.Error(cause.Err),
		)
		return cause
	}
	e.logger.Error("rollback failed",
		zap.Int("statement", cause.Statement),
		zap.NamedError("cause", cause.Err),
		zap.Error(rbErr),
	)
	return &RollbackError{Err: cause, RollbackErr: rbErr}
}

// RunBatch executes statements in chunks of chunkSize. A chunk of one
// statement goes through Execute (and may be cached); larger chunks run as
// one transaction each. Chunks already completed stay committed when a later
// chunk fails; the results gathered so far are returned with a *BatchError.
func (e *Executor) RunBatch(ctx context.Context, stmts []model.Statement, chunkSize int) ([]*model.QueryResult, error) {
	if chunkSize < 1 {
		chunkSize = 1
	}

	results := make([]*model.QueryResult, 0, len(stmts))
	for chunk, lo := 0, 0; lo < len(stmts); chunk, lo = chunk+1, lo+chunkSize {
		part := stmts[lo:min(lo+chunkSize, len(stmts))]

		if len(part) == 1 {
			res, err := e.Execute(ctx, part[0].Query, part[0].Params, model.Options{})
			if err != nil {
				return results, &BatchError{Chunk: chunk, Completed: len(results), Err: err}
			}
			results = append(results, res)
			continue
		}

		res, err := e.RunTransaction(ctx, part)
		if err != nil {
			return results, &BatchError{Chunk: chunk, Completed: len(results), Err: err}
		}
		results = append(results, res...)
	}
	return results, nil
}
