package executor

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/powa-team/querypool/internal/cache"
	"github.com/powa-team/querypool/internal/model"
	"github.com/powa-team/querypool/internal/pool"
)

func TestRunTransaction_RollsBackOnFailure(t *testing.T) {
	env := newMockEnv(t, Config{})

	env.mock.ExpectBegin()
	env.mock.ExpectExec("INSERT INTO a VALUES (1)").WillReturnResult(sqlmock.NewResult(1, 1))
	env.mock.ExpectExec("INSERT INTO b VALUES (1)").WillReturnResult(sqlmock.NewResult(1, 1))
	env.mock.ExpectExec("INSERT INTO c VALUES (1)").WillReturnError(errors.New("disk I/O error"))
	env.mock.ExpectRollback()

	_, err := env.exec.RunTransaction(context.Background(), []model.Statement{
		{Query: "INSERT INTO a VALUES (1)"},
		{Query: "INSERT INTO b VALUES (1)"},
		{Query: "INSERT INTO c VALUES (1)"},
	})
	require.Error(t, err)

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, 2, txErr.Statement)
	assert.Contains(t, err.Error(), "transaction rolled back")

	var rbErr *RollbackError
	assert.False(t, errors.As(err, &rbErr))
	assert.NoError(t, env.mock.ExpectationsWereMet())
	assert.Equal(t, 0, env.pool.Stats().Busy)
}

func TestRunTransaction_RollbackFailure(t *testing.T) {
	env := newMockEnv(t, Config{})

	env.mock.ExpectBegin()
	env.mock.ExpectExec("UPDATE a SET n = 1").WillReturnError(errors.New("statement timeout"))
	env.mock.ExpectRollback().WillReturnError(errors.New("connection lost"))

	_, err := env.exec.RunTransaction(context.Background(), []model.Statement{
		{Query: "UPDATE a SET n = 1"},
		{Query: "UPDATE b SET n = 1"},
	})
	require.Error(t, err)

	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.EqualError(t, rbErr.RollbackErr, "connection lost")

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr, "the original failure stays reachable")
	assert.Equal(t, 0, txErr.Statement)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestRunTransaction_Commit(t *testing.T) {
	env := newMockEnv(t, Config{})

	env.mock.ExpectBegin()
	env.mock.ExpectExec("INSERT INTO a VALUES (?)").WithArgs(1).WillReturnResult(sqlmock.NewResult(1, 1))
	env.mock.ExpectQuery("SELECT count(*) FROM a").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	env.mock.ExpectCommit()

	results, err := env.exec.RunTransaction(context.Background(), []model.Statement{
		{Query: "INSERT INTO a VALUES (?)", Params: []any{1}},
		{Query: "SELECT count(*) FROM a"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].RowsAffected)
	assert.Len(t, results[1].Rows, 1)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestRunTransaction_Empty(t *testing.T) {
	env := newMockEnv(t, Config{})

	results, err := env.exec.RunTransaction(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

// newSQLiteExecutor returns an executor over a file-backed SQLite database.
func newSQLiteExecutor(t *testing.T) (*Executor, *pool.Pool) {
	t.Helper()

	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	db.SetMaxIdleConns(0)
	t.Cleanup(func() { db.Close() })

	p := pool.New(pool.DBDialer{DB: db}, pool.Config{Max: 2, AcquireTimeout: time.Second}, zap.NewNop())
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	e := New(p, Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, zap.NewNop(),
		WithCache(cache.New(time.Minute, 100)))

	_, err = e.Execute(context.Background(),
		"CREATE TABLE accounts (id INTEGER PRIMARY KEY, owner TEXT NOT NULL, balance INTEGER NOT NULL)",
		nil, model.Options{})
	require.NoError(t, err)
	return e, p
}

func countAccounts(t *testing.T, e *Executor) int64 {
	t.Helper()
	res, err := e.Execute(context.Background(), "SELECT count(*) AS n FROM accounts", nil, model.Options{BypassCache: true})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	return res.Rows[0]["n"].(int64)
}

func TestRunTransaction_AtomicitySQLite(t *testing.T) {
	e, p := newSQLiteExecutor(t)
	ctx := context.Background()

	_, err := e.RunTransaction(ctx, []model.Statement{
		{Query: "INSERT INTO accounts (id, owner, balance) VALUES (?, ?, ?)", Params: []any{1, "ana", 100}},
		{Query: "INSERT INTO accounts (id, owner, balance) VALUES (?, ?, ?)", Params: []any{2, "ben", 50}},
		{Query: "INSERT INTO accounts (id, owner, balance) VALUES (?, ?, ?)", Params: []any{1, "cy", 10}},
	})
	require.Error(t, err)

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, 2, txErr.Statement)

	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConstraintUnique, ce.Kind)

	assert.Equal(t, int64(0), countAccounts(t, e))
	assert.Equal(t, 0, p.Stats().Busy)
}

func TestExecute_NotNullSQLiteFailsFast(t *testing.T) {
	e, _ := newSQLiteExecutor(t)

	_, err := e.Execute(context.Background(),
		"INSERT INTO accounts (id, owner, balance) VALUES (?, NULL, ?)", []any{1, 5}, model.Options{})

	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConstraintNotNull, ce.Kind)
}

func TestRunBatch_ChunksSQLite(t *testing.T) {
	e, _ := newSQLiteExecutor(t)

	var stmts []model.Statement
	for i := 1; i <= 5; i++ {
		stmts = append(stmts, model.Statement{
			Query:  "INSERT INTO accounts (id, owner, balance) VALUES (?, ?, ?)",
			Params: []any{i, "owner", i * 10},
		})
	}

	results, err := e.RunBatch(context.Background(), stmts, 2)
	require.NoError(t, err)
	assert.Len(t, results, 5)
	for _, r := range results {
		assert.Equal(t, int64(1), r.RowsAffected)
	}
	assert.Equal(t, int64(5), countAccounts(t, e))
}

func TestRunBatch_StopsAtFailingChunk(t *testing.T) {
	e, _ := newSQLiteExecutor(t)
	insert := "INSERT INTO accounts (id, owner, balance) VALUES (?, ?, ?)"

	results, err := e.RunBatch(context.Background(), []model.Statement{
		{Query: insert, Params: []any{1, "a", 1}},
		{Query: insert, Params: []any{2, "b", 2}},
		{Query: insert, Params: []any{3, "c", 3}},
		{Query: insert, Params: []any{3, "dup", 4}},
		{Query: insert, Params: []any{5, "e", 5}},
	}, 2)
	require.Error(t, err)

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 1, batchErr.Chunk)
	assert.Equal(t, 2, batchErr.Completed)
	assert.Len(t, results, 2)

	// The first chunk stays committed, the failing chunk is rolled back.
	assert.Equal(t, int64(2), countAccounts(t, e))
}

func TestRunBatch_SingleStatementChunksUseCache(t *testing.T) {
	e, _ := newSQLiteExecutor(t)
	query := "SELECT count(*) AS n FROM accounts"

	results, err := e.RunBatch(context.Background(), []model.Statement{{Query: query}, {Query: query}}, 1)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, model.SourceDatabase, results[0].Source)
	assert.Equal(t, model.SourceCache, results[1].Source)
}
