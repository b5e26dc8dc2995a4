package executor

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/powa-team/querypool/internal/cache"
	"github.com/powa-team/querypool/internal/model"
	"github.com/powa-team/querypool/internal/pool"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

type countingObserver struct {
	mu      sync.Mutex
	hits    int
	misses  int
	queries int
	slow    int
	errors  int
}

func (o *countingObserver) ObserveCache(hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

func (o *countingObserver) ObserveQuery(_ time.Duration, slow bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queries++
	if slow {
		o.slow++
	}
	if err != nil {
		o.errors++
	}
}

type fakeSlowRecorder struct {
	mu      sync.Mutex
	queries []string
}

func (r *fakeSlowRecorder) RecordSlowQuery(_ context.Context, query string, _ []any, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
	return nil
}

type mockEnv struct {
	exec   *Executor
	pool   *pool.Pool
	mock   sqlmock.Sqlmock
	sleeps *recordedSleeps
}

func newMockEnv(t *testing.T, cfg Config, opts ...Option) *mockEnv {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p := pool.New(pool.DBDialer{DB: db}, pool.Config{Max: 2, AcquireTimeout: time.Second}, zap.NewNop())
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = 10 * time.Millisecond
	}

	e := New(p, cfg, zap.NewNop(), opts...)
	sleeps := &recordedSleeps{}
	e.sleep = sleeps.sleep

	return &mockEnv{exec: e, pool: p, mock: mock, sleeps: sleeps}
}

func TestExecute_CacheHit(t *testing.T) {
	obs := &countingObserver{}
	env := newMockEnv(t, Config{}, WithCache(cache.New(300*time.Second, 100)), WithObserver(obs))
	ctx := context.Background()
	query := "SELECT * FROM t WHERE id=1"

	env.mock.ExpectQuery(query).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(1, "Aspirin"))

	first, err := env.exec.Execute(ctx, query, []any{}, model.Options{})
	require.NoError(t, err)
	second, err := env.exec.Execute(ctx, query, []any{}, model.Options{})
	require.NoError(t, err)

	assert.Equal(t, model.SourceDatabase, first.Source)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, model.SourceCache, second.Source)
	assert.Equal(t, 0, second.Attempts)
	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, "Aspirin", second.Rows[0]["title"])

	assert.Equal(t, 1, obs.hits)
	assert.Equal(t, 1, obs.misses)
	assert.Equal(t, 2, obs.queries)
	assert.NoError(t, env.mock.ExpectationsWereMet())
	assert.Equal(t, 0, env.pool.Stats().Busy)
}

func TestExecute_BypassCache(t *testing.T) {
	env := newMockEnv(t, Config{}, WithCache(cache.New(time.Minute, 100)))
	ctx := context.Background()
	query := "SELECT id FROM t"

	for i := 0; i < 2; i++ {
		env.mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(i))
	}

	for i := 0; i < 2; i++ {
		res, err := env.exec.Execute(ctx, query, nil, model.Options{BypassCache: true})
		require.NoError(t, err)
		assert.Equal(t, model.SourceDatabase, res.Source)
	}
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestExecute_WritesAreNotCached(t *testing.T) {
	c := cache.New(time.Minute, 100)
	env := newMockEnv(t, Config{}, WithCache(c))
	query := "UPDATE t SET title = ? WHERE id = ?"

	env.mock.ExpectExec(query).WithArgs("x", 1).WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := env.exec.Execute(context.Background(), query, []any{"x", 1}, model.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)
	assert.Equal(t, 0, c.Len())
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestExecute_RetryCeiling(t *testing.T) {
	obs := &countingObserver{}
	env := newMockEnv(t, Config{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}, WithObserver(obs))
	query := "SELECT * FROM papers"

	for i := 0; i < 3; i++ {
		env.mock.ExpectQuery(query).WillReturnError(errors.New("read: connection reset by peer"))
	}

	_, err := env.exec.Execute(context.Background(), query, nil, model.Options{})
	require.Error(t, err)

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Contains(t, err.Error(), "connection reset by peer")

	require.Len(t, env.sleeps.delays, 2)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, env.sleeps.delays)
	for i := 1; i < len(env.sleeps.delays); i++ {
		assert.GreaterOrEqual(t, env.sleeps.delays[i], env.sleeps.delays[i-1])
	}

	assert.Equal(t, 1, obs.errors)
	assert.NoError(t, env.mock.ExpectationsWereMet())
	assert.Equal(t, 0, env.pool.Stats().Busy)
}

func TestExecute_RetryThenSuccess(t *testing.T) {
	env := newMockEnv(t, Config{})
	query := "SELECT id FROM papers"

	env.mock.ExpectQuery(query).WillReturnError(errors.New("i/o timeout"))
	env.mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	res, err := env.exec.Execute(context.Background(), query, nil, model.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, res.Rows, 1)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestExecute_UniqueViolationFailsFast(t *testing.T) {
	env := newMockEnv(t, Config{MaxAttempts: 3})
	query := "INSERT INTO t (id) VALUES (?)"

	env.mock.ExpectExec(query).WithArgs(1).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint \"t_pkey\""})

	_, err := env.exec.Execute(context.Background(), query, []any{1}, model.Options{})
	require.Error(t, err)

	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConstraintUnique, ce.Kind)

	var exhausted *RetryExhaustedError
	assert.False(t, errors.As(err, &exhausted))
	assert.Empty(t, env.sleeps.delays)
	assert.NoError(t, env.mock.ExpectationsWereMet())
	assert.Equal(t, 0, env.pool.Stats().Busy)
}

func TestExecute_IncludeTiming(t *testing.T) {
	env := newMockEnv(t, Config{})
	query := "SELECT 1"

	env.mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	env.mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	timed, err := env.exec.Execute(context.Background(), query, nil, model.Options{IncludeTiming: true})
	require.NoError(t, err)
	assert.Positive(t, timed.Duration)

	untimed, err := env.exec.Execute(context.Background(), query, nil, model.Options{})
	require.NoError(t, err)
	assert.Zero(t, untimed.Duration)
}

func TestExecute_RecordsSlowQueries(t *testing.T) {
	rec := &fakeSlowRecorder{}
	obs := &countingObserver{}
	env := newMockEnv(t, Config{SlowQueryThreshold: time.Nanosecond}, WithSlowQueryRecorder(rec), WithObserver(obs))
	query := "SELECT * FROM papers WHERE medical_specialty = ?"

	env.mock.ExpectQuery(query).WithArgs("cardiology").
		WillDelayFor(5 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := env.exec.Execute(context.Background(), query, []any{"cardiology"}, model.Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{query}, rec.queries)
	assert.Equal(t, 1, obs.slow)
}

func TestExecute_CoalescesConcurrentMisses(t *testing.T) {
	env := newMockEnv(t, Config{}, WithCache(cache.New(time.Minute, 100)))
	query := "SELECT id, title FROM papers WHERE id = ?"

	env.mock.ExpectQuery(query).WithArgs(42).
		WillDelayFor(100 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(42, "Statins"))

	var wg sync.WaitGroup
	results := make([]*model.QueryResult, 5)
	errs := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.exec.Execute(context.Background(), query, []any{42}, model.Options{})
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "Statins", results[i].Rows[0]["title"])
	}
	assert.NoError(t, env.mock.ExpectationsWereMet())
	assert.Equal(t, 0, env.pool.Stats().Busy)
}

func TestExecute_CancelledWaiterDoesNotFailOthers(t *testing.T) {
	c := cache.New(time.Minute, 100)
	env := newMockEnv(t, Config{}, WithCache(c))
	query := "SELECT id, title FROM papers WHERE id = ?"

	env.mock.ExpectQuery(query).WithArgs(7).
		WillDelayFor(150 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(7, "Beta blockers"))

	var (
		wg        sync.WaitGroup
		firstErr  error
		secondRes *model.QueryResult
		secondErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, firstErr = env.exec.Execute(ctx, query, []any{7}, model.Options{})
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		defer wg.Done()
		secondRes, secondErr = env.exec.Execute(context.Background(), query, []any{7}, model.Options{})
	}()
	wg.Wait()

	assert.ErrorIs(t, firstErr, context.DeadlineExceeded)
	require.NoError(t, secondErr)
	assert.Equal(t, "Beta blockers", secondRes.Rows[0]["title"])

	// The shared fetch completed and populated the cache.
	third, err := env.exec.Execute(context.Background(), query, []any{7}, model.Options{})
	require.NoError(t, err)
	assert.Equal(t, model.SourceCache, third.Source)
	assert.NoError(t, env.mock.ExpectationsWereMet())
	assert.Equal(t, 0, env.pool.Stats().Busy)
}

func TestExecute_RefetchesAfterTTL(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := cache.New(time.Minute, 100, cache.WithClock(func() time.Time { return clock }))
	obs := &countingObserver{}
	env := newMockEnv(t, Config{}, WithCache(c), WithObserver(obs))
	query := "SELECT title FROM papers WHERE id = ?"

	env.mock.ExpectQuery(query).WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"title"}).AddRow("Insulin"))
	env.mock.ExpectQuery(query).WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"title"}).AddRow("Insulin analogues"))

	ctx := context.Background()
	first, err := env.exec.Execute(ctx, query, []any{3}, model.Options{})
	require.NoError(t, err)
	assert.Equal(t, model.SourceDatabase, first.Source)

	clock = clock.Add(59 * time.Second)
	cached, err := env.exec.Execute(ctx, query, []any{3}, model.Options{})
	require.NoError(t, err)
	assert.Equal(t, model.SourceCache, cached.Source)

	clock = clock.Add(time.Second)
	refetched, err := env.exec.Execute(ctx, query, []any{3}, model.Options{})
	require.NoError(t, err)
	assert.Equal(t, model.SourceDatabase, refetched.Source)
	assert.Equal(t, "Insulin analogues", refetched.Rows[0]["title"])

	assert.Equal(t, 1, obs.hits)
	assert.Equal(t, 2, obs.misses)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

type blockingRecorder struct {
	hadDeadline bool
}

func (r *blockingRecorder) RecordSlowQuery(ctx context.Context, _ string, _ []any, _ time.Duration) error {
	_, r.hadDeadline = ctx.Deadline()
	<-ctx.Done()
	return ctx.Err()
}

func TestExecute_SlowQueryRecordingIsBounded(t *testing.T) {
	rec := &blockingRecorder{}
	env := newMockEnv(t, Config{SlowQueryThreshold: time.Nanosecond, RecordTimeout: 20 * time.Millisecond},
		WithSlowQueryRecorder(rec))
	query := "SELECT id FROM papers"

	env.mock.ExpectQuery(query).
		WillDelayFor(time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	start := time.Now()
	_, err := env.exec.Execute(context.Background(), query, nil, model.Options{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, rec.hadDeadline)
}

func TestExecute_ClosedPool(t *testing.T) {
	env := newMockEnv(t, Config{})
	require.NoError(t, env.pool.Shutdown(context.Background()))

	_, err := env.exec.Execute(context.Background(), "SELECT 1", nil, model.Options{})
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
	assert.Empty(t, env.sleeps.delays)
}

func TestIsRetryable(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want bool
	}{
		{"nil", context.Background(), nil, false},
		{"transient", context.Background(), errors.New("i/o timeout"), true},
		{"pool exhausted", context.Background(), pool.ErrPoolExhausted, true},
		{"pool closed", context.Background(), pool.ErrPoolClosed, false},
		{"pq unique", context.Background(), &pq.Error{Code: "23505"}, false},
		{"pq not null", context.Background(), &pq.Error{Code: "23502"}, false},
		{"pq foreign key", context.Background(), &pq.Error{Code: "23503"}, false},
		{"pq serialization failure", context.Background(), &pq.Error{Code: "40001"}, true},
		{"sqlite message", context.Background(), errors.New("constraint failed: UNIQUE constraint failed: t.id (2067)"), false},
		{"fk message", context.Background(), errors.New("FOREIGN KEY constraint failed"), false},
		{"caller canceled", canceled, errors.New("i/o timeout"), false},
		{"conn done", context.Background(), errors.Join(errors.New("x"), sql.ErrConnDone), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.ctx, tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	err := classify(&pq.Error{Code: "23503", Message: "violates foreign key constraint"})
	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConstraintForeignKey, ce.Kind)

	var pqErr *pq.Error
	assert.ErrorAs(t, err, &pqErr, "driver error stays reachable")

	plain := errors.New("timeout")
	assert.Same(t, plain, classify(plain))
	assert.Nil(t, classify(nil))
}
