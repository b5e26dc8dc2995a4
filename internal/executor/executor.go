// Package executor runs statements against the pool with result caching,
// retries and transactional grouping.
package executor

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/powa-team/querypool/internal/cache"
	"github.com/powa-team/querypool/internal/model"
	"github.com/powa-team/querypool/internal/pool"
	"github.com/powa-team/querypool/internal/sqltext"
)

// Observer receives the outcome of every executor operation.
type Observer interface {
	ObserveCache(hit bool)
	ObserveQuery(elapsed time.Duration, slow bool, err error)
}

// SlowQueryRecorder keeps slow statements for later index advice.
type SlowQueryRecorder interface {
	RecordSlowQuery(ctx context.Context, query string, params []any, elapsed time.Duration) error
}

// Config tunes the retry policy and slow-query detection.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// SlowQueryThreshold marks operations for the slow-query history.
	// Zero disables recording.
	SlowQueryThreshold time.Duration

	// SharedTimeout bounds a cache-miss fetch shared by concurrent callers.
	// It runs detached from any single caller's cancellation.
	SharedTimeout time.Duration

	// RecordTimeout bounds how long recording a slow query may delay the
	// call that triggered it.
	RecordTimeout time.Duration
}

// Defaults for the timeouts left unset in Config.
const (
	DefaultSharedTimeout = 30 * time.Second
	DefaultRecordTimeout = time.Second
)

// Executor runs statements on pooled connections. A nil cache disables
// result caching.
type Executor struct {
	pool     *pool.Pool
	cache    *cache.ResultCache
	observer Observer
	slow     SlowQueryRecorder
	cfg      Config
	logger   *zap.Logger

	group singleflight.Group
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithCache enables result caching for read-only statements.
func WithCache(c *cache.ResultCache) Option {
	return func(e *Executor) { e.cache = c }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithSlowQueryRecorder sets where slow statements are recorded.
func WithSlowQueryRecorder(r SlowQueryRecorder) Option {
	return func(e *Executor) { e.slow = r }
}

// New creates an Executor.
func New(p *pool.Pool, cfg Config, logger *zap.Logger, opts ...Option) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.SharedTimeout <= 0 {
		cfg.SharedTimeout = DefaultSharedTimeout
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = DefaultRecordTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		pool:     p,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "executor")),
		observer: nopObserver{},
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type nopObserver struct{}

func (nopObserver) ObserveCache(bool)                       {}
func (nopObserver) ObserveQuery(time.Duration, bool, error) {}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs a single statement. Read-only statements are served from
// and stored in the cache unless opts.BypassCache is set; concurrent misses
// on the same key share one database round-trip. A caller that gives up
// waiting on a shared fetch does not cancel it for the others. Cached
// results share Rows with other callers and must not be modified.
func (e *Executor) Execute(ctx context.Context, query string, params []any, opts model.Options) (*model.QueryResult, error) {
	start := time.Now()

	key, cacheable := e.cacheKey(query, params, opts)
	if cacheable {
		if res, ok := e.cache.Get(key); ok {
			e.observer.ObserveCache(true)
			elapsed := time.Since(start)
			e.observer.ObserveQuery(elapsed, false, nil)
			return present(res, model.SourceCache, 0, opts, elapsed), nil
		}
		e.observer.ObserveCache(false)
	}

	var (
		res *model.QueryResult
		err error
	)
	if cacheable {
		res, err = e.executeShared(ctx, key, query, params)
	} else {
		res, err = e.executeWithRetry(ctx, query, params)
	}

	elapsed := time.Since(start)
	e.finish(ctx, query, params, elapsed, err)
	if err != nil {
		return nil, err
	}
	return present(res, model.SourceDatabase, res.Attempts, opts, elapsed), nil
}

// executeShared joins or starts the fetch for key and waits for it or for
// ctx, whichever ends first.
func (e *Executor) executeShared(ctx context.Context, key, query string, params []any) (*model.QueryResult, error) {
	ch := e.group.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SharedTimeout)
		defer cancel()

		r, err := e.executeWithRetry(shared, query, params)
		if err != nil {
			return nil, err
		}
		e.cache.Set(key, r)
		return r, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*model.QueryResult), nil
	}
}

func (e *Executor) cacheKey(query string, params []any, opts model.Options) (string, bool) {
	if e.cache == nil || opts.BypassCache || !sqltext.IsReadOnly(query) {
		return "", false
	}
	key, err := cache.Key(query, params, opts)
	if err != nil {
		e.logger.Warn("skipping cache for statement", zap.Error(err))
		return "", false
	}
	return key, true
}

// present returns a per-caller copy of a result header.
func present(res *model.QueryResult, source string, attempts int, opts model.Options, elapsed time.Duration) *model.QueryResult {
	out := *res
	out.Source = source
	out.Attempts = attempts
	out.Duration = 0
	if opts.IncludeTiming {
		out.Duration = elapsed
	}
	return &out
}

// finish reports an operation to the observer and, when slow, to the
// slow-query recorder. Recorder failures are logged and dropped.
func (e *Executor) finish(ctx context.Context, query string, params []any, elapsed time.Duration, err error) {
	slow := e.cfg.SlowQueryThreshold > 0 && elapsed > e.cfg.SlowQueryThreshold
	e.observer.ObserveQuery(elapsed, slow, err)

	if !slow || e.slow == nil {
		return
	}
	e.logger.Info("slow query",
		zap.String("query", sqltext.Normalize(query)),
		zap.Duration("elapsed", elapsed),
	)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RecordTimeout)
	defer cancel()
	if rerr := e.slow.RecordSlowQuery(rctx, query, params, elapsed); rerr != nil {
		e.logger.Warn("recording slow query failed", zap.Error(rerr))
	}
}

// backoff returns the delay before retry n (n >= 1).
func (e *Executor) backoff(n int) time.Duration {
	return e.cfg.BaseDelay << (n - 1)
}

func (e *Executor) executeWithRetry(ctx context.Context, query string, params []any) (*model.QueryResult, error) {
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.backoff(attempt - 1)
			e.logger.Debug("retrying statement",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		res, err := e.runOnce(ctx, query, params)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}

		err = classify(err)
		if !IsRetryable(ctx, err) {
			return nil, err
		}
		lastErr = err
	}

	e.logger.Warn("statement failed after retries",
		zap.Int("attempts", e.cfg.MaxAttempts),
		zap.Error(lastErr),
	)
	return nil, &RetryExhaustedError{Attempts: e.cfg.MaxAttempts, Err: lastErr}
}

// runOnce performs one attempt on its own connection. The connection is
// handed back on every path.
func (e *Executor) runOnce(ctx context.Context, query string, params []any) (res *model.QueryResult, err error) {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { e.putBack(conn, err) }()

	return runStatement(ctx, conn, query, params)
}

// putBack releases a connection, or destroys it when the driver reported it
// as broken.
func (e *Executor) putBack(conn *pool.Connection, err error) {
	if errors.Is(err, driver.ErrBadConn) {
		e.pool.Discard(conn)
		return
	}
	e.pool.Release(conn)
}
