// Package engine wires the pool, cache, executor, analyzer, advisor and
// metrics into one caller-owned instance.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/powa-team/querypool/internal/advisor"
	"github.com/powa-team/querypool/internal/analyzer"
	"github.com/powa-team/querypool/internal/cache"
	"github.com/powa-team/querypool/internal/config"
	"github.com/powa-team/querypool/internal/executor"
	"github.com/powa-team/querypool/internal/metrics"
	"github.com/powa-team/querypool/internal/model"
	"github.com/powa-team/querypool/internal/notifier"
	"github.com/powa-team/querypool/internal/pool"
	"github.com/powa-team/querypool/internal/scheduler"
)

// Maintenance job names.
const (
	JobCleanup = "idle-cleanup"
	JobSweep   = "cache-sweep"
	JobReport  = "metrics-report"
)

// Engine is the entry point for callers.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	pool      *pool.Pool
	cache     *cache.ResultCache
	executor  *executor.Executor
	analyzer  *analyzer.Analyzer
	advisor   *advisor.Advisor
	metrics   *metrics.Collector
	scheduler *scheduler.Scheduler
	notifier  notifier.Notifier

	mu      sync.Mutex
	started bool
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets where periodic reports are delivered. Without it
// reports are only logged.
func WithNotifier(n notifier.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// New builds an Engine over db. Connections are checked out of db one at a
// time and owned by the engine's pool; nothing is opened until Start or the
// first call.
func New(cfg *config.Config, db *sql.DB, logger *zap.Logger, opts ...Option) (*Engine, error) {
	return NewWithDialer(cfg, pool.DBDialer{DB: db}, logger, opts...)
}

// NewWithDialer builds an Engine whose pool dials through d.
func NewWithDialer(cfg *config.Config, d pool.Dialer, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	poolCfg, err := poolConfig(&cfg.Pool)
	if err != nil {
		return nil, err
	}
	execCfg, err := executorConfig(cfg)
	if err != nil {
		return nil, err
	}
	analysisCfg, err := analyzerConfig(&cfg.Analysis)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "engine")),
		scheduler: scheduler.New(cfg.Maintenance.Location, logger),
		metrics:   metrics.NewCollector("querypool", nil, logger),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.pool = pool.New(d, poolCfg, logger)
	e.metrics.SetPoolStats(e.pool.Stats)

	if cfg.Cache.IsEnabled() {
		ttl, err := cfg.Cache.TTLParsed()
		if err != nil {
			return nil, fmt.Errorf("parsing cache.ttl: %w", err)
		}
		e.cache = cache.New(ttl, cfg.Cache.MaxEntries)
	}

	e.analyzer = analyzer.New(explainerFor(cfg.Database.Driver, e.pool), analysisCfg, e.metrics, logger)
	e.advisor = advisor.New(e.analyzer.History(), advisor.Config{
		MinSimpleFrequency:    cfg.Advisor.MinSimpleFrequency,
		MinCompositeFrequency: cfg.Advisor.MinCompositeFrequency,
	})

	execOpts := []executor.Option{
		executor.WithObserver(e.metrics),
		executor.WithSlowQueryRecorder(e.analyzer),
	}
	if e.cache != nil {
		execOpts = append(execOpts, executor.WithCache(e.cache))
	}
	e.executor = executor.New(e.pool, execCfg, logger, execOpts...)

	return e, nil
}

func explainerFor(driver string, p *pool.Pool) analyzer.Explainer {
	switch driver {
	case config.DriverSQLite:
		return analyzer.SQLiteExplainer{Pool: p}
	case config.DriverPostgres:
		return analyzer.PostgresExplainer{Pool: p}
	default:
		return nil
	}
}

func poolConfig(c *config.PoolConfig) (pool.Config, error) {
	acquire, err := c.AcquireTimeoutParsed()
	if err != nil {
		return pool.Config{}, fmt.Errorf("parsing pool.acquire_timeout: %w", err)
	}
	poll, err := c.PollIntervalParsed()
	if err != nil {
		return pool.Config{}, fmt.Errorf("parsing pool.poll_interval: %w", err)
	}
	idle, err := c.IdleTimeoutParsed()
	if err != nil {
		return pool.Config{}, fmt.Errorf("parsing pool.idle_timeout: %w", err)
	}
	grace, err := c.ShutdownGraceParsed()
	if err != nil {
		return pool.Config{}, fmt.Errorf("parsing pool.shutdown_grace: %w", err)
	}
	return pool.Config{
		Min:              c.Min(),
		Max:              c.MaxConnections,
		AcquireTimeout:   acquire,
		PollInterval:     poll,
		IdleTimeout:      idle,
		ShutdownGrace:    grace,
		HealthCheckQuery: c.HealthCheckQuery,
	}, nil
}

func executorConfig(cfg *config.Config) (executor.Config, error) {
	base, err := cfg.Retry.BaseDelayParsed()
	if err != nil {
		return executor.Config{}, fmt.Errorf("parsing retry.base_delay: %w", err)
	}
	slow, err := cfg.Analysis.SlowQueryThresholdParsed()
	if err != nil {
		return executor.Config{}, fmt.Errorf("parsing analysis.slow_query_threshold: %w", err)
	}
	return executor.Config{
		MaxAttempts:        cfg.Retry.MaxAttempts,
		BaseDelay:          base,
		SlowQueryThreshold: slow,
	}, nil
}

func analyzerConfig(c *config.AnalysisConfig) (analyzer.Config, error) {
	slow, err := c.SlowQueryThresholdParsed()
	if err != nil {
		return analyzer.Config{}, fmt.Errorf("parsing analysis.slow_query_threshold: %w", err)
	}
	return analyzer.Config{
		Weights: analyzer.Weights{
			TableScan:   c.Weights.TableScan,
			IndexSearch: c.Weights.IndexSearch,
			TempBTree:   c.Weights.TempBTree,
			Other:       c.Weights.Other,
		},
		Penalties: analyzer.Penalties{
			SlowQuery:       c.Penalties.SlowQuery,
			MissingIndex:    c.Penalties.MissingIndex,
			MultipleScans:   c.Penalties.MultipleScans,
			UnindexedJoin:   c.Penalties.UnindexedJoin,
			UnboundedResult: c.Penalties.UnboundedResult,
			FTSPagination:   c.Penalties.FTSPagination,
			FTSOperators:    c.Penalties.FTSOperators,
		},
		SlowQueryThreshold: slow,
		LargeResultRows:    c.LargeResultRows,
		HistorySize:        c.HistorySize,
	}, nil
}

// Start warms the pool to its minimum size and starts the maintenance
// jobs. Warmup failures are logged, not returned.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return pool.ErrPoolClosed
	}
	if e.started {
		return nil
	}

	opened := e.pool.EnsureMinConnections(ctx)
	if err := e.scheduleMaintenance(); err != nil {
		return err
	}
	e.scheduler.Start()
	e.started = true

	e.logger.Info("engine started",
		zap.String("driver", e.cfg.Database.Driver),
		zap.Int("warm_connections", opened),
		zap.Bool("cache", e.cache != nil),
	)
	return nil
}

func (e *Engine) scheduleMaintenance() error {
	m := &e.cfg.Maintenance

	cleanup, err := m.CleanupIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing maintenance.cleanup_interval: %w", err)
	}
	if err := e.scheduler.Add(scheduler.Job{Name: JobCleanup, Every: cleanup, Run: e.cleanup}); err != nil {
		return err
	}

	if e.cache != nil {
		sweep, err := m.CacheSweepIntervalParsed()
		if err != nil {
			return fmt.Errorf("parsing maintenance.cache_sweep_interval: %w", err)
		}
		if err := e.scheduler.Add(scheduler.Job{Name: JobSweep, Every: sweep, Run: e.sweep}); err != nil {
			return err
		}
	}

	report, err := m.ReportIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing maintenance.report_interval: %w", err)
	}
	return e.scheduler.Add(scheduler.Job{Name: JobReport, Every: report, Run: e.report})
}

func (e *Engine) cleanup(ctx context.Context) error {
	if n := e.pool.ReapIdle(ctx); n > 0 {
		e.logger.Debug("idle connections closed", zap.Int("count", n))
	}
	return nil
}

func (e *Engine) sweep(context.Context) error {
	if n := e.cache.Sweep(); n > 0 {
		e.logger.Debug("expired cache entries removed", zap.Int("count", n))
	}
	return nil
}

func (e *Engine) report(ctx context.Context) error {
	e.metrics.LogSummary()
	if e.notifier == nil {
		return nil
	}

	r, err := e.Report(ctx)
	if err != nil {
		return err
	}
	if err := e.notifier.Send(ctx, r); err != nil {
		return fmt.Errorf("sending report via %s: %w", e.notifier.Name(), err)
	}
	e.logger.Info("report sent", zap.String("notifier", e.notifier.Name()), zap.String("req_id", r.ReqID))
	return nil
}

// Execute runs one statement. See executor.Executor.Execute.
func (e *Engine) Execute(ctx context.Context, query string, params []any, opts model.Options) (*model.QueryResult, error) {
	return e.executor.Execute(ctx, query, params, opts)
}

// RunTransaction runs stmts atomically on one connection.
func (e *Engine) RunTransaction(ctx context.Context, stmts []model.Statement) ([]*model.QueryResult, error) {
	return e.executor.RunTransaction(ctx, stmts)
}

// RunBatch runs stmts in transactional chunks of chunkSize.
func (e *Engine) RunBatch(ctx context.Context, stmts []model.Statement, chunkSize int) ([]*model.QueryResult, error) {
	return e.executor.RunBatch(ctx, stmts, chunkSize)
}

// AnalyzeQuery returns the plan, cost, index usage and suggestions for
// query without executing it.
func (e *Engine) AnalyzeQuery(ctx context.Context, query string, params []any) (*model.QueryAnalysis, error) {
	return e.analyzer.Analyze(ctx, query, params)
}

// ScorePerformance scores one execution of an analyzed query.
func (e *Engine) ScorePerformance(elapsed time.Duration, analysis *model.QueryAnalysis, resultSize int) model.PerformanceScore {
	return e.analyzer.ScorePerformance(elapsed, analysis, resultSize)
}

// RecommendIndexes returns ranked index recommendations for table, or for
// every table when table is empty.
func (e *Engine) RecommendIndexes(table string) []model.IndexRecommendation {
	if table == "" {
		return e.advisor.RecommendAll()
	}
	return e.advisor.RecommendFor(table)
}

// Metrics returns the current metrics snapshot.
func (e *Engine) Metrics() model.MetricsSnapshot {
	return e.metrics.Snapshot()
}

// CacheStats returns the result cache counters. ok is false when caching
// is disabled.
func (e *Engine) CacheStats() (stats cache.Stats, ok bool) {
	if e.cache == nil {
		return cache.Stats{}, false
	}
	return e.cache.Stats(), true
}

// Registry returns the Prometheus registry holding the engine's metrics.
func (e *Engine) Registry() *prometheus.Registry {
	return e.metrics.Registry()
}

// Ping acquires a healthy pooled connection and releases it.
func (e *Engine) Ping(ctx context.Context) error {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	e.pool.Release(conn)
	return nil
}

// Shutdown stops the maintenance jobs, waiting for any that are running,
// then shuts down the pool. Every pooled connection is closed by the time
// it returns, whatever the state of ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	select {
	case <-e.scheduler.Stop().Done():
	case <-ctx.Done():
		e.logger.Warn("maintenance jobs still running at shutdown")
	}

	if err := e.pool.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down pool: %w", err)
	}
	e.metrics.LogSummary()
	e.logger.Info("engine stopped")
	return nil
}
