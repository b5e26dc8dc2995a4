// Package metrics aggregates executor and analyzer counters and exports them
// to Prometheus.
package metrics

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/powa-team/querypool/internal/model"
)

// Collector tracks query, cache and plan counters. Counters live for the
// lifetime of the Collector; nothing resets them.
type Collector struct {
	mu             sync.Mutex
	totalQueries   int64
	cacheHits      int64
	cacheMisses    int64
	slowQueries    int64
	errorCount     int64
	avgResponseMs  float64
	plansAnalyzed  int64
	plansWithIndex int64
	poolStats      func() model.PoolStats

	registry      *prometheus.Registry
	queriesTotal  *prometheus.CounterVec
	cacheRequests *prometheus.CounterVec
	slowTotal     prometheus.Counter
	queryDuration prometheus.Histogram
	plansTotal    *prometheus.CounterVec

	logger *zap.Logger
	now    func() time.Time
}

// NewCollector creates a Collector registering its metrics on reg. A nil reg
// gets a fresh registry, so independent engines never collide.
func NewCollector(namespace string, reg *prometheus.Registry, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
		now:      time.Now,
	}

	c.queriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of completed operations",
		},
		[]string{"status"},
	)

	c.cacheRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Result cache lookups by outcome",
		},
		[]string{"result"},
	)

	c.slowTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slow_queries_total",
		Help:      "Operations slower than the slow-query threshold",
	})

	c.queryDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "query_duration_seconds",
		Help:      "Operation duration in seconds",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	c.plansTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_analyzed_total",
			Help:      "Execution plans inspected, by index usage",
		},
		[]string{"uses_index"},
	)

	for _, state := range []string{"total", "available", "busy"} {
		state := state
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_connections",
			Help:        "Pooled connections by state",
			ConstLabels: prometheus.Labels{"state": state},
		}, func() float64 {
			s := c.pool()
			switch state {
			case "available":
				return float64(s.Available)
			case "busy":
				return float64(s.Busy)
			default:
				return float64(s.Total)
			}
		})
	}

	return c
}

// SetPoolStats sets where pool counters are read from.
func (c *Collector) SetPoolStats(fn func() model.PoolStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poolStats = fn
}

func (c *Collector) pool() model.PoolStats {
	c.mu.Lock()
	fn := c.poolStats
	c.mu.Unlock()
	if fn == nil {
		return model.PoolStats{}
	}
	return fn()
}

// Registry returns the Prometheus registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveCache records a cache lookup.
func (c *Collector) ObserveCache(hit bool) {
	c.mu.Lock()
	if hit {
		c.cacheHits++
	} else {
		c.cacheMisses++
	}
	c.mu.Unlock()

	if hit {
		c.cacheRequests.WithLabelValues("hit").Inc()
	} else {
		c.cacheRequests.WithLabelValues("miss").Inc()
	}
}

// ObserveQuery records a completed operation and folds its latency into
// the running average: newAvg = (oldAvg*(n-1) + latest) / n.
func (c *Collector) ObserveQuery(elapsed time.Duration, slow bool, err error) {
	latest := float64(elapsed) / float64(time.Millisecond)

	c.mu.Lock()
	c.totalQueries++
	n := float64(c.totalQueries)
	c.avgResponseMs = (c.avgResponseMs*(n-1) + latest) / n
	if slow {
		c.slowQueries++
	}
	if err != nil {
		c.errorCount++
	}
	c.mu.Unlock()

	status := "ok"
	if err != nil {
		status = "error"
	}
	c.queriesTotal.WithLabelValues(status).Inc()
	c.queryDuration.Observe(elapsed.Seconds())
	if slow {
		c.slowTotal.Inc()
	}
}

// ObservePlan records an inspected execution plan.
func (c *Collector) ObservePlan(usesIndex bool) {
	c.mu.Lock()
	c.plansAnalyzed++
	if usesIndex {
		c.plansWithIndex++
	}
	c.mu.Unlock()

	c.plansTotal.WithLabelValues(fmt.Sprint(usesIndex)).Inc()
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() model.MetricsSnapshot {
	pool := c.pool()

	c.mu.Lock()
	defer c.mu.Unlock()
	return model.MetricsSnapshot{
		TotalQueries:    c.totalQueries,
		CacheHits:       c.cacheHits,
		CacheMisses:     c.cacheMisses,
		SlowQueryCount:  c.slowQueries,
		ErrorCount:      c.errorCount,
		AvgResponseTime: c.avgResponseMs,
		PlansAnalyzed:   c.plansAnalyzed,
		PlansUsingIndex: c.plansWithIndex,
		Pool:            pool,
		Timestamp:       c.now(),
	}
}

// Score rates a snapshot from 0 to 100 using average latency, the
// slow-query ratio and the index-hit ratio.
func Score(s model.MetricsSnapshot) int {
	score := 100.0

	switch avg := s.AvgResponseTime; {
	case avg <= 50:
	case avg <= 100:
		score -= 10
	case avg <= 250:
		score -= 20
	case avg <= 500:
		score -= 30
	default:
		score -= 40
	}

	score -= s.SlowQueryRatio() * 30
	score -= (1 - s.IndexHitRatio()) * 30

	return int(math.Round(math.Max(0, math.Min(100, score))))
}

// Grade maps a score to a letter grade.
func Grade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

// LogSummary writes the current counters and grade to the log.
func (c *Collector) LogSummary() {
	s := c.Snapshot()
	score := Score(s)

	c.logger.Info("metrics summary",
		zap.String("queries", humanize.Comma(s.TotalQueries)),
		zap.String("avg_response", fmt.Sprintf("%.1fms", s.AvgResponseTime)),
		zap.String("cache_hit_ratio", fmt.Sprintf("%.1f%%", s.CacheHitRatio()*100)),
		zap.Int64("slow_queries", s.SlowQueryCount),
		zap.Int64("errors", s.ErrorCount),
		zap.String("index_hit_ratio", fmt.Sprintf("%.1f%%", s.IndexHitRatio()*100)),
		zap.Int("pool_busy", s.Pool.Busy),
		zap.Int("pool_total", s.Pool.Total),
		zap.Int("score", score),
		zap.String("grade", Grade(score)),
	)
}
