package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/powa-team/querypool/internal/metrics"
	"github.com/powa-team/querypool/internal/model"
)

// How much of the history a report carries.
const (
	reportRecommendations = 5
	reportSlowQueries     = 5
)

// HealthCheck pings the database through the pool and scores the current
// metrics. An unreachable database is always critical.
func (e *Engine) HealthCheck(ctx context.Context) model.HealthStatus {
	snap := e.metrics.Snapshot()
	score := metrics.Score(snap)

	status := model.HealthStatus{
		Status:            getHealthStatus(score),
		Score:             score,
		Grade:             metrics.Grade(score),
		DatabaseReachable: true,
		Pool:              snap.Pool,
		CheckedAt:         time.Now(),
	}

	if err := e.Ping(ctx); err != nil {
		status.DatabaseReachable = false
		status.Error = err.Error()
		status.Status = "critical"
	}
	status.Pool = e.pool.Stats()
	return status
}

// Report builds a health report: metrics, health status, the strongest
// index recommendations and the most recent slow queries.
func (e *Engine) Report(ctx context.Context) (*model.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	health := e.HealthCheck(ctx)
	recs := e.advisor.RecommendAll()
	if len(recs) > reportRecommendations {
		recs = recs[:reportRecommendations]
	}

	return &model.Report{
		ReqID:           generateReqID(),
		Timestamp:       time.Now(),
		Driver:          e.cfg.Database.Driver,
		Metrics:         e.metrics.Snapshot(),
		Recommendations: recs,
		SlowQueries:     e.analyzer.History().Recent(reportSlowQueries),
		Summary:         health,
	}, nil
}

// getHealthStatus converts a health score to a status string.
func getHealthStatus(score int) string {
	switch {
	case score >= 90:
		return "healthy"
	case score >= 70:
		return "warning"
	case score >= 50:
		return "degraded"
	default:
		return "critical"
	}
}

func generateReqID() string {
	return "qp-" + uuid.NewString()
}
