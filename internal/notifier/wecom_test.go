package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powa-team/querypool/internal/config"
	"github.com/powa-team/querypool/internal/model"
)

func sampleReport() *model.Report {
	return &model.Report{
		ReqID:     "test-req-id",
		Timestamp: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		Driver:    "sqlite",
		Metrics: model.MetricsSnapshot{
			TotalQueries:    1234,
			CacheHits:       3,
			CacheMisses:     1,
			SlowQueryCount:  2,
			AvgResponseTime: 12.5,
		},
		SlowQueries: []model.QueryAnalysis{{
			Query:          "SELECT *\n  FROM papers WHERE medical_specialty = ?",
			ResponseTime:   250 * time.Millisecond,
			TableScanCount: 1,
		}},
		Recommendations: []model.IndexRecommendation{{
			Table:     "papers",
			Columns:   []string{"medical_specialty"},
			Kind:      model.IndexSimple,
			Frequency: 2,
			Priority:  model.SeverityLow,
			DDL:       "CREATE INDEX IF NOT EXISTS idx_papers_medical_specialty ON papers (medical_specialty)",
		}},
		Summary: model.HealthStatus{Status: "healthy", Score: 95, Grade: "A", DatabaseReachable: true},
	}
}

func TestWeComNotifier_Send(t *testing.T) {
	var got wecomMessage
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer ts.Close()

	n, err := NewWeComNotifier(&config.NotifierConfig{
		Type:       "wecom",
		WebhookURL: ts.URL,
		Retries:    1,
		RetryDelay: "10ms",
	})
	require.NoError(t, err)

	require.NoError(t, n.Send(context.Background(), sampleReport()))

	assert.Equal(t, "markdown", got.MsgType)
	require.NotNil(t, got.Markdown)
	content := got.Markdown.Content
	assert.Contains(t, content, "95/100 (healthy, grade A)")
	assert.Contains(t, content, "**Queries**: 1,234")
	assert.Contains(t, content, "`SELECT * FROM papers WHERE medical_specialty = ?`")
	assert.Contains(t, content, "CREATE INDEX IF NOT EXISTS idx_papers_medical_specialty")
	assert.Contains(t, content, "*Report ID: test-req-id*")
}

func TestWeComNotifier_Retry(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer ts.Close()

	n, err := NewWeComNotifier(&config.NotifierConfig{WebhookURL: ts.URL, Retries: 3, RetryDelay: "1ms"})
	require.NoError(t, err)

	require.NoError(t, n.Send(context.Background(), sampleReport()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestWeComNotifier_Failure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"errcode":93000,"errmsg":"invalid webhook url"}`))
	}))
	defer ts.Close()

	n, err := NewWeComNotifier(&config.NotifierConfig{WebhookURL: ts.URL, Retries: 1, RetryDelay: "1ms"})
	require.NoError(t, err)

	err = n.Send(context.Background(), sampleReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "93000")
}

func TestWeComNotifier_RequiresURL(t *testing.T) {
	_, err := NewWeComNotifier(&config.NotifierConfig{Type: "wecom"})
	assert.Error(t, err)
}
