package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/powa-team/querypool/internal/config"
	"github.com/powa-team/querypool/internal/model"
)

// WeComNotifier posts reports to a WeCom (WeChat Work) group webhook.
type WeComNotifier struct {
	webhookURL string
	retries    int
	retryDelay time.Duration
	client     *http.Client
}

type wecomMessage struct {
	MsgType  string           `json:"msgtype"`
	Markdown *markdownContent `json:"markdown,omitempty"`
}

type markdownContent struct {
	Content string `json:"content"`
}

type wecomResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// NewWeComNotifier creates a WeCom notifier.
func NewWeComNotifier(cfg *config.NotifierConfig) (*WeComNotifier, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("wecom notifier: webhook_url is required")
	}
	retryDelay, err := cfg.RetryDelayParsed()
	if err != nil {
		retryDelay = time.Second
	}

	return &WeComNotifier{
		webhookURL: cfg.WebhookURL,
		retries:    cfg.Retries,
		retryDelay: retryDelay,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// Name returns the notifier name.
func (w *WeComNotifier) Name() string {
	return "wecom"
}

// Send posts the report as a markdown message.
func (w *WeComNotifier) Send(ctx context.Context, report *model.Report) error {
	msg := wecomMessage{
		MsgType:  "markdown",
		Markdown: &markdownContent{Content: formatMarkdown(report)},
	}
	return w.sendWithRetry(ctx, msg)
}

func formatMarkdown(report *model.Report) string {
	var sb strings.Builder
	m := report.Metrics

	sb.WriteString(fmt.Sprintf("## %s querypool report\n\n", statusEmoji(report.Summary.Status)))

	sb.WriteString("### 📊 Summary\n")
	sb.WriteString(fmt.Sprintf("> **Health Score**: %d/100 (%s, grade %s)\n",
		report.Summary.Score, report.Summary.Status, report.Summary.Grade))
	sb.WriteString(fmt.Sprintf("> **Queries**: %s, avg %.2fms\n", humanize.Comma(m.TotalQueries), m.AvgResponseTime))
	sb.WriteString(fmt.Sprintf("> **Cache Hit Ratio**: %.1f%%\n", m.CacheHitRatio()*100))
	sb.WriteString(fmt.Sprintf("> **Slow Queries**: %s | **Errors**: %s\n\n",
		humanize.Comma(m.SlowQueryCount), humanize.Comma(m.ErrorCount)))

	if !report.Summary.DatabaseReachable {
		sb.WriteString(fmt.Sprintf("🔴 **Database unreachable**: %s\n\n", report.Summary.Error))
	}

	if len(report.SlowQueries) > 0 {
		sb.WriteString("### ⏱ Recent Slow Queries\n")
		for i, q := range report.SlowQueries {
			if i >= 5 {
				sb.WriteString(fmt.Sprintf("... and %d more\n", len(report.SlowQueries)-5))
				break
			}
			sb.WriteString(fmt.Sprintf("**%d.** %s, %d table scan(s)\n", i+1, q.ResponseTime, q.TableScanCount))
			sb.WriteString(fmt.Sprintf("   - `%s`\n", truncateQuery(q.Query, 80)))
		}
		sb.WriteString("\n")
	}

	if len(report.Recommendations) > 0 {
		sb.WriteString("### 💡 Index Recommendations\n")
		for i, r := range report.Recommendations {
			if i >= 3 {
				sb.WriteString(fmt.Sprintf("... and %d more\n", len(report.Recommendations)-3))
				break
			}
			sb.WriteString(fmt.Sprintf("%s **%s** (%s, seen %d times)\n",
				priorityIcon(r.Priority), r.Table, strings.Join(r.Columns, ", "), r.Frequency))
			sb.WriteString(fmt.Sprintf("   - `%s`\n", r.DDL))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("---\n")
	sb.WriteString(fmt.Sprintf("*Report ID: %s*\n", report.ReqID))

	return sb.String()
}

// sendWithRetry sends the message, doubling the delay between attempts.
func (w *WeComNotifier) sendWithRetry(ctx context.Context, msg wecomMessage) error {
	var lastErr error
	delay := w.retryDelay

	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				delay *= 2
			}
		}

		err := w.send(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", w.retries, lastErr)
}

func (w *WeComNotifier) send(ctx context.Context, msg wecomMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var result wecomResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if result.ErrCode != 0 {
		return fmt.Errorf("wecom error: %d - %s", result.ErrCode, result.ErrMsg)
	}
	return nil
}

func statusEmoji(status string) string {
	switch status {
	case "healthy":
		return "✅"
	case "warning":
		return "⚠️"
	case "degraded":
		return "🟠"
	default:
		return "🔴"
	}
}

func priorityIcon(priority string) string {
	switch priority {
	case model.SeverityHigh:
		return "🟠"
	case model.SeverityMedium:
		return "🟡"
	default:
		return "🔵"
	}
}
