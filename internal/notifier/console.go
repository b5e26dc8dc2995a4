package notifier

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/powa-team/querypool/internal/model"
)

// ConsoleNotifier prints reports to a terminal.
type ConsoleNotifier struct {
	out    io.Writer
	logger *zap.Logger
}

// NewConsoleNotifier creates a console notifier writing to out. A nil out
// means stdout.
func NewConsoleNotifier(out io.Writer, logger *zap.Logger) *ConsoleNotifier {
	if out == nil {
		out = os.Stdout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsoleNotifier{out: out, logger: logger.With(zap.String("component", "notifier"))}
}

// Name returns the notifier name.
func (c *ConsoleNotifier) Name() string {
	return "console"
}

// Send prints the report.
func (c *ConsoleNotifier) Send(ctx context.Context, report *model.Report) error {
	var sb strings.Builder
	m := report.Metrics

	sb.WriteString("\n")
	sb.WriteString("═══════════════════════════════════════════════════════════════\n")
	sb.WriteString("                      QUERYPOOL REPORT                         \n")
	sb.WriteString("═══════════════════════════════════════════════════════════════\n")
	sb.WriteString(fmt.Sprintf("Report ID:    %s\n", report.ReqID))
	sb.WriteString(fmt.Sprintf("Timestamp:    %s\n", report.Timestamp.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("Driver:       %s\n", report.Driver))
	sb.WriteString(fmt.Sprintf("Health Score: %d/100 (%s, grade %s)\n",
		report.Summary.Score, report.Summary.Status, report.Summary.Grade))
	sb.WriteString("───────────────────────────────────────────────────────────────\n")

	sb.WriteString("\n📊 SUMMARY\n")
	sb.WriteString(fmt.Sprintf("  • Queries:          %s\n", humanize.Comma(m.TotalQueries)))
	sb.WriteString(fmt.Sprintf("  • Avg Response:     %.2fms\n", m.AvgResponseTime))
	sb.WriteString(fmt.Sprintf("  • Cache Hit Ratio:  %.1f%%\n", m.CacheHitRatio()*100))
	sb.WriteString(fmt.Sprintf("  • Slow Queries:     %s\n", humanize.Comma(m.SlowQueryCount)))
	sb.WriteString(fmt.Sprintf("  • Errors:           %s\n", humanize.Comma(m.ErrorCount)))
	sb.WriteString(fmt.Sprintf("  • Index Hit Ratio:  %.1f%%\n", m.IndexHitRatio()*100))
	sb.WriteString(fmt.Sprintf("  • Pool:             %d busy / %d open (max %d)\n",
		report.Summary.Pool.Busy, report.Summary.Pool.Total, report.Summary.Pool.Max))
	if !report.Summary.DatabaseReachable {
		sb.WriteString(fmt.Sprintf("  • Database:         unreachable (%s)\n", report.Summary.Error))
	}

	if len(report.SlowQueries) > 0 {
		sb.WriteString("\n⏱ RECENT SLOW QUERIES\n")
		for i, q := range report.SlowQueries {
			sb.WriteString(fmt.Sprintf("  %d. %s, %d table scan(s)\n",
				i+1, q.ResponseTime, q.TableScanCount))
			sb.WriteString(fmt.Sprintf("      %s\n", truncateQuery(q.Query, 60)))
		}
	}

	if len(report.Recommendations) > 0 {
		sb.WriteString("\n💡 INDEX RECOMMENDATIONS\n")
		for i, r := range report.Recommendations {
			sb.WriteString(fmt.Sprintf("  %d. [%s] %s (seen %s times)\n",
				i+1, r.Priority, r.DDL, humanize.Comma(int64(r.Frequency))))
		}
	}

	sb.WriteString("\n═══════════════════════════════════════════════════════════════\n")

	if _, err := io.WriteString(c.out, sb.String()); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	c.logger.Debug("report printed", zap.String("req_id", report.ReqID))
	return nil
}
