// Package notifier delivers periodic health reports.
package notifier

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/powa-team/querypool/internal/config"
	"github.com/powa-team/querypool/internal/model"
)

// Notifier is the interface for sending reports to external channels.
type Notifier interface {
	// Send delivers the report to the channel.
	Send(ctx context.Context, report *model.Report) error

	// Name returns the name of the notifier.
	Name() string
}

// New builds the notifier selected by cfg.Type.
func New(cfg *config.NotifierConfig, logger *zap.Logger) (Notifier, error) {
	switch cfg.Type {
	case "", "console":
		return NewConsoleNotifier(nil, logger), nil
	case "wecom":
		return NewWeComNotifier(cfg)
	default:
		return nil, fmt.Errorf("unknown notifier type %q", cfg.Type)
	}
}

func truncateQuery(query string, maxLen int) string {
	query = strings.Join(strings.Fields(query), " ")
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen-3] + "..."
}
