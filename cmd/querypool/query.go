package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/powa-team/querypool/internal/engine"
	"github.com/powa-team/querypool/internal/model"
)

var execCmd = &cobra.Command{
	Use:   "exec <sql> [params...]",
	Short: "Execute one statement through the pool",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExec,
}

var explainCmd = &cobra.Command{
	Use:   "explain <sql> [params...]",
	Short: "Analyze a statement's execution plan without running it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExplain,
}

func init() {
	for _, c := range []*cobra.Command{execCmd, explainCmd} {
		c.Flags().String("format", "table", "Output format (table, json, yaml)")
		c.Flags().Duration("timeout", 30*time.Second, "Statement timeout")
	}
	execCmd.Flags().Bool("timing", false, "Report execution time")
}

// withEngine runs fn against a short-lived engine and shuts it down after.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := buildLogger(&cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	eng, err := engine.New(cfg, db, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Shutdown(context.Background()); err != nil {
			logger.Warn("shutting down", zap.Error(err))
		}
	}()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, eng)
}

func runExec(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	timing, _ := cmd.Flags().GetBool("timing")

	return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
		res, err := eng.Execute(ctx, args[0], toParams(args[1:]), model.Options{IncludeTiming: timing})
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), format, res, func(w io.Writer) { printResult(w, res) })
	})
}

func runExplain(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
		analysis, err := eng.AnalyzeQuery(ctx, args[0], toParams(args[1:]))
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), format, analysis, func(w io.Writer) { printAnalysis(w, analysis) })
	})
}

func toParams(args []string) []any {
	params := make([]any, len(args))
	for i, a := range args {
		params[i] = a
	}
	return params
}

func render(w io.Writer, format string, v any, table func(io.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		return yaml.NewEncoder(w).Encode(v)
	case "table":
		table(w)
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func printResult(w io.Writer, res *model.QueryResult) {
	if len(res.Columns) > 0 {
		fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
		for _, row := range res.Rows {
			cells := make([]string, len(res.Columns))
			for i, col := range res.Columns {
				cells[i] = fmt.Sprint(row[col])
			}
			fmt.Fprintln(w, strings.Join(cells, "\t"))
		}
		fmt.Fprintf(w, "(%s rows)\n", humanize.Comma(int64(len(res.Rows))))
	} else {
		fmt.Fprintf(w, "%s rows affected\n", humanize.Comma(res.RowsAffected))
	}
	if res.Duration > 0 {
		fmt.Fprintf(w, "Time: %s (source: %s, attempts: %d)\n", res.Duration, res.Source, res.Attempts)
	}
}

func printAnalysis(w io.Writer, a *model.QueryAnalysis) {
	plan := "estimated from statement text"
	if a.PlanAvailable {
		plan = "from database"
	}
	fmt.Fprintf(w, "Plan:        %s\n", plan)
	fmt.Fprintf(w, "Cost:        %s\n", humanize.Commaf(a.EstimatedCost))
	fmt.Fprintf(w, "Uses index:  %t\n", a.UsesIndex)
	fmt.Fprintf(w, "Table scans: %d\n", a.TableScanCount)
	for _, s := range a.Steps {
		fmt.Fprintf(w, "  - %s\n", s.Detail)
	}
	for _, s := range a.Suggestions {
		fmt.Fprintf(w, "[%s] %s\n", s.Severity, s.Message)
	}
}
