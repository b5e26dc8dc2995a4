// querypool is a database access sidecar: a bounded connection pool with a
// result cache and retrying executor, plus execution-plan analysis, index
// recommendations and health reporting.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "modernc.org/sqlite"

	"github.com/powa-team/querypool/internal/config"
)

var (
	// Version information (set at build time via -ldflags)
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "querypool",
	Short: "Pooled, cached and analyzed database access",
	Long: `querypool manages a bounded pool of database connections, caches read
results, retries transient failures, and analyzes execution plans to
recommend missing indexes.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "querypool %s (commit: %s, built: %s)\n", version, commit, buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults are used when empty)")
	rootCmd.AddCommand(versionCmd, serveCmd, execCmd, explainCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads --config, or starts from defaults when it is empty.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildLogger creates the zap logger described by the log section.
func buildLogger(c *config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log.level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// openDB opens the database handle the pool checks connections out of. The
// pool owns every connection, so the handle keeps none idle.
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Database.Driver, err)
	}
	db.SetMaxOpenConns(cfg.Pool.MaxConnections)
	db.SetMaxIdleConns(0)
	return db, nil
}
