package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/powa-team/querypool/internal/config"
	"github.com/powa-team/querypool/internal/engine"
	"github.com/powa-team/querypool/internal/notifier"
	"github.com/powa-team/querypool/internal/server"
)

const (
	startTimeout    = 10 * time.Second
	shutdownTimeout = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pool with health, metrics and scheduled maintenance",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
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

	notify, err := notifier.New(&cfg.Notifier, logger)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, db, logger, engine.WithNotifier(notify))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("querypool starting",
		zap.String("version", version),
		zap.String("driver", cfg.Database.Driver),
		zap.String("notifier", notify.Name()),
	)
	return serve(ctx, cfg, eng, logger)
}

// serve starts the engine and the health server and blocks until ctx is
// done. The engine is shut down on every return path.
func serve(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger *zap.Logger) (err error) {
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := eng.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("engine shutdown failed", zap.Error(serr))
			if err == nil {
				err = serr
			}
			return
		}
		logger.Info("shutdown complete")
	}()

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	err = eng.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	healthServer := server.New(&cfg.Server, eng, eng.Registry(), logger)
	if err := healthServer.Start(); err != nil {
		return fmt.Errorf("starting health server: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := healthServer.Stop(stopCtx); err != nil {
		logger.Warn("stopping health server", zap.Error(err))
	}
	return nil
}
