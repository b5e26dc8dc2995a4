package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/powa-team/querypool/internal/config"
	"github.com/powa-team/querypool/internal/engine"
	"github.com/powa-team/querypool/internal/model"
	"github.com/powa-team/querypool/internal/pool"
)

func newServeEngine(t *testing.T) (*config.Config, *engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.Path = filepath.Join(t.TempDir(), "serve.db")
	cfg.Maintenance.CleanupInterval = "1h"
	cfg.Maintenance.CacheSweepInterval = "1h"
	cfg.Maintenance.ReportInterval = "1h"
	cfg.Pool.ShutdownGrace = "200ms"
	require.NoError(t, cfg.Validate())

	db, err := openDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	eng, err := engine.New(cfg, db, zap.NewNop())
	require.NoError(t, err)
	return cfg, eng
}

func TestServe_ShutsDownEngineWhenServerFails(t *testing.T) {
	cfg, eng := newServeEngine(t)

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port

	err = serve(context.Background(), cfg, eng, zap.NewNop())
	assert.ErrorContains(t, err, "starting health server")

	assert.Zero(t, eng.Metrics().Pool.Total)
	_, err = eng.Execute(context.Background(), "SELECT 1", nil, model.Options{})
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
}

func TestServe_StopsWhenContextDone(t *testing.T) {
	cfg, eng := newServeEngine(t)
	cfg.Server.Port = 0

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, serve(ctx, cfg, eng, zap.NewNop()))
	_, err := eng.Execute(context.Background(), "SELECT 1", nil, model.Options{})
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
}
