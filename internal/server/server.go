// Package server provides the HTTP endpoints for health checks and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/powa-team/querypool/internal/config"
	"github.com/powa-team/querypool/internal/model"
)

// Checker is what the server asks about database health. *engine.Engine
// satisfies it.
type Checker interface {
	// Ping acquires a pooled connection and verifies it.
	Ping(ctx context.Context) error

	// HealthCheck returns the scored health status.
	HealthCheck(ctx context.Context) model.HealthStatus
}

// Server provides HTTP endpoints for health checks and monitoring.
type Server struct {
	cfg      *config.ServerConfig
	checker  Checker
	gatherer prometheus.Gatherer
	logger   *zap.Logger

	mu      sync.Mutex
	server  *http.Server
	started time.Time
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string              `json:"status"`
	Uptime    string              `json:"uptime,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	Database  *DBHealth           `json:"database,omitempty"`
	Health    *model.HealthStatus `json:"health,omitempty"`
}

// DBHealth represents database connectivity status.
type DBHealth struct {
	Connected bool   `json:"connected"`
	Latency   string `json:"latency,omitempty"`
	Error     string `json:"error,omitempty"`
}

// New creates a Server. A nil checker disables database checks and a nil
// gatherer disables /metrics.
func New(cfg *config.ServerConfig, checker Checker, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		checker:  checker,
		gatherer: gatherer,
		logger:   logger.With(zap.String("component", "server")),
		started:  time.Now(),
	}
}

// Handler returns the router serving all endpoints.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/livez", s.handleLive).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// Start begins serving HTTP requests in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("server already started")
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.started = time.Now()

	srv := s.server
	go func() {
		s.logger.Info("health server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	return err
}

// handleHealth serves /healthz. With deep checks enabled the engine's
// scored health is included and anything but a reachable, non-critical
// database answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    s.uptime(),
	}

	if s.cfg.DeepCheck && s.checker != nil {
		health := s.checker.HealthCheck(r.Context())
		response.Health = &health
		if !health.DatabaseReachable || health.Status == "critical" {
			response.Status = "degraded"
		}
	}

	statusCode := http.StatusOK
	if response.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, statusCode, response)
}

// handleReady serves /readyz: ready once a pooled connection answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.checker != nil {
		db := s.checkDatabase(r.Context())
		if !db.Connected {
			s.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status:    "not ready",
				Timestamp: time.Now(),
				Database:  db,
			})
			return
		}
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ready",
		Timestamp: time.Now(),
	})
}

// handleLive serves /livez.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "alive",
		Timestamp: time.Now(),
		Uptime:    s.uptime(),
	})
}

func (s *Server) checkDatabase(ctx context.Context) *DBHealth {
	start := time.Now()
	if err := s.checker.Ping(ctx); err != nil {
		return &DBHealth{Error: err.Error()}
	}
	return &DBHealth{Connected: true, Latency: time.Since(start).String()}
}

func (s *Server) uptime() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.started).Round(time.Second).String()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encoding response", zap.Error(err))
	}
}
