// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/gateway"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/store"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server provides health check and stats endpoints for monitoring and
// orchestration.
type Server struct {
	config   Config
	gateway  *gateway.Gateway
	store    store.Store
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, gw *gateway.Gateway, st store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		gateway: gw,
		store:   st,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns empty if server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("Starting health check server", "address", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{
		Status: "healthy",
	})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
// Returns 200 OK only when the state store backend is reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadyResponse{
			Status:  "not_ready",
			Details: "state store unreachable: " + err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ReadyResponse{
		Status: "ready",
	})
}

// StatsResponse is a snapshot of the gateway counters.
type StatsResponse struct {
	UptimeSeconds       float64 `json:"uptime_seconds"`
	CurrentConnections  uint64  `json:"current_connections"`
	TotalConnections    uint64  `json:"total_connections"`
	Disconnections      uint64  `json:"disconnections"`
	ActiveSubscriptions int64   `json:"active_subscriptions"`
	FramesDelivered     uint64  `json:"frames_delivered"`
	FramesSkipped       uint64  `json:"frames_skipped"`
	FrameBytes          uint64  `json:"frame_bytes"`
	CommandsDispatched  uint64  `json:"commands_dispatched"`
	AuthErrors          uint64  `json:"auth_errors"`
	ProtocolErrors      uint64  `json:"protocol_errors"`
}

// handleStats serves the gateway counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := s.gateway.Stats()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(StatsResponse{
		UptimeSeconds:       stats.Uptime().Seconds(),
		CurrentConnections:  stats.GetCurrentConnections(),
		TotalConnections:    stats.GetTotalConnections(),
		Disconnections:      stats.GetDisconnections(),
		ActiveSubscriptions: stats.GetActiveSubscriptions(),
		FramesDelivered:     stats.GetFramesDelivered(),
		FramesSkipped:       stats.GetFramesSkipped(),
		FrameBytes:          stats.GetFrameBytes(),
		CommandsDispatched:  stats.GetCommandsDispatched(),
		AuthErrors:          stats.GetAuthErrors(),
		ProtocolErrors:      stats.GetProtocolErrors(),
	})
}
