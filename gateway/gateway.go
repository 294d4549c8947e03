// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the realtime distribution core: authenticated
// WebSocket sessions that subscribe to drone telemetry, camera frame streams
// and precision-landing channels on the shared state store, and dispatch
// outbound drone commands.
package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/auth"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/command"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/config"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/ratelimit"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/server/otel"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/store"
)

// Gateway owns the session population and wires sessions to the state store
// and the command dispatcher.
type Gateway struct {
	store      store.Store
	verifier   *auth.Verifier
	dispatcher *command.Dispatcher
	limiter    *ratelimit.Manager
	stats      *Stats
	metrics    *otel.Metrics // nil if metrics disabled
	logger     *slog.Logger

	camera    config.CameraConfig
	queueSize int

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// New creates a gateway.
func New(cfg *config.Config, st store.Store, verifier *auth.Verifier,
	dispatcher *command.Dispatcher, limiter *ratelimit.Manager,
	metrics *otel.Metrics, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		store:      st,
		verifier:   verifier,
		dispatcher: dispatcher,
		limiter:    limiter,
		stats:      NewStats(),
		metrics:    metrics,
		logger:     logger,
		camera:     cfg.Camera,
		queueSize:  cfg.Server.SessionQueueSize,
		sessions:   make(map[string]*Session),
	}
}

// Stats returns the gateway counters.
func (g *Gateway) Stats() *Stats {
	return g.stats
}

// SessionCount returns the number of live sessions.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Capabilities reports the optimization features this gateway offers.
func (g *Gateway) Capabilities() Capabilities {
	return Capabilities{
		BinaryFrames:       true,
		AdaptiveQuality:    g.camera.AdaptiveQuality,
		FrameDecompression: g.camera.DecompressionEnabled,
		RateLimit:          true,
	}
}

// HandleConnection runs one client connection to completion: authenticate,
// serve commands, tear down. It blocks until the connection closes and
// always leaves the session fully cancelled.
func (g *Gateway) HandleConnection(ctx context.Context, conn Conn, token string) {
	s := NewSession(uuid.NewString(), conn, g.queueSize, g.logger)

	// The token is verified exactly once, at connect. Expiry during a live
	// session does not interrupt it.
	identity, err := g.verifier.Verify(token)
	if err != nil {
		g.stats.IncrementAuthErrors()
		if g.metrics != nil {
			g.metrics.RecordError("auth_failed")
		}
		g.logger.Warn("connection rejected",
			slog.String("remote_addr", conn.RemoteAddr().String()),
			slog.String("error", err.Error()))

		// Best effort: the client may already be gone.
		conn.WriteJSON(errorEvent(CodeAuthFailed, "authentication failed"))
		conn.Close()
		return
	}
	s.Authenticate(identity)

	if !g.addSession(s) {
		conn.Close()
		return
	}
	g.stats.IncrementConnections()
	if g.metrics != nil {
		g.metrics.RecordConnection()
	}
	g.logger.Info("session connected",
		slog.String("session_id", s.ID),
		slog.String("user_id", identity.ID),
		slog.String("role", identity.Role),
		slog.String("remote_addr", conn.RemoteAddr().String()))

	s.Activate(g.Capabilities())
	defer g.teardown(s)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := conn.ReadText()
		if err != nil {
			g.logger.Debug("session read ended",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()))
			return
		}
		g.handleMessage(ctx, s, raw)
	}
}

// teardown cancels everything the session holds and removes it from the
// population. Runs exactly once per connection, on whatever path ended it.
func (g *Gateway) teardown(s *Session) {
	cancelled := s.Close()
	g.removeSession(s.ID)
	g.stats.DecrementConnections()
	if cancelled > 0 {
		g.stats.DecrementSubscriptions(int64(cancelled))
	}
	if g.metrics != nil {
		g.metrics.RecordDisconnection()
		if cancelled > 0 {
			g.metrics.RecordSubscriptionsRemoved(int64(cancelled))
		}
	}
	g.limiter.OnSessionClosed(s.ID)
	s.Wait()

	g.logger.Info("session disconnected",
		slog.String("session_id", s.ID),
		slog.Int("subscriptions_cancelled", cancelled))
}

func (g *Gateway) addSession(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.sessions[s.ID] = s
	return true
}

func (g *Gateway) removeSession(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, id)
}

// Close refuses new sessions and closes every live one. Per-session reader
// goroutines observe the closed connection and finish their own teardown.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	g.logger.Info("gateway closed", slog.Int("sessions_closed", len(sessions)))
}
