// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

// Package websocket exposes the gateway over a WebSocket endpoint. Clients
// authenticate with a JWT passed as a query parameter or bearer header at
// upgrade time.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/gateway"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/ratelimit"
)

// maxMessageSize bounds inbound command messages. Commands are small JSON
// objects; anything larger is not a command.
const maxMessageSize = 64 * 1024

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
}

type Server struct {
	config   Config
	gateway  *gateway.Gateway
	limiter  *ratelimit.Manager
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

func New(cfg Config, gw *gateway.Gateway, limiter *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Path == "" {
		cfg.Path = "/telemetry"
	}

	s := &Server{
		config:  cfg,
		gateway: gw,
		limiter: limiter,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	return s
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Connection-rate abuse is rejected before the upgrade spends anything.
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		addr := &net.TCPAddr{IP: net.ParseIP(host)}
		if !s.limiter.AllowConnection(addr) {
			s.logger.Warn("connection_rate_limited", slog.String("remote_addr", r.RemoteAddr))
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
	}

	token := extractToken(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(maxMessageSize)

	s.logger.Debug("websocket_connection_accepted", slog.String("remote_addr", r.RemoteAddr))

	s.gateway.HandleConnection(r.Context(), newWSConn(ws), token)
}

// extractToken pulls the access token from the query string or the
// Authorization header, in that order.
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// wsConn implements gateway.Conn over a gorilla WebSocket connection.
// gorilla supports at most one concurrent writer; Close can race the
// session writer, so all writes share a mutex.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) gateway.Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) ReadText() ([]byte, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage:
			return data, nil
		case websocket.BinaryMessage:
			return nil, errors.New("unexpected binary message")
		default:
			// Control frames are handled by the library; skip the rest.
		}
	}
}

func (c *wsConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *wsConn) WriteBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}
