// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/auth"
)

// SessionState tracks the connection lifecycle.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateActive
	StateClosed // terminal
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the client transport as seen by the gateway. Implemented by the
// WebSocket server; tests supply in-memory fakes.
type Conn interface {
	// ReadText returns the next inbound text message (one JSON command).
	ReadText() ([]byte, error)
	WriteJSON(v any) error
	WriteBinary(data []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// outbound is one queued item for the session writer.
type outbound struct {
	event  any
	binary []byte
}

// Session is one authenticated client connection. It owns its subscription
// registry and per-camera optimizer state; both are created on connect and
// destroyed atomically with the connection.
type Session struct {
	ID        string
	Identity  *auth.Identity
	CreatedAt time.Time

	conn     Conn
	logger   *slog.Logger
	registry *Registry

	state     atomic.Int32
	out       chan outbound
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Uint64
}

// NewSession creates a session in the Connecting state.
func NewSession(id string, conn Conn, queueSize int, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize < 16 {
		queueSize = 16
	}

	logger = logger.With(slog.String("session_id", id))

	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		conn:      conn,
		logger:    logger,
		registry:  NewRegistry(logger),
		out:       make(chan outbound, queueSize),
		done:      make(chan struct{}),
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Registry returns the session's subscription registry.
func (s *Session) Registry() *Registry {
	return s.registry
}

// Authenticate transitions Connecting → Authenticated.
func (s *Session) Authenticate(identity *auth.Identity) {
	s.Identity = identity
	s.state.Store(int32(StateAuthenticated))
}

// Activate transitions Authenticated → Active, starts the writer and emits
// the connection_status event.
func (s *Session) Activate(caps Capabilities) {
	s.state.Store(int32(StateActive))

	s.wg.Add(1)
	go s.writeLoop()

	s.Send(ConnectionStatusEvent{
		Type:         EvtConnectionStatus,
		Status:       "connected",
		SessionID:    s.ID,
		Identity:     s.Identity,
		Capabilities: caps,
		Timestamp:    time.Now().UnixMilli(),
	})
}

// Send queues a JSON event for delivery. A full queue drops the event: the
// writer is the only unbounded-growth risk under a slow client, and frames
// are already rate-limited upstream. Reports whether the event was queued.
func (s *Session) Send(event any) bool {
	return s.enqueue(outbound{event: event})
}

// SendBinary queues a prebuilt binary message.
func (s *Session) SendBinary(data []byte) bool {
	return s.enqueue(outbound{binary: data})
}

func (s *Session) enqueue(item outbound) bool {
	if s.State() == StateClosed {
		return false
	}

	select {
	case s.out <- item:
		return true
	case <-s.done:
		return false
	default:
		if n := s.dropped.Add(1); n%100 == 1 {
			s.logger.Warn("session queue full, dropping events",
				slog.Uint64("dropped_total", n))
		}
		return false
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case item := <-s.out:
			var err error
			if item.binary != nil {
				err = s.conn.WriteBinary(item.binary)
			} else {
				err = s.conn.WriteJSON(item.event)
			}
			if err != nil {
				s.logger.Debug("session write failed",
					slog.String("error", err.Error()))
				s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close transitions to Closed and synchronously cancels every registry
// entry before the session object is discarded. Idempotent; safe from any
// goroutine. Returns the number of subscriptions cancelled.
func (s *Session) Close() int {
	cancelled := 0
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		cancelled = s.registry.CancelAll()
		close(s.done)
		s.conn.Close()

		s.logger.Debug("session closed",
			slog.Int("subscriptions_cancelled", cancelled),
			slog.Uint64("events_dropped", s.dropped.Load()))
	})
	return cancelled
}

// Wait blocks until the writer goroutine has exited.
func (s *Session) Wait() {
	s.wg.Wait()
}
