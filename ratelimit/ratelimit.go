// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per IP at the transport layer.
type IPRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// r is connections per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow checks if a connection from the given address is allowed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	l.mu.Lock()
	entry, exists := l.limiters[ip]
	if !exists {
		entry = &ipEntry{
			limiter:  rate.NewLimiter(l.rate, l.burst),
			lastSeen: time.Now(),
		}
		l.limiters[ip] = entry
	} else {
		entry.lastSeen = time.Now()
	}
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	close(l.stopCh)
}

// SessionRateLimiter limits inbound commands and subscription churn per
// connected session. Frame delivery has its own per-subscription limiter in
// the gateway; this one only guards the command path.
type SessionRateLimiter struct {
	mu              sync.RWMutex
	commandLimiters map[string]*rate.Limiter
	subLimiters     map[string]*rate.Limiter
	commandRate     rate.Limit
	commandBurst    int
	subRate         rate.Limit
	subBurst        int
}

// NewSessionRateLimiter creates a new session-scoped rate limiter.
func NewSessionRateLimiter(commandRate float64, commandBurst int, subRate float64, subBurst int) *SessionRateLimiter {
	return &SessionRateLimiter{
		commandLimiters: make(map[string]*rate.Limiter),
		subLimiters:     make(map[string]*rate.Limiter),
		commandRate:     rate.Limit(commandRate),
		commandBurst:    commandBurst,
		subRate:         rate.Limit(subRate),
		subBurst:        subBurst,
	}
}

// AllowCommand checks if an inbound command from the session is allowed.
func (l *SessionRateLimiter) AllowCommand(sessionID string) bool {
	l.mu.Lock()
	limiter, exists := l.commandLimiters[sessionID]
	if !exists {
		limiter = rate.NewLimiter(l.commandRate, l.commandBurst)
		l.commandLimiters[sessionID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// AllowSubscribe checks if a subscribe command from the session is allowed.
func (l *SessionRateLimiter) AllowSubscribe(sessionID string) bool {
	l.mu.Lock()
	limiter, exists := l.subLimiters[sessionID]
	if !exists {
		limiter = rate.NewLimiter(l.subRate, l.subBurst)
		l.subLimiters[sessionID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// RemoveSession removes limiters for a closed session.
func (l *SessionRateLimiter) RemoveSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.commandLimiters, sessionID)
	delete(l.subLimiters, sessionID)
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Command    CommandConfig    `yaml:"command"`
	Subscribe  SubscribeConfig  `yaml:"subscribe"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// CommandConfig holds per-session inbound command rate limiting settings.
type CommandConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// SubscribeConfig holds per-session subscription rate limiting settings.
type SubscribeConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Command: CommandConfig{
			Enabled: true,
			Rate:    50, // commands per second per session
			Burst:   25,
		},
		Subscribe: SubscribeConfig{
			Enabled: true,
			Rate:    10, // subscribe/unsubscribe per second per session
			Burst:   20,
		},
	}
}

// Manager coordinates all rate limiters.
type Manager struct {
	config   Config
	ip       *IPRateLimiter
	session  *SessionRateLimiter
	disabled bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	var ip *IPRateLimiter
	var session *SessionRateLimiter

	if cfg.Connection.Enabled {
		ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}

	if cfg.Command.Enabled || cfg.Subscribe.Enabled {
		session = NewSessionRateLimiter(
			cfg.Command.Rate,
			cfg.Command.Burst,
			cfg.Subscribe.Rate,
			cfg.Subscribe.Burst,
		)
	}

	return &Manager{
		config:  cfg,
		ip:      ip,
		session: session,
	}
}

// AllowConnection checks if a new connection from the given address is allowed.
func (m *Manager) AllowConnection(addr net.Addr) bool {
	if m.disabled || m.ip == nil || !m.config.Connection.Enabled {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowCommand checks if an inbound command from the session is allowed.
func (m *Manager) AllowCommand(sessionID string) bool {
	if m.disabled || m.session == nil || !m.config.Command.Enabled {
		return true
	}
	return m.session.AllowCommand(sessionID)
}

// AllowSubscribe checks if a subscribe command from the session is allowed.
func (m *Manager) AllowSubscribe(sessionID string) bool {
	if m.disabled || m.session == nil || !m.config.Subscribe.Enabled {
		return true
	}
	return m.session.AllowSubscribe(sessionID)
}

// OnSessionClosed cleans up limiters for a closed session.
func (m *Manager) OnSessionClosed(sessionID string) {
	if m.disabled || m.session == nil {
		return
	}
	m.session.RemoveSession(sessionID)
}

// Stop stops the rate limiter manager and cleans up resources.
func (m *Manager) Stop() {
	if m.ip != nil {
		m.ip.Stop()
	}
}
