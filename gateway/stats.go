// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync/atomic"
	"time"
)

// Stats tracks gateway counters. Cheap atomic mirrors of the OTel
// instruments, served by the health endpoint.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections   atomic.Uint64
	currentConnections atomic.Uint64
	disconnections     atomic.Uint64

	// Subscription stats
	subscriptions       atomic.Uint64
	unsubscriptions     atomic.Uint64
	activeSubscriptions atomic.Int64

	// Frame stats
	framesDelivered atomic.Uint64
	framesSkipped   atomic.Uint64
	frameBytes      atomic.Uint64

	// Command stats
	commandsDispatched atomic.Uint64

	// Error stats
	authErrors     atomic.Uint64
	protocolErrors atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(^uint64(0))
	s.disconnections.Add(1)
}

func (s *Stats) IncrementSubscriptions() {
	s.subscriptions.Add(1)
	s.activeSubscriptions.Add(1)
}

func (s *Stats) DecrementSubscriptions(n int64) {
	s.unsubscriptions.Add(uint64(n))
	s.activeSubscriptions.Add(-n)
}

func (s *Stats) IncrementFramesDelivered(bytes int) {
	s.framesDelivered.Add(1)
	s.frameBytes.Add(uint64(bytes))
}

func (s *Stats) IncrementFramesSkipped() {
	s.framesSkipped.Add(1)
}

func (s *Stats) IncrementCommandsDispatched() {
	s.commandsDispatched.Add(1)
}

func (s *Stats) IncrementAuthErrors() {
	s.authErrors.Add(1)
}

func (s *Stats) IncrementProtocolErrors() {
	s.protocolErrors.Add(1)
}

func (s *Stats) GetTotalConnections() uint64   { return s.totalConnections.Load() }
func (s *Stats) GetCurrentConnections() uint64 { return s.currentConnections.Load() }
func (s *Stats) GetDisconnections() uint64     { return s.disconnections.Load() }
func (s *Stats) GetActiveSubscriptions() int64 { return s.activeSubscriptions.Load() }
func (s *Stats) GetFramesDelivered() uint64    { return s.framesDelivered.Load() }
func (s *Stats) GetFramesSkipped() uint64      { return s.framesSkipped.Load() }
func (s *Stats) GetFrameBytes() uint64         { return s.frameBytes.Load() }
func (s *Stats) GetCommandsDispatched() uint64 { return s.commandsDispatched.Load() }
func (s *Stats) GetAuthErrors() uint64         { return s.authErrors.Load() }
func (s *Stats) GetProtocolErrors() uint64     { return s.protocolErrors.Load() }

// Uptime returns the time since the gateway started.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}
