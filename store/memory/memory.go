// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process state store. It backs unit tests and
// single-node development runs; production deployments use store/redis.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/store"
)

// Store is an in-memory key-value cache plus pub/sub engine implementing
// store.Store.
type Store struct {
	mu     sync.RWMutex
	data   map[string][]byte
	subs   map[string]chan []byte
	hub    *store.Hub
	closed bool
	wg     sync.WaitGroup
}

// New creates an empty in-memory store.
func New() *Store {
	s := &Store{
		data: make(map[string][]byte),
		subs: make(map[string]chan []byte),
	}
	s.hub = store.NewHub(s)
	return s
}

// GetSnapshot implements store.Store.
func (s *Store) GetSnapshot(_ context.Context, droneID string) (*store.TelemetrySnapshot, bool) {
	s.mu.RLock()
	raw, ok := s.data[store.TelemetryKey(droneID)]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	var snap store.TelemetrySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

// GetLatestFrame implements store.Store.
func (s *Store) GetLatestFrame(_ context.Context, droneID, camera string) (*store.BinaryFrame, bool) {
	s.mu.RLock()
	raw, ok := s.data[store.CameraLatestKey(droneID, camera)]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	var frame store.BinaryFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, false
	}
	return &frame, true
}

// SetSnapshot caches a telemetry snapshot.
func (s *Store) SetSnapshot(snap *store.TelemetrySnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.set(store.TelemetryKey(snap.DroneID), raw)
	return nil
}

// SetLatestFrame caches the most recent frame for a camera.
func (s *Store) SetLatestFrame(frame *store.BinaryFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.set(store.CameraLatestKey(frame.DroneID, frame.Camera), raw)
	return nil
}

func (s *Store) set(key string, value []byte) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}

// Subscribe implements store.Store via the shared fan-out hub.
func (s *Store) Subscribe(channel string, handler func(payload []byte)) store.CancelFunc {
	return s.hub.Subscribe(channel, handler)
}

// Open implements store.Upstream: one delivery goroutine per channel, so
// handlers observe publishes in order.
func (s *Store) Open(channel string, deliver func(payload []byte)) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}, store.ErrClosed
	}
	ch := make(chan []byte, 256)
	s.subs[channel] = ch
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for payload := range ch {
			deliver(payload)
		}
	}()

	return func() {
		s.mu.Lock()
		if cur, ok := s.subs[channel]; ok && cur == ch {
			delete(s.subs, channel)
			close(ch)
		}
		s.mu.Unlock()
	}, nil
}

// Publish implements store.Store. Delivery is asynchronous; a subscriber that
// cannot keep up loses the oldest queued payloads rather than blocking the
// publisher.
func (s *Store) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return store.ErrClosed
	}
	ch, ok := s.subs[channel]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	select {
	case ch <- payload:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.hub.Close()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for channel, ch := range s.subs {
		delete(s.subs, channel)
		close(ch)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
