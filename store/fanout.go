// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"sort"
	"sync"
)

// Upstream opens at most one backend subscription per channel on behalf of
// the Hub. The deliver callback must be invoked sequentially, in publish
// order, from a single goroutine per channel.
type Upstream interface {
	Open(channel string, deliver func(payload []byte)) (close func(), err error)
}

// Hub is a reference-counted fan-out: many gateway sessions interested in the
// same channel share a single upstream subscription. The first handler opens
// the upstream subscription, the last cancellation closes it. This replaces
// the one-upstream-subscription-per-session approach, which multiplies
// backend subscriptions linearly with connected dashboards.
type Hub struct {
	mu       sync.Mutex
	upstream Upstream
	channels map[string]*hubChannel
	closed   bool
}

type hubChannel struct {
	handlers map[uint64]func(payload []byte)
	nextID   uint64
	close    func()
}

// NewHub creates a fan-out hub over the given upstream.
func NewHub(upstream Upstream) *Hub {
	return &Hub{
		upstream: upstream,
		channels: make(map[string]*hubChannel),
	}
}

// Subscribe registers a handler for a channel, opening the upstream
// subscription if this is the first interested party. The returned CancelFunc
// is idempotent. A race between cancellation and an in-flight delivery may
// result in at most one extra handler invocation, never a leaked upstream
// subscription.
func (h *Hub) Subscribe(channel string, handler func(payload []byte)) CancelFunc {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return func() {}
	}

	ch, ok := h.channels[channel]
	if !ok {
		ch = &hubChannel{handlers: make(map[uint64]func(payload []byte))}
		h.channels[channel] = ch
	}

	// A nil close means the upstream open failed. The registration is kept
	// and the open retried on each new subscribe until the backend answers.
	if ch.close == nil {
		closeFn, err := h.upstream.Open(channel, func(payload []byte) {
			h.dispatch(channel, payload)
		})
		if err == nil {
			ch.close = closeFn
		}
	}

	id := ch.nextID
	ch.nextID++
	ch.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			h.remove(channel, id)
		})
	}
}

func (h *Hub) remove(channel string, id uint64) {
	h.mu.Lock()
	ch, ok := h.channels[channel]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(ch.handlers, id)
	var closeFn func()
	if len(ch.handlers) == 0 {
		closeFn = ch.close
		delete(h.channels, channel)
	}
	h.mu.Unlock()

	if closeFn != nil {
		closeFn()
	}
}

// dispatch fans one payload out to every registered handler. Handlers run on
// the upstream delivery goroutine, so per-channel ordering is preserved.
func (h *Hub) dispatch(channel string, payload []byte) {
	h.mu.Lock()
	ch, ok := h.channels[channel]
	if !ok {
		h.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(ch.handlers))
	for id := range ch.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func([]byte), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, ch.handlers[id])
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(payload)
	}
}

// Subscribers returns the number of handlers registered for a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[channel]; ok {
		return len(ch.handlers)
	}
	return 0
}

// Channels returns the number of live upstream subscriptions.
func (h *Hub) Channels() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// Close tears down every upstream subscription. Subsequent Subscribe calls
// return no-op cancellations.
func (h *Hub) Close() {
	h.mu.Lock()
	closers := make([]func(), 0, len(h.channels))
	for _, ch := range h.channels {
		if ch.close != nil {
			closers = append(closers, ch.close)
		}
	}
	h.channels = make(map[string]*hubChannel)
	h.closed = true
	h.mu.Unlock()

	for _, fn := range closers {
		fn()
	}
}
