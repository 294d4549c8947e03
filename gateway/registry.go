// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/store"
)

// ChannelKind identifies what a subscription carries.
type ChannelKind string

const (
	KindTelemetry           ChannelKind = "telemetry"
	KindCameraBinary        ChannelKind = "camera-binary"
	KindPrecisionLandOutput ChannelKind = "precision-land-output"
	KindPrecisionLandStatus ChannelKind = "precision-land-status"
)

// SubscriptionKey uniquely identifies a subscription within one session.
// For camera kinds the entity is the camera stream, "droneID/camera".
type SubscriptionKey struct {
	EntityID string
	Kind     ChannelKind
}

// CameraEntityID builds the composite entity ID for a camera stream.
func CameraEntityID(droneID, camera string) string {
	return droneID + "/" + camera
}

// CancelHandle wraps a store cancellation so that "already cancelled" is a
// safe no-op by construction and can be asserted in tests.
type CancelHandle struct {
	once      sync.Once
	cancel    store.CancelFunc
	cancelled atomic.Bool
}

// NewCancelHandle wraps a raw cancel function.
func NewCancelHandle(cancel store.CancelFunc) *CancelHandle {
	return &CancelHandle{cancel: cancel}
}

// Cancel invokes the underlying cancellation exactly once. It may be called
// from the reader goroutine and session teardown concurrently.
func (h *CancelHandle) Cancel() {
	h.once.Do(func() {
		h.cancelled.Store(true)
		if h.cancel != nil {
			h.cancel()
		}
	})
}

// Cancelled reports whether Cancel has run.
func (h *CancelHandle) Cancelled() bool {
	return h.cancelled.Load()
}

// Subscription is one live registry entry. Optimizer is non-nil only for
// camera subscriptions.
type Subscription struct {
	Key       SubscriptionKey
	Handle    *CancelHandle
	Optimizer *FrameOptimizer
	CreatedAt time.Time
}

// Registry tracks the live subscriptions of a single session. It is owned
// exclusively by that session; no cross-session access ever happens, so a
// single mutex serializes the reader goroutine against store callbacks.
type Registry struct {
	mu     sync.Mutex
	subs   map[SubscriptionKey]*Subscription
	closed bool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		subs:   make(map[SubscriptionKey]*Subscription),
		logger: logger,
	}
}

// Has reports whether a subscription exists for the key.
func (r *Registry) Has(key SubscriptionKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[key]
	return ok
}

// Add stores a subscription. It reports false if the key is already present
// or the registry has been torn down; the caller must then cancel the
// subscription it tried to add (check Has first; Add is the backstop).
func (r *Registry) Add(sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, ok := r.subs[sub.Key]; ok {
		return false
	}
	r.subs[sub.Key] = sub
	return true
}

// Get returns the subscription for a key.
func (r *Registry) Get(key SubscriptionKey) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[key]
	return sub, ok
}

// Remove cancels and deletes the subscription for a key. A miss is reported
// to the caller, who logs it; it is never an error.
func (r *Registry) Remove(key SubscriptionKey) bool {
	r.mu.Lock()
	sub, ok := r.subs[key]
	if ok {
		delete(r.subs, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	sub.Handle.Cancel()
	return true
}

// CancelAll cancels every entry and empties the registry. Cleanup is
// best-effort per entry: a panicking cancel is logged and the remaining
// entries are still cancelled.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	r.closed = true
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[SubscriptionKey]*Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		r.cancelOne(sub)
	}
	return len(subs)
}

func (r *Registry) cancelOne(sub *Subscription) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscription cancel panicked",
				slog.String("entity_id", sub.Key.EntityID),
				slog.String("kind", string(sub.Key.Kind)),
				slog.Any("panic", rec))
		}
	}()
	sub.Handle.Cancel()
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// CameraSubscriptions returns the live camera entries, for metrics.
func (r *Registry) CameraSubscriptions() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.Optimizer != nil {
			out = append(out, sub)
		}
	}
	return out
}
