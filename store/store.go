// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

// Package store defines the contract for the shared drone state store: a
// key-value snapshot cache plus a publish/subscribe primitive. The backing
// engine (Redis in production, an in-process map in tests) is constructed
// once per process and injected; sessions never open their own connections.
package store

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
)

// CancelFunc deregisters a subscription handler and releases the underlying
// subscription once the last handler for the channel is gone. Calling it more
// than once is a no-op.
type CancelFunc func()

// Store is the shared state store consumed by the gateway.
type Store interface {
	// GetSnapshot returns the latest cached telemetry for a drone.
	// It reports false when no snapshot exists or the backend is
	// unreachable; it never returns an error for "not found".
	GetSnapshot(ctx context.Context, droneID string) (*TelemetrySnapshot, bool)

	// GetLatestFrame returns the last cached binary frame for a camera.
	GetLatestFrame(ctx context.Context, droneID, camera string) (*BinaryFrame, bool)

	// Subscribe registers a handler invoked asynchronously, in publish
	// order, for every message on channel. The returned CancelFunc is
	// idempotent.
	Subscribe(channel string, handler func(payload []byte)) CancelFunc

	// Publish sends a payload on a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Ping reports backend reachability.
	Ping(ctx context.Context) error

	// Close releases the backend connection and stops all deliveries.
	Close() error
}

// TelemetrySnapshot is the latest known state of a drone as cached by the
// state store. Immutable per delivery; always derived fresh from the cache.
type TelemetrySnapshot struct {
	DroneID          string  `json:"droneId"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	AltitudeMSL      float64 `json:"altitude_msl"`
	AltitudeRelative float64 `json:"altitude_relative"`
	Armed            bool    `json:"armed"`
	FlightMode       string  `json:"flight_mode"`
	Connected        bool    `json:"connected"`
	Percentage       float64 `json:"percentage"`
	Timestamp        int64   `json:"timestamp"`
}

// Placeholder returns a snapshot for a drone the store knows nothing about.
func Placeholder(droneID string) *TelemetrySnapshot {
	return &TelemetrySnapshot{
		DroneID:   droneID,
		Connected: false,
		Timestamp: time.Now().UnixMilli(),
	}
}

// FrameMetadata carries encoder-side frame annotations.
type FrameMetadata struct {
	Compressed bool   `json:"compressed"`
	FrameType  string `json:"frameType,omitempty"`
	Quality    int    `json:"quality,omitempty"`
	FPS        int    `json:"fps,omitempty"`
}

// BinaryFrame is one camera frame as published by the camera pipeline.
// Ephemeral: produced upstream, consumed once per delivery.
type BinaryFrame struct {
	DroneID        string        `json:"droneId"`
	Camera         string        `json:"camera"`
	Timestamp      int64         `json:"timestamp"`
	FrameNumber    uint32        `json:"frameNumber"`
	Frame          []byte        `json:"frame"`
	OriginalSize   int           `json:"originalSize"`
	CompressedSize int           `json:"compressedSize"`
	Metadata       FrameMetadata `json:"metadata"`
}
