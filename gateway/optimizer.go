// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/store"
)

// Quality levels. Advisory metadata: the upstream encoder owns actual
// per-quality encoding, the optimizer only signals what it wants.
const (
	QualityHigh   = "high"
	QualityMedium = "medium"
	QualityLow    = "low"
)

// Transports.
const (
	TransportBinary = "binary"
	TransportJSON   = "json"
)

// Adaptive quality thresholds on the skip rate.
const (
	downgradeSkipRate = 0.10
	upgradeSkipRate   = 0.05
)

// OptimizerConfig holds the negotiated parameters of a camera subscription.
type OptimizerConfig struct {
	Transport  string
	Quality    string
	MaxFPS     int
	Adaptive   bool
	Decompress bool
}

// FrameOptimizer holds per-camera-subscription flow control state: rate
// limiting, adaptive quality selection, optional decompression and transport
// fallback. Counters are monotonic for the subscription's lifetime and reset
// only when the subscription is recreated.
//
// Frames are dropped, never buffered: loss is deterministic and bounded by
// MaxFPS, whereas a queue under a slow client would grow without limit.
type FrameOptimizer struct {
	mu sync.Mutex

	transport  string
	quality    string
	maxFPS     int
	adaptive   bool
	decompress bool

	lastFrameTime time.Time
	frameCount    uint64
	skipCount     uint64
	createdAt     time.Time
}

// Delivery is a frame that passed the optimizer, tagged with the
// subscription's current state for client-side diagnostics.
type Delivery struct {
	Payload      []byte
	Decompressed bool
	Quality      string
	Transport    string
	FrameCount   uint64
	SkipCount    uint64
}

// NewFrameOptimizer creates optimizer state for one camera subscription.
func NewFrameOptimizer(cfg OptimizerConfig, now time.Time) *FrameOptimizer {
	if cfg.MaxFPS <= 0 {
		cfg.MaxFPS = 30
	}
	if cfg.Quality == "" {
		cfg.Quality = QualityHigh
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportBinary
	}
	return &FrameOptimizer{
		transport:  cfg.Transport,
		quality:    cfg.Quality,
		maxFPS:     cfg.MaxFPS,
		adaptive:   cfg.Adaptive,
		decompress: cfg.Decompress,
		createdAt:  now,
	}
}

// Process runs one inbound frame through rate limiting, adaptive quality and
// decompression. It returns nil when the frame is dropped.
func (o *FrameOptimizer) Process(frame *store.BinaryFrame, now time.Time) *Delivery {
	o.mu.Lock()

	interval := time.Second / time.Duration(o.maxFPS)
	if !o.lastFrameTime.IsZero() && now.Sub(o.lastFrameTime) < interval {
		o.skipCount++
		o.mu.Unlock()
		return nil
	}
	o.lastFrameTime = now
	o.frameCount++

	if o.adaptive {
		skipRate := float64(o.skipCount) / float64(o.frameCount)
		switch {
		case skipRate > downgradeSkipRate && o.quality == QualityHigh:
			o.quality = QualityMedium
		case skipRate < upgradeSkipRate && o.quality == QualityMedium:
			o.quality = QualityHigh
		}
	}

	delivery := &Delivery{
		Payload:    frame.Frame,
		Quality:    o.quality,
		Transport:  o.transport,
		FrameCount: o.frameCount,
		SkipCount:  o.skipCount,
	}
	transport := o.transport
	decompress := o.decompress
	o.mu.Unlock()

	if transport == TransportBinary && decompress && frame.Metadata.Compressed {
		if raw, err := gunzip(frame.Frame); err == nil {
			delivery.Payload = raw
			delivery.Decompressed = true
		}
		// On failure the compressed payload is delivered as-is with
		// Decompressed=false; a bad frame is still better than no frame.
	}

	return delivery
}

// Update applies a partial parameter change. Counters are left untouched.
func (o *FrameOptimizer) Update(quality, transport *string, maxFPS *int, adaptive *bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if quality != nil {
		o.quality = *quality
	}
	if transport != nil {
		o.transport = *transport
	}
	if maxFPS != nil && *maxFPS > 0 {
		o.maxFPS = *maxFPS
	}
	if adaptive != nil {
		o.adaptive = *adaptive
	}
}

// Transport returns the current transport.
func (o *FrameOptimizer) Transport() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transport
}

// Quality returns the current quality level.
func (o *FrameOptimizer) Quality() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.quality
}

// Metrics returns a read-only view of the optimizer counters.
func (o *FrameOptimizer) Metrics(droneID, camera string, now time.Time) CameraMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()

	var skipRate float64
	if o.frameCount > 0 {
		skipRate = float64(o.skipCount) / float64(o.frameCount)
	}

	var estimated float64
	if elapsed := now.Sub(o.createdAt).Seconds(); elapsed > 0 {
		estimated = float64(o.frameCount) / elapsed
	}

	return CameraMetrics{
		DroneID:      droneID,
		Camera:       camera,
		FrameCount:   o.frameCount,
		SkipCount:    o.skipCount,
		SkipRate:     skipRate,
		Quality:      o.quality,
		Transport:    o.transport,
		EstimatedFPS: estimated,
	}
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
