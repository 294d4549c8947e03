// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/store"
)

func testFrame(payload []byte, compressed bool) *store.BinaryFrame {
	return &store.BinaryFrame{
		DroneID:      "drone-001",
		Camera:       "front",
		Frame:        payload,
		OriginalSize: len(payload),
		Metadata:     store.FrameMetadata{Compressed: compressed},
	}
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestOptimizerRateLimiting(t *testing.T) {
	base := time.Now()
	o := NewFrameOptimizer(OptimizerConfig{MaxFPS: 10}, base)
	frame := testFrame([]byte("jpeg"), false)

	// 100 frames over one second at 1000fps input; 10fps output allows a
	// frame every 100ms.
	delivered := 0
	for i := 0; i < 100; i++ {
		now := base.Add(time.Duration(i) * 10 * time.Millisecond)
		if o.Process(frame, now) != nil {
			delivered++
		}
	}

	assert.Equal(t, 10, delivered)
	m := o.Metrics("drone-001", "front", base.Add(time.Second))
	assert.Equal(t, uint64(10), m.FrameCount)
	assert.Equal(t, uint64(90), m.SkipCount)
}

func TestOptimizerFirstFrameAlwaysDelivered(t *testing.T) {
	o := NewFrameOptimizer(OptimizerConfig{MaxFPS: 1}, time.Now())
	d := o.Process(testFrame([]byte("x"), false), time.Now())
	require.NotNil(t, d)
	assert.Equal(t, uint64(1), d.FrameCount)
	assert.Equal(t, uint64(0), d.SkipCount)
}

func TestOptimizerAdaptiveDowngradeAndRecovery(t *testing.T) {
	base := time.Now()
	o := NewFrameOptimizer(OptimizerConfig{
		MaxFPS:   10,
		Quality:  QualityHigh,
		Adaptive: true,
	}, base)
	frame := testFrame([]byte("jpeg"), false)

	// Overdriven input pushes the skip rate over the downgrade threshold.
	now := base
	for i := 0; i < 200; i++ {
		o.Process(frame, now)
		now = now.Add(10 * time.Millisecond)
	}
	assert.Equal(t, QualityMedium, o.Quality())

	// Slow, compliant input brings the cumulative skip rate back down and
	// the quality back up.
	for o.Quality() == QualityMedium {
		now = now.Add(time.Second)
		require.NotNil(t, o.Process(frame, now))
	}
	assert.Equal(t, QualityHigh, o.Quality())
}

func TestOptimizerAdaptiveDisabledKeepsQuality(t *testing.T) {
	base := time.Now()
	o := NewFrameOptimizer(OptimizerConfig{
		MaxFPS:   10,
		Quality:  QualityHigh,
		Adaptive: false,
	}, base)
	frame := testFrame([]byte("jpeg"), false)

	now := base
	for i := 0; i < 200; i++ {
		o.Process(frame, now)
		now = now.Add(10 * time.Millisecond)
	}
	assert.Equal(t, QualityHigh, o.Quality())
}

func TestOptimizerDecompression(t *testing.T) {
	raw := []byte("raw jpeg bytes")
	o := NewFrameOptimizer(OptimizerConfig{
		Transport:  TransportBinary,
		Decompress: true,
	}, time.Now())

	d := o.Process(testFrame(gzipBytes(t, raw), true), time.Now())
	require.NotNil(t, d)
	assert.True(t, d.Decompressed)
	assert.Equal(t, raw, d.Payload)
}

func TestOptimizerDecompressionFailureDeliversRaw(t *testing.T) {
	corrupt := []byte("not gzip at all")
	o := NewFrameOptimizer(OptimizerConfig{
		Transport:  TransportBinary,
		Decompress: true,
	}, time.Now())

	d := o.Process(testFrame(corrupt, true), time.Now())
	require.NotNil(t, d)
	assert.False(t, d.Decompressed)
	assert.Equal(t, corrupt, d.Payload)
}

func TestOptimizerNoDecompressionOnJSONTransport(t *testing.T) {
	compressed := gzipBytes(t, []byte("raw"))
	o := NewFrameOptimizer(OptimizerConfig{
		Transport:  TransportJSON,
		Decompress: true,
	}, time.Now())

	d := o.Process(testFrame(compressed, true), time.Now())
	require.NotNil(t, d)
	assert.False(t, d.Decompressed)
	assert.Equal(t, compressed, d.Payload)
}

func TestOptimizerUpdatePreservesCounters(t *testing.T) {
	base := time.Now()
	o := NewFrameOptimizer(OptimizerConfig{MaxFPS: 10}, base)
	frame := testFrame([]byte("jpeg"), false)

	now := base
	for i := 0; i < 50; i++ {
		o.Process(frame, now)
		now = now.Add(10 * time.Millisecond)
	}
	before := o.Metrics("drone-001", "front", now)
	require.Positive(t, before.FrameCount)

	quality := QualityLow
	maxFPS := 5
	o.Update(&quality, nil, &maxFPS, nil)

	after := o.Metrics("drone-001", "front", now)
	assert.Equal(t, before.FrameCount, after.FrameCount)
	assert.Equal(t, before.SkipCount, after.SkipCount)
	assert.Equal(t, QualityLow, after.Quality)
}

func TestOptimizerMetrics(t *testing.T) {
	base := time.Now()
	o := NewFrameOptimizer(OptimizerConfig{MaxFPS: 10, Quality: QualityHigh}, base)
	frame := testFrame([]byte("jpeg"), false)

	now := base
	for i := 0; i < 100; i++ {
		o.Process(frame, now)
		now = now.Add(10 * time.Millisecond)
	}

	m := o.Metrics("drone-001", "front", base.Add(time.Second))
	assert.Equal(t, "drone-001", m.DroneID)
	assert.Equal(t, "front", m.Camera)
	assert.InDelta(t, 9.0, m.SkipRate, 0.5)
	assert.InDelta(t, 10.0, m.EstimatedFPS, 1.0)
}

func TestBinaryFrameRoundTrip(t *testing.T) {
	header := BinaryFrameHeader{
		Type:        EvtCameraFrameBinary,
		DroneID:     "drone-001",
		Camera:      "front",
		FrameNumber: 42,
		Quality:     QualityHigh,
		Transport:   TransportBinary,
	}
	payload := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00}

	msg, err := EncodeBinaryFrame(header, payload)
	require.NoError(t, err)

	got, gotPayload, err := DecodeBinaryFrame(msg)
	require.NoError(t, err)
	assert.Equal(t, header, got)
	assert.Equal(t, payload, gotPayload)
}

func TestDecodeBinaryFrameRejectsTruncated(t *testing.T) {
	_, _, err := DecodeBinaryFrame([]byte{0x00, 0x01})
	assert.Error(t, err)

	// Header length pointing past the end of the message.
	_, _, err = DecodeBinaryFrame([]byte{0x00, 0x00, 0xff, 0xff, '{', '}'})
	assert.Error(t, err)
}
