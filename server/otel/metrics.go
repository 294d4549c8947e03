// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the realtime gateway.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	framesDelivered     metric.Int64Counter
	framesSkipped       metric.Int64Counter
	frameBytes          metric.Int64Counter
	commandsTotal       metric.Int64Counter
	errorsTotal         metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent  metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter

	// Histograms
	frameSize       metric.Int64Histogram
	commandDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("realtime-gateway"),
	}

	var err error

	m.connectionsTotal, err = m.meter.Int64Counter(
		"gateway.connections.total",
		metric.WithDescription("Total number of WebSocket connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsTotal counter: %w", err)
	}

	m.disconnectionsTotal, err = m.meter.Int64Counter(
		"gateway.disconnections.total",
		metric.WithDescription("Total number of WebSocket disconnections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create disconnectionsTotal counter: %w", err)
	}

	m.framesDelivered, err = m.meter.Int64Counter(
		"gateway.frames.delivered.total",
		metric.WithDescription("Camera frames delivered to clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create framesDelivered counter: %w", err)
	}

	m.framesSkipped, err = m.meter.Int64Counter(
		"gateway.frames.skipped.total",
		metric.WithDescription("Camera frames dropped by per-subscription rate limiting"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create framesSkipped counter: %w", err)
	}

	m.frameBytes, err = m.meter.Int64Counter(
		"gateway.frames.bytes.total",
		metric.WithDescription("Total camera frame bytes delivered"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create frameBytes counter: %w", err)
	}

	m.commandsTotal, err = m.meter.Int64Counter(
		"gateway.commands.total",
		metric.WithDescription("Outbound drone commands by delivery status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandsTotal counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"gateway.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"gateway.connections.current",
		metric.WithDescription("Current number of active WebSocket sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"gateway.subscriptions.active",
		metric.WithDescription("Number of active channel subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.frameSize, err = m.meter.Int64Histogram(
		"gateway.frame.size.bytes",
		metric.WithDescription("Delivered frame payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create frameSize histogram: %w", err)
	}

	m.commandDuration, err = m.meter.Float64Histogram(
		"gateway.command.duration.ms",
		metric.WithDescription("Command dispatch duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records a new authenticated session.
func (m *Metrics) RecordConnection() {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a session ending.
func (m *Metrics) RecordDisconnection() {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, -1)
}

// RecordSubscriptionAdded records a new channel subscription.
func (m *Metrics) RecordSubscriptionAdded(kind string) {
	m.subscriptionsActive.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordSubscriptionsRemoved records n subscriptions going away.
func (m *Metrics) RecordSubscriptionsRemoved(n int64) {
	m.subscriptionsActive.Add(context.Background(), -n)
}

// RecordFrameDelivered records one camera frame shipped to a client.
func (m *Metrics) RecordFrameDelivered(sizeBytes int64, transport string) {
	ctx := context.Background()
	m.framesDelivered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
	))
	m.frameBytes.Add(ctx, sizeBytes)
	m.frameSize.Record(ctx, sizeBytes)
}

// RecordFrameSkipped records one frame dropped by rate limiting.
func (m *Metrics) RecordFrameSkipped() {
	m.framesSkipped.Add(context.Background(), 1)
}

// RecordCommand records an outbound command by delivery status.
func (m *Metrics) RecordCommand(status string, durationMs float64) {
	ctx := context.Background()
	m.commandsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	m.commandDuration.Record(ctx, durationMs)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
