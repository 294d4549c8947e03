// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

// Package command routes outbound drone commands. Two classes share the same
// channel with different durability contracts: best-effort manual control is
// published immediately and a failure is only logged, while critical
// mission/state-changing commands are durably recorded first and a publish
// failure after recording is reported as a distinct non-fatal status.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/store"
)

// Status is the outcome of a dispatch.
type Status string

const (
	// StatusDelivered means the command reached the command channel.
	StatusDelivered Status = "delivered"

	// StatusRecordedNotDelivered means a critical command was durably
	// recorded but real-time delivery failed. Not a plain success, not a
	// plain failure.
	StatusRecordedNotDelivered Status = "recorded_not_delivered"

	// StatusFailed means the command was neither delivered nor recorded.
	StatusFailed Status = "failed"
)

// ErrNotRecorded indicates a critical command could not be durably recorded.
var ErrNotRecorded = errors.New("command not recorded")

// Command is one outbound drone command.
type Command struct {
	DroneID     string
	CommandType string
	Payload     json.RawMessage
	Critical    bool
	IssuedBy    string
}

// wireCommand is the JSON shape published on the command channel.
type wireCommand struct {
	CommandType string          `json:"commandType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	IssuedBy    string          `json:"issuedBy"`
	Timestamp   int64           `json:"timestamp"`
}

// BreakerSettings configures the publish circuit breaker.
type BreakerSettings struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// Dispatcher publishes commands through the state store with a circuit
// breaker in front, so a dead backend fast-fails instead of stacking up
// publish attempts.
type Dispatcher struct {
	publisher store.Store
	audit     *AuditLog
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. audit may be nil, in which case
// critical commands fail outright (there is nowhere to record them).
func NewDispatcher(publisher store.Store, audit *AuditLog, settings BreakerSettings, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "command-publish",
		MaxRequests: 1,
		Timeout:     settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("command publish breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Dispatcher{
		publisher: publisher,
		audit:     audit,
		breaker:   breaker,
		logger:    logger,
	}
}

// Dispatch routes one command according to its class and returns the
// delivery status. Only an unrecordable critical command returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Status, error) {
	payload, err := json.Marshal(wireCommand{
		CommandType: cmd.CommandType,
		Payload:     cmd.Payload,
		IssuedBy:    cmd.IssuedBy,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		return StatusFailed, fmt.Errorf("failed to encode command: %w", err)
	}

	if cmd.Critical {
		return d.dispatchCritical(ctx, cmd, payload)
	}
	return d.dispatchBestEffort(ctx, cmd, payload), nil
}

// dispatchBestEffort favors latency over durability: a publish failure is
// logged, never escalated.
func (d *Dispatcher) dispatchBestEffort(ctx context.Context, cmd Command, payload []byte) Status {
	if err := d.publish(ctx, cmd.DroneID, payload); err != nil {
		d.logger.Warn("best-effort command publish failed",
			slog.String("drone_id", cmd.DroneID),
			slog.String("command_type", cmd.CommandType),
			slog.String("error", err.Error()))
		return StatusFailed
	}
	return StatusDelivered
}

// dispatchCritical records first, then publishes. Recorded-but-undelivered
// is a distinct status so callers never mistake it for full success.
func (d *Dispatcher) dispatchCritical(ctx context.Context, cmd Command, payload []byte) (Status, error) {
	if d.audit == nil {
		return StatusFailed, fmt.Errorf("%w: no audit log configured", ErrNotRecorded)
	}

	rec := &Record{
		DroneID:     cmd.DroneID,
		CommandType: cmd.CommandType,
		Payload:     cmd.Payload,
		IssuedBy:    cmd.IssuedBy,
	}
	if err := d.audit.Append(rec); err != nil {
		return StatusFailed, fmt.Errorf("%w: %v", ErrNotRecorded, err)
	}

	if err := d.publish(ctx, cmd.DroneID, payload); err != nil {
		d.logger.Warn("critical command recorded but not delivered",
			slog.String("drone_id", cmd.DroneID),
			slog.String("command_type", cmd.CommandType),
			slog.Uint64("seq", rec.Seq),
			slog.String("error", err.Error()))
		return StatusRecordedNotDelivered, nil
	}

	return StatusDelivered, nil
}

func (d *Dispatcher) publish(ctx context.Context, droneID string, payload []byte) error {
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.publisher.Publish(ctx, store.CommandChannel(droneID), payload)
	})
	return err
}
