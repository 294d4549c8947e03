// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/command"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/store"
)

// handleMessage dispatches one inbound text message. Faults are reported as
// error events on the session; only transport failures close the connection.
func (g *Gateway) handleMessage(ctx context.Context, s *Session, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.stats.IncrementProtocolErrors()
		if g.metrics != nil {
			g.metrics.RecordError("bad_message")
		}
		s.Send(errorEvent(CodeBadMessage, "malformed message"))
		return
	}

	// Every inbound command draws from the per-session command budget;
	// subscribe commands additionally pass the subscription limiter.
	if !g.limiter.AllowCommand(s.ID) {
		if g.metrics != nil {
			g.metrics.RecordError("rate_limited")
		}
		s.Send(errorEvent(CodeRateLimited, "command rate limit exceeded"))
		return
	}

	switch env.Type {
	case CmdSubscribeDrone:
		g.handleSubscribeDrone(ctx, s, raw)
	case CmdUnsubscribeDrone:
		g.handleUnsubscribeDrone(s, raw)
	case CmdSubscribeCameraBinary:
		g.handleSubscribeCamera(ctx, s, raw)
	case CmdUnsubscribeCameraBinary:
		g.handleUnsubscribeCamera(s, raw)
	case CmdUpdateOptimization:
		g.handleUpdateOptimization(s, raw)
	case CmdGetCameraMetrics:
		g.handleGetCameraMetrics(s)
	case CmdSubscribePrecisionLand:
		g.handleSubscribePrecisionLand(s, raw)
	case CmdUnsubscribePrecisionLand:
		g.handleUnsubscribePrecisionLand(s, raw)
	case CmdPing:
		g.handlePing(s, raw)
	case CmdDroneCommand:
		g.handleDroneCommand(ctx, s, raw)
	default:
		g.stats.IncrementProtocolErrors()
		if g.metrics != nil {
			g.metrics.RecordError("unknown_command")
		}
		s.Send(errorEvent(CodeInvalidRequest, "unknown command type %q", env.Type))
	}
}

// allowSubscribe applies the per-session subscription rate limit.
func (g *Gateway) allowSubscribe(s *Session) bool {
	if g.limiter.AllowSubscribe(s.ID) {
		return true
	}
	s.Send(errorEvent(CodeRateLimited, "subscription rate limit exceeded"))
	return false
}

func (g *Gateway) handleSubscribeDrone(ctx context.Context, s *Session, raw []byte) {
	var cmd subscribeDroneCmd
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.DroneID == "" {
		s.Send(errorEvent(CodeInvalidRequest, "subscribe_drone requires droneId"))
		return
	}
	if !g.allowSubscribe(s) {
		return
	}

	key := SubscriptionKey{EntityID: cmd.DroneID, Kind: KindTelemetry}
	channel := store.TelemetryChannel(cmd.DroneID)
	if s.Registry().Has(key) {
		s.Send(SubscriptionStatusEvent{
			Type:     EvtSubscriptionStatus,
			EntityID: cmd.DroneID,
			Channel:  channel,
			Status:   StatusAlreadySubscribed,
		})
		return
	}

	// Initial state is delivered before live updates start. A drone the
	// store has never seen gets a disconnected placeholder, not an error.
	snapshot, ok := g.store.GetSnapshot(ctx, cmd.DroneID)
	if !ok {
		snapshot = store.Placeholder(cmd.DroneID)
	}
	s.Send(DroneStateEvent{
		Type:     EvtDroneState,
		EntityID: cmd.DroneID,
		Kind:     "initial",
		Data:     snapshot,
	})

	droneID := cmd.DroneID
	cancel := g.store.Subscribe(channel, func(payload []byte) {
		var update store.TelemetrySnapshot
		if err := json.Unmarshal(payload, &update); err != nil {
			g.logger.Debug("dropping malformed telemetry update",
				slog.String("drone_id", droneID),
				slog.String("error", err.Error()))
			return
		}
		if update.DroneID == "" {
			update.DroneID = droneID
		}
		s.Send(DroneStateEvent{
			Type:     EvtDroneState,
			EntityID: droneID,
			Kind:     "update",
			Data:     &update,
		})
	})

	g.completeSubscribe(s, &Subscription{
		Key:       key,
		Handle:    NewCancelHandle(cancel),
		CreatedAt: time.Now(),
	}, channel)
}

func (g *Gateway) handleUnsubscribeDrone(s *Session, raw []byte) {
	var cmd subscribeDroneCmd
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.DroneID == "" {
		s.Send(errorEvent(CodeInvalidRequest, "unsubscribe_drone requires droneId"))
		return
	}

	key := SubscriptionKey{EntityID: cmd.DroneID, Kind: KindTelemetry}
	g.completeUnsubscribe(s, key, store.TelemetryChannel(cmd.DroneID))
}

func (g *Gateway) handleSubscribeCamera(ctx context.Context, s *Session, raw []byte) {
	var cmd subscribeCameraCmd
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.DroneID == "" || cmd.Camera == "" {
		s.Send(errorEvent(CodeInvalidRequest, "subscribe_camera_binary requires droneId and camera"))
		return
	}
	if cmd.MaxFPS < 0 {
		s.Send(errorEvent(CodeInvalidRequest, "maxFps must be positive"))
		return
	}
	if cmd.Quality != "" && !validQuality(cmd.Quality) {
		s.Send(errorEvent(CodeInvalidRequest, "unknown quality %q", cmd.Quality))
		return
	}
	if cmd.Transport != "" && cmd.Transport != TransportBinary && cmd.Transport != TransportJSON {
		s.Send(errorEvent(CodeInvalidRequest, "unknown transport %q", cmd.Transport))
		return
	}
	if !g.allowSubscribe(s) {
		return
	}

	entityID := CameraEntityID(cmd.DroneID, cmd.Camera)
	key := SubscriptionKey{EntityID: entityID, Kind: KindCameraBinary}
	channel := store.CameraStreamChannel(cmd.DroneID, cmd.Camera)
	if s.Registry().Has(key) {
		s.Send(SubscriptionStatusEvent{
			Type:     EvtSubscriptionStatus,
			EntityID: entityID,
			Channel:  channel,
			Status:   StatusAlreadySubscribed,
		})
		return
	}

	optCfg := OptimizerConfig{
		Transport:  cmd.Transport,
		Quality:    cmd.Quality,
		MaxFPS:     cmd.MaxFPS,
		Adaptive:   g.camera.AdaptiveQuality,
		Decompress: g.camera.DecompressionEnabled,
	}
	if optCfg.Transport == "" {
		optCfg.Transport = g.camera.DefaultTransport
	}
	if optCfg.Quality == "" {
		optCfg.Quality = g.camera.DefaultQuality
	}
	if optCfg.MaxFPS <= 0 {
		optCfg.MaxFPS = g.camera.DefaultMaxFPS
	}
	optimizer := NewFrameOptimizer(optCfg, time.Now())

	sub := &Subscription{
		Key:       key,
		Optimizer: optimizer,
		CreatedAt: time.Now(),
	}

	droneID, camera := cmd.DroneID, cmd.Camera
	cancel := g.store.Subscribe(channel, func(payload []byte) {
		var frame store.BinaryFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			g.logger.Debug("dropping malformed camera frame",
				slog.String("drone_id", droneID),
				slog.String("camera", camera),
				slog.String("error", err.Error()))
			return
		}
		g.deliverFrame(s, optimizer, droneID, camera, &frame)
	})
	sub.Handle = NewCancelHandle(cancel)

	// A cached last frame gives the client an image immediately instead of
	// a blank stream until the next publish.
	if frame, ok := g.store.GetLatestFrame(ctx, droneID, camera); ok {
		g.deliverFrame(s, optimizer, droneID, camera, frame)
	}

	g.completeSubscribe(s, sub, channel)
}

func (g *Gateway) handleUnsubscribeCamera(s *Session, raw []byte) {
	var cmd unsubscribeCameraCmd
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.DroneID == "" || cmd.Camera == "" {
		s.Send(errorEvent(CodeInvalidRequest, "unsubscribe_camera_binary requires droneId and camera"))
		return
	}

	entityID := CameraEntityID(cmd.DroneID, cmd.Camera)
	key := SubscriptionKey{EntityID: entityID, Kind: KindCameraBinary}
	g.completeUnsubscribe(s, key, store.CameraStreamChannel(cmd.DroneID, cmd.Camera))
}

// deliverFrame runs a frame through the subscription's optimizer and ships
// whatever survives, on whichever transport the optimizer currently selects.
func (g *Gateway) deliverFrame(s *Session, optimizer *FrameOptimizer, droneID, camera string, frame *store.BinaryFrame) {
	delivery := optimizer.Process(frame, time.Now())
	if delivery == nil {
		g.stats.IncrementFramesSkipped()
		if g.metrics != nil {
			g.metrics.RecordFrameSkipped()
		}
		return
	}

	if delivery.Transport == TransportBinary {
		header := BinaryFrameHeader{
			Type:           EvtCameraFrameBinary,
			DroneID:        droneID,
			Camera:         camera,
			Timestamp:      frame.Timestamp,
			FrameNumber:    frame.FrameNumber,
			Quality:        delivery.Quality,
			Transport:      delivery.Transport,
			FrameCount:     delivery.FrameCount,
			SkipCount:      delivery.SkipCount,
			Decompressed:   delivery.Decompressed,
			OriginalSize:   frame.OriginalSize,
			CompressedSize: frame.CompressedSize,
			Metadata:       frame.Metadata,
		}
		msg, err := EncodeBinaryFrame(header, delivery.Payload)
		if err == nil {
			if s.SendBinary(msg) {
				g.stats.IncrementFramesDelivered(len(delivery.Payload))
				if g.metrics != nil {
					g.metrics.RecordFrameDelivered(int64(len(delivery.Payload)), TransportBinary)
				}
			}
			return
		}
		g.logger.Warn("binary frame encoding failed, falling back to json",
			slog.String("drone_id", droneID),
			slog.String("camera", camera),
			slog.String("error", err.Error()))
	}

	if s.Send(CameraFrameEvent{
		Type:         EvtCameraFrame,
		DroneID:      droneID,
		Camera:       camera,
		Timestamp:    frame.Timestamp,
		FrameNumber:  frame.FrameNumber,
		Frame:        delivery.Payload,
		Quality:      delivery.Quality,
		Transport:    TransportJSON,
		FrameCount:   delivery.FrameCount,
		SkipCount:    delivery.SkipCount,
		Decompressed: delivery.Decompressed,
		OriginalSize: frame.OriginalSize,
		Metadata:     frame.Metadata,
	}) {
		g.stats.IncrementFramesDelivered(len(delivery.Payload))
		if g.metrics != nil {
			g.metrics.RecordFrameDelivered(int64(len(delivery.Payload)), TransportJSON)
		}
	}
}

func (g *Gateway) handleUpdateOptimization(s *Session, raw []byte) {
	var cmd updateOptimizationCmd
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.DroneID == "" || cmd.Camera == "" {
		s.Send(errorEvent(CodeInvalidRequest, "update_frame_optimization requires droneId and camera"))
		return
	}

	key := SubscriptionKey{
		EntityID: CameraEntityID(cmd.DroneID, cmd.Camera),
		Kind:     KindCameraBinary,
	}
	sub, ok := s.Registry().Get(key)
	if !ok {
		s.Send(errorEvent(CodeInvalidRequest,
			"no active camera subscription for %s/%s", cmd.DroneID, cmd.Camera))
		return
	}

	if cmd.Quality != nil && !validQuality(*cmd.Quality) {
		s.Send(errorEvent(CodeInvalidRequest, "unknown quality %q", *cmd.Quality))
		return
	}
	if cmd.MaxFPS != nil && *cmd.MaxFPS <= 0 {
		s.Send(errorEvent(CodeInvalidRequest, "maxFps must be positive"))
		return
	}

	sub.Optimizer.Update(cmd.Quality, cmd.Transport, cmd.MaxFPS, cmd.AdaptiveQuality)
}

func validQuality(q string) bool {
	return q == QualityHigh || q == QualityMedium || q == QualityLow
}

func (g *Gateway) handleGetCameraMetrics(s *Session) {
	now := time.Now()
	subs := s.Registry().CameraSubscriptions()

	metrics := make([]CameraMetrics, 0, len(subs))
	for _, sub := range subs {
		droneID, camera, _ := strings.Cut(sub.Key.EntityID, "/")
		metrics = append(metrics, sub.Optimizer.Metrics(droneID, camera, now))
	}

	s.Send(CameraMetricsEvent{
		Type:    EvtCameraMetrics,
		Metrics: metrics,
	})
}

// handleSubscribePrecisionLand subscribes both the controller output and
// status channels for a drone as a pair; unsubscribe tears down both.
func (g *Gateway) handleSubscribePrecisionLand(s *Session, raw []byte) {
	var cmd subscribeDroneCmd
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.DroneID == "" {
		s.Send(errorEvent(CodeInvalidRequest, "subscribe_precision_land requires droneId"))
		return
	}
	if !g.allowSubscribe(s) {
		return
	}

	outputKey := SubscriptionKey{EntityID: cmd.DroneID, Kind: KindPrecisionLandOutput}
	outputChannel := store.PrecisionLandOutputChannel(cmd.DroneID)
	if s.Registry().Has(outputKey) {
		s.Send(SubscriptionStatusEvent{
			Type:     EvtSubscriptionStatus,
			EntityID: cmd.DroneID,
			Channel:  outputChannel,
			Status:   StatusAlreadySubscribed,
		})
		return
	}

	droneID := cmd.DroneID
	relay := func(eventType, entityID string) func([]byte) {
		return func(payload []byte) {
			s.Send(PrecisionLandEvent{
				Type:     eventType,
				EntityID: entityID,
				Data:     json.RawMessage(payload),
			})
		}
	}

	outputCancel := g.store.Subscribe(outputChannel, relay(EvtPrecisionLandOutput, droneID))
	statusCancel := g.store.Subscribe(
		store.PrecisionLandStatusChannel(droneID), relay(EvtPrecisionLandStatus, droneID))

	now := time.Now()
	g.completeSubscribe(s, &Subscription{
		Key:       outputKey,
		Handle:    NewCancelHandle(outputCancel),
		CreatedAt: now,
	}, outputChannel)

	statusSub := &Subscription{
		Key:       SubscriptionKey{EntityID: droneID, Kind: KindPrecisionLandStatus},
		Handle:    NewCancelHandle(statusCancel),
		CreatedAt: now,
	}
	if !s.Registry().Add(statusSub) {
		statusSub.Handle.Cancel()
		return
	}
	g.stats.IncrementSubscriptions()
	if g.metrics != nil {
		g.metrics.RecordSubscriptionAdded(string(KindPrecisionLandStatus))
	}
}

func (g *Gateway) handleUnsubscribePrecisionLand(s *Session, raw []byte) {
	var cmd subscribeDroneCmd
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.DroneID == "" {
		s.Send(errorEvent(CodeInvalidRequest, "unsubscribe_precision_land requires droneId"))
		return
	}

	statusKey := SubscriptionKey{EntityID: cmd.DroneID, Kind: KindPrecisionLandStatus}
	if s.Registry().Remove(statusKey) {
		g.stats.DecrementSubscriptions(1)
	}

	outputKey := SubscriptionKey{EntityID: cmd.DroneID, Kind: KindPrecisionLandOutput}
	g.completeUnsubscribe(s, outputKey, store.PrecisionLandOutputChannel(cmd.DroneID))
}

// handlePing answers with both timestamps. Round-trip time is computed from
// the client clock and reported as-is; skew is the client's to interpret. A
// ping carrying no timestamp at all gets round-trip time zero.
func (g *Gateway) handlePing(s *Session, raw []byte) {
	var cmd pingCmd
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.Send(errorEvent(CodeInvalidRequest, "malformed ping"))
		return
	}

	now := time.Now().UnixMilli()
	var clientTS, rtt int64
	if cmd.Timestamp != nil {
		clientTS = *cmd.Timestamp
		rtt = now - clientTS
	}
	s.Send(PongEvent{
		Type:            EvtPong,
		Timestamp:       clientTS,
		ServerTimestamp: now,
		RoundTripTime:   rtt,
	})
}

func (g *Gateway) handleDroneCommand(ctx context.Context, s *Session, raw []byte) {
	var cmd droneCommandCmd
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.DroneID == "" || cmd.CommandType == "" {
		s.Send(errorEvent(CodeInvalidRequest, "drone_command requires droneId and commandType"))
		return
	}
	started := time.Now()
	status, err := g.dispatcher.Dispatch(ctx, command.Command{
		DroneID:     cmd.DroneID,
		CommandType: cmd.CommandType,
		Payload:     cmd.Payload,
		Critical:    cmd.Critical,
		IssuedBy:    s.Identity.ID,
	})
	if err != nil && !errors.Is(err, command.ErrNotRecorded) {
		g.logger.Error("command dispatch failed",
			slog.String("drone_id", cmd.DroneID),
			slog.String("command_type", cmd.CommandType),
			slog.String("error", err.Error()))
	}
	g.stats.IncrementCommandsDispatched()
	if g.metrics != nil {
		g.metrics.RecordCommand(string(status),
			float64(time.Since(started).Microseconds())/1000.0)
	}

	s.Send(CommandAckEvent{
		Type:        EvtCommandAck,
		DroneID:     cmd.DroneID,
		CommandType: cmd.CommandType,
		Status:      string(status),
	})
}

// completeSubscribe registers the subscription and acknowledges it. A
// registration refused by the registry (session torn down mid-subscribe)
// cancels the upstream handler instead of leaking it.
func (g *Gateway) completeSubscribe(s *Session, sub *Subscription, channel string) {
	if !s.Registry().Add(sub) {
		sub.Handle.Cancel()
		return
	}
	g.stats.IncrementSubscriptions()
	if g.metrics != nil {
		g.metrics.RecordSubscriptionAdded(string(sub.Key.Kind))
	}

	s.Send(SubscriptionStatusEvent{
		Type:     EvtSubscriptionStatus,
		EntityID: sub.Key.EntityID,
		Channel:  channel,
		Status:   StatusSubscribed,
	})
}

// completeUnsubscribe removes a subscription and acknowledges the removal.
// Unsubscribing something never subscribed is acknowledged the same way; the
// end state is identical.
func (g *Gateway) completeUnsubscribe(s *Session, key SubscriptionKey, channel string) {
	if s.Registry().Remove(key) {
		g.stats.DecrementSubscriptions(1)
		if g.metrics != nil {
			g.metrics.RecordSubscriptionsRemoved(1)
		}
	} else {
		g.logger.Debug("unsubscribe for unknown subscription",
			slog.String("entity_id", key.EntityID),
			slog.String("kind", string(key.Kind)))
	}

	s.Send(SubscriptionStatusEvent{
		Type:     EvtSubscriptionStatus,
		EntityID: key.EntityID,
		Channel:  channel,
		Status:   StatusUnsubscribed,
	})
}
