// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/auth"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/store"
)

// Inbound command type tags. The set is closed: anything else is rejected
// with an INVALID_REQUEST error event.
const (
	CmdSubscribeDrone           = "subscribe_drone"
	CmdUnsubscribeDrone         = "unsubscribe_drone"
	CmdSubscribeCameraBinary    = "subscribe_camera_binary"
	CmdUnsubscribeCameraBinary  = "unsubscribe_camera_binary"
	CmdUpdateOptimization       = "update_frame_optimization"
	CmdGetCameraMetrics         = "get_camera_metrics"
	CmdSubscribePrecisionLand   = "subscribe_precision_land"
	CmdUnsubscribePrecisionLand = "unsubscribe_precision_land"
	CmdPing                     = "ping"
	CmdDroneCommand             = "drone_command"
)

// Outbound event type tags.
const (
	EvtConnectionStatus    = "connection_status"
	EvtSubscriptionStatus  = "subscription_status"
	EvtDroneState          = "drone_state"
	EvtCameraFrame         = "camera_frame"
	EvtCameraFrameBinary   = "camera_frame_binary"
	EvtCameraMetrics       = "camera_metrics"
	EvtPrecisionLandOutput = "precision_land_output"
	EvtPrecisionLandStatus = "precision_land_status"
	EvtPong                = "pong"
	EvtCommandAck          = "command_ack"
	EvtError               = "error"
)

// Error codes carried by error events.
const (
	CodeAuthFailed     = "AUTH_FAILED"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeBadMessage     = "BAD_MESSAGE"
	CodeRateLimited    = "RATE_LIMITED"
)

// Subscription status values.
const (
	StatusSubscribed        = "subscribed"
	StatusUnsubscribed      = "unsubscribed"
	StatusAlreadySubscribed = "already_subscribed"
)

// envelope is the common framing of every inbound text message.
type envelope struct {
	Type string `json:"type"`
}

// Inbound command payloads.

type subscribeDroneCmd struct {
	DroneID string `json:"droneId"`
}

type subscribeCameraCmd struct {
	DroneID   string `json:"droneId"`
	Camera    string `json:"camera"`
	Transport string `json:"transport"`
	Quality   string `json:"quality"`
	MaxFPS    int    `json:"maxFps"`
}

type unsubscribeCameraCmd struct {
	DroneID string `json:"droneId"`
	Camera  string `json:"camera"`
}

type updateOptimizationCmd struct {
	DroneID         string  `json:"droneId"`
	Camera          string  `json:"camera"`
	Quality         *string `json:"quality"`
	MaxFPS          *int    `json:"maxFps"`
	Transport       *string `json:"transport"`
	AdaptiveQuality *bool   `json:"adaptiveQuality"`
}

type pingCmd struct {
	Timestamp *int64 `json:"timestamp"`
}

type droneCommandCmd struct {
	DroneID     string          `json:"droneId"`
	CommandType string          `json:"commandType"`
	Payload     json.RawMessage `json:"payload"`
	Critical    bool            `json:"critical"`
}

// Outbound events.

// Capabilities describes the optimization features the gateway negotiated
// for a connection.
type Capabilities struct {
	BinaryFrames       bool `json:"binaryFrames"`
	AdaptiveQuality    bool `json:"adaptiveQuality"`
	FrameDecompression bool `json:"frameDecompression"`
	RateLimit          bool `json:"rateLimit"`
}

// ConnectionStatusEvent is emitted once when a session becomes active.
type ConnectionStatusEvent struct {
	Type         string         `json:"type"`
	Status       string         `json:"status"`
	SessionID    string         `json:"sessionId"`
	Identity     *auth.Identity `json:"identity"`
	Capabilities Capabilities   `json:"capabilities"`
	Timestamp    int64          `json:"timestamp"`
}

// SubscriptionStatusEvent acknowledges subscribe/unsubscribe commands.
type SubscriptionStatusEvent struct {
	Type     string `json:"type"`
	EntityID string `json:"entityId"`
	Channel  string `json:"channel"`
	Status   string `json:"status"`
}

// DroneStateEvent carries a telemetry snapshot to the client.
type DroneStateEvent struct {
	Type     string                   `json:"type"`
	EntityID string                   `json:"entityId"`
	Kind     string                   `json:"kind"` // initial, update
	Data     *store.TelemetrySnapshot `json:"data"`
}

// CameraFrameEvent is the JSON transport fallback for camera frames. Frame
// bytes are base64-encoded by the JSON marshaller.
type CameraFrameEvent struct {
	Type         string              `json:"type"`
	DroneID      string              `json:"droneId"`
	Camera       string              `json:"camera"`
	Timestamp    int64               `json:"timestamp"`
	FrameNumber  uint32              `json:"frameNumber"`
	Frame        []byte              `json:"frame"`
	Quality      string              `json:"quality"`
	Transport    string              `json:"transport"`
	FrameCount   uint64              `json:"frameCount"`
	SkipCount    uint64              `json:"skipCount"`
	Decompressed bool                `json:"decompressed"`
	OriginalSize int                 `json:"originalSize"`
	Metadata     store.FrameMetadata `json:"metadata"`
}

// BinaryFrameHeader prefixes the payload inside a camera_frame_binary
// WebSocket binary message: uint32 big-endian header length, header JSON,
// then the raw frame bytes.
type BinaryFrameHeader struct {
	Type           string              `json:"type"`
	DroneID        string              `json:"droneId"`
	Camera         string              `json:"camera"`
	Timestamp      int64               `json:"timestamp"`
	FrameNumber    uint32              `json:"frameNumber"`
	Quality        string              `json:"quality"`
	Transport      string              `json:"transport"`
	FrameCount     uint64              `json:"frameCount"`
	SkipCount      uint64              `json:"skipCount"`
	Decompressed   bool                `json:"decompressed"`
	OriginalSize   int                 `json:"originalSize"`
	CompressedSize int                 `json:"compressedSize"`
	Metadata       store.FrameMetadata `json:"metadata"`
}

// CameraMetrics is the per-subscription view returned by get_camera_metrics.
type CameraMetrics struct {
	DroneID      string  `json:"droneId"`
	Camera       string  `json:"camera"`
	FrameCount   uint64  `json:"frameCount"`
	SkipCount    uint64  `json:"skipCount"`
	SkipRate     float64 `json:"skipRate"`
	Quality      string  `json:"quality"`
	Transport    string  `json:"transport"`
	EstimatedFPS float64 `json:"estimatedFps"`
}

// CameraMetricsEvent is the reply to get_camera_metrics.
type CameraMetricsEvent struct {
	Type    string          `json:"type"`
	Metrics []CameraMetrics `json:"metrics"`
}

// PrecisionLandEvent relays precision-landing output or status payloads.
type PrecisionLandEvent struct {
	Type     string          `json:"type"`
	EntityID string          `json:"entityId"`
	Data     json.RawMessage `json:"data"`
}

// PongEvent answers a ping. RoundTripTime is reported as-is so client-side
// clock skew stays observable.
type PongEvent struct {
	Type            string `json:"type"`
	Timestamp       int64  `json:"timestamp"`
	ServerTimestamp int64  `json:"serverTimestamp"`
	RoundTripTime   int64  `json:"roundTripTime"`
}

// CommandAckEvent reports the outcome of an outbound drone command.
type CommandAckEvent struct {
	Type        string `json:"type"`
	DroneID     string `json:"droneId"`
	CommandType string `json:"commandType"`
	Status      string `json:"status"`
}

// ErrorEvent reports a client-visible fault without closing the connection
// (except AUTH_FAILED, which is followed by a close).
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func errorEvent(code, format string, args ...any) ErrorEvent {
	return ErrorEvent{
		Type:    EvtError,
		Message: fmt.Sprintf(format, args...),
		Code:    code,
	}
}
