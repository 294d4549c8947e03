// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package store

// Key and channel naming on the shared store. This is a stable contract with
// the drone connection service and the camera pipeline; do not change the
// formats without coordinating both sides.

// TelemetryKey is the snapshot cache key for a drone.
func TelemetryKey(droneID string) string {
	return "telemetry:" + droneID
}

// TelemetryChannel is the publish channel for telemetry updates.
func TelemetryChannel(droneID string) string {
	return "telemetry:" + droneID + ":updates"
}

// CameraStreamChannel is the publish channel for binary camera frames.
func CameraStreamChannel(droneID, camera string) string {
	return "camera:" + droneID + ":" + camera + ":binary_stream"
}

// CameraLatestKey is the last-frame cache key for a camera.
func CameraLatestKey(droneID, camera string) string {
	return "camera:" + droneID + ":" + camera + ":latest_binary"
}

// PrecisionLandOutputChannel carries precision-landing controller output.
func PrecisionLandOutputChannel(droneID string) string {
	return "precision_land_output:" + droneID
}

// PrecisionLandStatusChannel carries precision-landing state transitions.
func PrecisionLandStatusChannel(droneID string) string {
	return "precision_land_status:" + droneID
}

// CommandChannel is the outbound command channel for a drone.
func CommandChannel(droneID string) string {
	return "commands:" + droneID
}
