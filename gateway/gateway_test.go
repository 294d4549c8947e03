// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/auth"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/command"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/config"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/ratelimit"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/store"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/store/memory"
)

const testSecret = "test-secret-key"

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory Conn for driving a session without a network.
type fakeConn struct {
	in chan []byte

	mu     sync.Mutex
	events [][]byte
	binary [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadText() ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, data)
	return nil
}

func (c *fakeConn) WriteBinary(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binary = append(c.binary, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

// send queues one inbound command as the client would send it.
func (c *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- data
}

// eventsOfType returns all received JSON events with the given type tag.
func (c *fakeConn) eventsOfType(eventType string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out [][]byte
	for _, raw := range c.events {
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Type == eventType {
			out = append(out, raw)
		}
	}
	return out
}

func (c *fakeConn) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.binary)
}

// waitForEvent blocks until at least n events of the given type arrive and
// returns the last one decoded into dst.
func waitForEvent(t *testing.T, c *fakeConn, eventType string, n int, dst any) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.eventsOfType(eventType)) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s event(s)", n, eventType)

	if dst != nil {
		evts := c.eventsOfType(eventType)
		require.NoError(t, json.Unmarshal(evts[len(evts)-1], dst))
	}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Role:        "OPERATOR",
		DisplayName: "Test Operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type testEnv struct {
	gateway *Gateway
	store   *memory.Store
	conn    *fakeConn
	done    chan struct{}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithLimits(t, ratelimit.DefaultConfig())
}

func newTestEnvWithLimits(t *testing.T, rl ratelimit.Config) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.Algorithm = "HS256"
	cfg.Auth.SecretKey = testSecret

	verifier, err := auth.NewVerifier(auth.Config{
		Algorithm: cfg.Auth.Algorithm,
		SecretKey: cfg.Auth.SecretKey,
	})
	require.NoError(t, err)

	st := memory.New()
	t.Cleanup(func() { st.Close() })

	dispatcher := command.NewDispatcher(st, nil, command.BreakerSettings{
		FailureThreshold: 5,
		ResetTimeout:     time.Second,
	}, nil)
	limiter := ratelimit.NewManager(rl)
	t.Cleanup(limiter.Stop)

	return &testEnv{
		gateway: New(cfg, st, verifier, dispatcher, limiter, nil, nil),
		store:   st,
		conn:    newFakeConn(),
		done:    make(chan struct{}),
	}
}

// connect runs HandleConnection in the background and waits for the session
// to become active.
func (e *testEnv) connect(t *testing.T) {
	t.Helper()
	token := signToken(t, "user-1")
	go func() {
		defer close(e.done)
		e.gateway.HandleConnection(context.Background(), e.conn, token)
	}()
	waitForEvent(t, e.conn, EvtConnectionStatus, 1, nil)
}

// disconnect closes the client side and waits for full teardown.
func (e *testEnv) disconnect(t *testing.T) {
	t.Helper()
	e.conn.Close()
	select {
	case <-e.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not tear down")
	}
}

func TestConnectionRejectsBadToken(t *testing.T) {
	e := newTestEnv(t)

	e.gateway.HandleConnection(context.Background(), e.conn, "garbage")

	var evt ErrorEvent
	waitForEvent(t, e.conn, EvtError, 1, &evt)
	assert.Equal(t, CodeAuthFailed, evt.Code)
	assert.Equal(t, uint64(1), e.gateway.Stats().GetAuthErrors())
	assert.Equal(t, 0, e.gateway.SessionCount())
}

func TestConnectionStatusCarriesIdentity(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)
	defer e.disconnect(t)

	var evt ConnectionStatusEvent
	waitForEvent(t, e.conn, EvtConnectionStatus, 1, &evt)
	assert.Equal(t, "connected", evt.Status)
	assert.NotEmpty(t, evt.SessionID)
	require.NotNil(t, evt.Identity)
	assert.Equal(t, "user-1", evt.Identity.ID)
	assert.Equal(t, "OPERATOR", evt.Identity.Role)
	assert.True(t, evt.Capabilities.BinaryFrames)
}

func TestSubscribeDroneDeliversInitialAndUpdates(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.SetSnapshot(&store.TelemetrySnapshot{
		DroneID:   "drone-001",
		Latitude:  12.97,
		Longitude: 77.59,
		Armed:     true,
		Connected: true,
	}))

	e.connect(t)
	defer e.disconnect(t)

	e.conn.send(t, map[string]string{"type": CmdSubscribeDrone, "droneId": "drone-001"})

	var state DroneStateEvent
	waitForEvent(t, e.conn, EvtDroneState, 1, &state)
	assert.Equal(t, "initial", state.Kind)
	require.NotNil(t, state.Data)
	assert.True(t, state.Data.Armed)

	var sub SubscriptionStatusEvent
	waitForEvent(t, e.conn, EvtSubscriptionStatus, 1, &sub)
	assert.Equal(t, StatusSubscribed, sub.Status)

	update, err := json.Marshal(&store.TelemetrySnapshot{
		DroneID:  "drone-001",
		Latitude: 13.00,
		Armed:    false,
	})
	require.NoError(t, err)
	require.NoError(t, e.store.Publish(context.Background(), store.TelemetryChannel("drone-001"), update))

	waitForEvent(t, e.conn, EvtDroneState, 2, &state)
	assert.Equal(t, "update", state.Kind)
	assert.Equal(t, 13.00, state.Data.Latitude)
}

func TestSubscribeUnknownDroneDeliversPlaceholder(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)
	defer e.disconnect(t)

	e.conn.send(t, map[string]string{"type": CmdSubscribeDrone, "droneId": "drone-404"})

	var state DroneStateEvent
	waitForEvent(t, e.conn, EvtDroneState, 1, &state)
	assert.Equal(t, "initial", state.Kind)
	require.NotNil(t, state.Data)
	assert.Equal(t, "drone-404", state.Data.DroneID)
	assert.False(t, state.Data.Connected)
}

func TestSubscribeDroneIdempotent(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)
	defer e.disconnect(t)

	e.conn.send(t, map[string]string{"type": CmdSubscribeDrone, "droneId": "drone-001"})
	var sub SubscriptionStatusEvent
	waitForEvent(t, e.conn, EvtSubscriptionStatus, 1, &sub)
	require.Equal(t, StatusSubscribed, sub.Status)

	e.conn.send(t, map[string]string{"type": CmdSubscribeDrone, "droneId": "drone-001"})
	waitForEvent(t, e.conn, EvtSubscriptionStatus, 2, &sub)
	assert.Equal(t, StatusAlreadySubscribed, sub.Status)
	assert.Equal(t, int64(1), e.gateway.Stats().GetActiveSubscriptions())
}

func TestUnsubscribeUnknownIsAcknowledged(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)
	defer e.disconnect(t)

	e.conn.send(t, map[string]string{"type": CmdUnsubscribeDrone, "droneId": "drone-001"})

	var sub SubscriptionStatusEvent
	waitForEvent(t, e.conn, EvtSubscriptionStatus, 1, &sub)
	assert.Equal(t, StatusUnsubscribed, sub.Status)
}

func TestCameraSubscriptionDeliversBinaryFrames(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)
	defer e.disconnect(t)

	e.conn.send(t, map[string]any{
		"type":    CmdSubscribeCameraBinary,
		"droneId": "drone-001",
		"camera":  "front",
		"maxFps":  30,
	})
	var sub SubscriptionStatusEvent
	waitForEvent(t, e.conn, EvtSubscriptionStatus, 1, &sub)
	require.Equal(t, StatusSubscribed, sub.Status)

	payload, err := json.Marshal(&store.BinaryFrame{
		DroneID:     "drone-001",
		Camera:      "front",
		FrameNumber: 1,
		Frame:       []byte{0xff, 0xd8, 0xff},
	})
	require.NoError(t, err)
	require.NoError(t, e.store.Publish(context.Background(),
		store.CameraStreamChannel("drone-001", "front"), payload))

	require.Eventually(t, func() bool {
		return e.conn.binaryCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	e.conn.mu.Lock()
	msg := e.conn.binary[0]
	e.conn.mu.Unlock()

	header, frame, err := DecodeBinaryFrame(msg)
	require.NoError(t, err)
	assert.Equal(t, EvtCameraFrameBinary, header.Type)
	assert.Equal(t, "drone-001", header.DroneID)
	assert.Equal(t, "front", header.Camera)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, frame)
}

func TestCameraSubscriptionReplaysLatestFrame(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.SetLatestFrame(&store.BinaryFrame{
		DroneID:     "drone-001",
		Camera:      "front",
		FrameNumber: 7,
		Frame:       []byte("cached"),
	}))

	e.connect(t)
	defer e.disconnect(t)

	e.conn.send(t, map[string]any{
		"type":    CmdSubscribeCameraBinary,
		"droneId": "drone-001",
		"camera":  "front",
	})

	require.Eventually(t, func() bool {
		return e.conn.binaryCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	e.conn.mu.Lock()
	msg := e.conn.binary[0]
	e.conn.mu.Unlock()

	header, frame, err := DecodeBinaryFrame(msg)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), header.FrameNumber)
	assert.Equal(t, []byte("cached"), frame)
}

func TestCameraJSONTransportFallback(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)
	defer e.disconnect(t)

	e.conn.send(t, map[string]any{
		"type":      CmdSubscribeCameraBinary,
		"droneId":   "drone-001",
		"camera":    "front",
		"transport": TransportJSON,
	})
	var sub SubscriptionStatusEvent
	waitForEvent(t, e.conn, EvtSubscriptionStatus, 1, &sub)
	require.Equal(t, StatusSubscribed, sub.Status)

	payload, err := json.Marshal(&store.BinaryFrame{
		DroneID: "drone-001",
		Camera:  "front",
		Frame:   []byte("jpeg"),
	})
	require.NoError(t, err)
	require.NoError(t, e.store.Publish(context.Background(),
		store.CameraStreamChannel("drone-001", "front"), payload))

	var evt CameraFrameEvent
	waitForEvent(t, e.conn, EvtCameraFrame, 1, &evt)
	assert.Equal(t, []byte("jpeg"), evt.Frame)
	assert.Equal(t, TransportJSON, evt.Transport)
	assert.Zero(t, e.conn.binaryCount())
}

func TestUpdateOptimizationRequiresSubscription(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)
	defer e.disconnect(t)

	e.conn.send(t, map[string]any{
		"type":    CmdUpdateOptimization,
		"droneId": "drone-001",
		"camera":  "front",
		"quality": QualityLow,
	})

	var evt ErrorEvent
	waitForEvent(t, e.conn, EvtError, 1, &evt)
	assert.Equal(t, CodeInvalidRequest, evt.Code)
}

func TestGetCameraMetrics(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)
	defer e.disconnect(t)

	e.conn.send(t, map[string]any{
		"type":    CmdSubscribeCameraBinary,
		"droneId": "drone-001",
		"camera":  "front",
	})
	var sub SubscriptionStatusEvent
	waitForEvent(t, e.conn, EvtSubscriptionStatus, 1, &sub)
	require.Equal(t, StatusSubscribed, sub.Status)

	e.conn.send(t, map[string]string{"type": CmdGetCameraMetrics})

	var evt CameraMetricsEvent
	waitForEvent(t, e.conn, EvtCameraMetrics, 1, &evt)
	require.Len(t, evt.Metrics, 1)
	assert.Equal(t, "drone-001", evt.Metrics[0].DroneID)
	assert.Equal(t, "front", evt.Metrics[0].Camera)
}

func TestPrecisionLandSubscriptionRelaysBothChannels(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)
	defer e.disconnect(t)

	e.conn.send(t, map[string]string{"type": CmdSubscribePrecisionLand, "droneId": "drone-001"})
	var sub SubscriptionStatusEvent
	waitForEvent(t, e.conn, EvtSubscriptionStatus, 1, &sub)
	require.Equal(t, StatusSubscribed, sub.Status)

	ctx := context.Background()
	require.NoError(t, e.store.Publish(ctx,
		store.PrecisionLandOutputChannel("drone-001"), []byte(`{"target":"visible"}`)))
	require.NoError(t, e.store.Publish(ctx,
		store.PrecisionLandStatusChannel("drone-001"), []byte(`{"state":"DESCENDING"}`)))

	var output PrecisionLandEvent
	waitForEvent(t, e.conn, EvtPrecisionLandOutput, 1, &output)
	assert.JSONEq(t, `{"target":"visible"}`, string(output.Data))

	var status PrecisionLandEvent
	waitForEvent(t, e.conn, EvtPrecisionLandStatus, 1, &status)
	assert.JSONEq(t, `{"state":"DESCENDING"}`, string(status.Data))
}

func TestPingPong(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)
	defer e.disconnect(t)

	sent := time.Now().Add(-50 * time.Millisecond).UnixMilli()
	e.conn.send(t, map[string]any{"type": CmdPing, "timestamp": sent})

	var pong PongEvent
	waitForEvent(t, e.conn, EvtPong, 1, &pong)
	assert.Equal(t, sent, pong.Timestamp)
	assert.GreaterOrEqual(t, pong.RoundTripTime, int64(50))
}

func TestPingWithoutTimestamp(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)
	defer e.disconnect(t)

	e.conn.send(t, map[string]string{"type": CmdPing})

	var pong PongEvent
	waitForEvent(t, e.conn, EvtPong, 1, &pong)
	assert.Zero(t, pong.RoundTripTime)
	assert.Positive(t, pong.ServerTimestamp)
}

// A literal zero timestamp is a valid (if badly skewed) client clock, not an
// absent field; round-trip time is reported unclamped.
func TestPingZeroTimestampReportsSkew(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)
	defer e.disconnect(t)

	e.conn.send(t, map[string]any{"type": CmdPing, "timestamp": 0})

	var pong PongEvent
	waitForEvent(t, e.conn, EvtPong, 1, &pong)
	assert.Zero(t, pong.Timestamp)
	assert.Equal(t, pong.ServerTimestamp, pong.RoundTripTime)
}

func TestCommandRateLimitRejectsFlood(t *testing.T) {
	rl := ratelimit.DefaultConfig()
	rl.Command.Rate = 1
	rl.Command.Burst = 2
	e := newTestEnvWithLimits(t, rl)
	e.connect(t)
	defer e.disconnect(t)

	for i := 0; i < 10; i++ {
		e.conn.send(t, map[string]any{"type": CmdPing, "timestamp": time.Now().UnixMilli()})
	}

	var evt ErrorEvent
	waitForEvent(t, e.conn, EvtError, 1, &evt)
	assert.Equal(t, CodeRateLimited, evt.Code)

	// The burst passes, the flood does not.
	waitForEvent(t, e.conn, EvtError, 7, nil)
	assert.LessOrEqual(t, len(e.conn.eventsOfType(EvtPong)), 3)
}

func TestDroneCommandPublishesAndAcks(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)
	defer e.disconnect(t)

	received := make(chan []byte, 1)
	cancel := e.store.Subscribe(store.CommandChannel("drone-001"), func(payload []byte) {
		received <- payload
	})
	defer cancel()

	e.conn.send(t, map[string]any{
		"type":        CmdDroneCommand,
		"droneId":     "drone-001",
		"commandType": "arm",
		"payload":     map[string]bool{"force": false},
	})

	var ack CommandAckEvent
	waitForEvent(t, e.conn, EvtCommandAck, 1, &ack)
	assert.Equal(t, string(command.StatusDelivered), ack.Status)

	select {
	case payload := <-received:
		var wire struct {
			CommandType string `json:"commandType"`
			IssuedBy    string `json:"issuedBy"`
		}
		require.NoError(t, json.Unmarshal(payload, &wire))
		assert.Equal(t, "arm", wire.CommandType)
		assert.Equal(t, "user-1", wire.IssuedBy)
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the command channel")
	}
}

func TestUnknownCommandReportsError(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)
	defer e.disconnect(t)

	e.conn.send(t, map[string]string{"type": "warp_drive"})

	var evt ErrorEvent
	waitForEvent(t, e.conn, EvtError, 1, &evt)
	assert.Equal(t, CodeInvalidRequest, evt.Code)
	assert.Equal(t, uint64(1), e.gateway.Stats().GetProtocolErrors())
}

func TestMalformedMessageReportsError(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)
	defer e.disconnect(t)

	e.conn.in <- []byte("{not json")

	var evt ErrorEvent
	waitForEvent(t, e.conn, EvtError, 1, &evt)
	assert.Equal(t, CodeBadMessage, evt.Code)
}

func TestDisconnectCancelsAllSubscriptions(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)

	for i := 0; i < 3; i++ {
		e.conn.send(t, map[string]string{
			"type":    CmdSubscribeDrone,
			"droneId": fmt.Sprintf("drone-%03d", i),
		})
	}
	e.conn.send(t, map[string]any{
		"type":    CmdSubscribeCameraBinary,
		"droneId": "drone-001",
		"camera":  "front",
	})

	var sub SubscriptionStatusEvent
	waitForEvent(t, e.conn, EvtSubscriptionStatus, 4, &sub)
	require.Equal(t, int64(4), e.gateway.Stats().GetActiveSubscriptions())

	e.disconnect(t)

	assert.Equal(t, int64(0), e.gateway.Stats().GetActiveSubscriptions())
	assert.Equal(t, 0, e.gateway.SessionCount())
	assert.Equal(t, uint64(1), e.gateway.Stats().GetDisconnections())
}

func TestGatewayCloseEndsSessions(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)

	e.gateway.Close()

	select {
	case <-e.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session survived gateway close")
	}
	assert.Equal(t, 0, e.gateway.SessionCount())
}
