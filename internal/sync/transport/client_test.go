package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/quiltsync/quilt/internal/sync/clock"
	"github.com/quiltsync/quilt/internal/sync/protocol"
	"github.com/quiltsync/quilt/internal/sync/retry"
)

// testServer is an in-process relay that records inbound envelopes and can
// push scripted frames to the connected client.
type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	inbox  chan protocol.Envelope
	accept chan *websocket.Conn

	ackOnConnect bool
}

func newTestServer(t *testing.T, ackOnConnect bool) *testServer {
	t.Helper()

	ts := &testServer{
		t:            t,
		inbox:        make(chan protocol.Envelope, 64),
		accept:       make(chan *websocket.Conn, 8),
		ackOnConnect: ackOnConnect,
	}

	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ts.accept <- conn

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}

			if env.Type == protocol.TypeConnect && ts.ackOnConnect {
				ts.push(conn, protocol.TypeConnected, protocol.ConnectedPayload{
					ServerTime:        time.Now().UnixMilli(),
					ServerVectorClock: clock.Vector{"server": 1},
				})
			}
			ts.inbox <- env
		}
	}))
	t.Cleanup(ts.srv.Close)

	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) push(conn *websocket.Conn, typ protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		ts.t.Errorf("failed to build %s envelope: %v", typ, err)
		return
	}
	data, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		ts.t.Logf("push %s failed: %v", typ, err)
	}
}

// expect reads the next inbound envelope of the given type, skipping
// heartbeats unless heartbeats are what we want.
func (ts *testServer) expect(typ protocol.MessageType) protocol.Envelope {
	ts.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-ts.inbox:
			if env.Type == typ {
				return env
			}
			if env.Type == protocol.TypeHeartbeat {
				continue
			}
			ts.t.Fatalf("expected %s, got %s", typ, env.Type)
		case <-deadline:
			ts.t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func testClientConfig(url string) *Config {
	c := DefaultConfig()
	c.URL = url
	c.Logger = log.New(io.Discard, "", 0)
	c.HeartbeatInterval = 0 // no periodic heartbeat noise in tests
	c.Retry = &retry.Config{
		MaxRetries: 3,
		Delays:     []time.Duration{10 * time.Millisecond},
		Logger:     log.New(io.Discard, "", 0),
	}
	return c
}

func testParams() ConnectParams {
	return ConnectParams{
		DeviceID:          "device-1",
		DeviceName:        "laptop",
		PublicKey:         "pk",
		VectorClock:       clock.Vector{"device-1": 2},
		LastSyncTimestamp: 1234,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectHandshake(t *testing.T) {
	ts := newTestServer(t, true)
	client := NewClient(testClientConfig(ts.url()))
	defer client.Disconnect()

	var connectedPayload protocol.ConnectedPayload
	var gotConnected sync.WaitGroup
	gotConnected.Add(1)
	client.OnConnected(func(p protocol.ConnectedPayload) {
		connectedPayload = p
		gotConnected.Done()
	})

	if err := client.Connect(context.Background(), testParams()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	env := ts.expect(protocol.TypeConnect)
	var hs protocol.ConnectPayload
	if err := env.Decode(&hs); err != nil {
		t.Fatalf("failed to decode handshake: %v", err)
	}
	if hs.DeviceID != "device-1" || hs.DeviceName != "laptop" || hs.PublicKey != "pk" {
		t.Errorf("handshake identity mismatch: %+v", hs)
	}
	if hs.LastSyncTimestamp != 1234 || hs.VectorClock.Counter("device-1") != 2 {
		t.Errorf("handshake sync state mismatch: %+v", hs)
	}

	gotConnected.Wait()
	if connectedPayload.ServerVectorClock.Counter("server") != 1 {
		t.Errorf("expected server clock in CONNECTED payload, got %+v", connectedPayload)
	}

	waitFor(t, "connected state", client.Connected)
}

func TestFailedDialEstablishesNoDevice(t *testing.T) {
	// A server that is already gone makes the dial fail fast.
	ts := newTestServer(t, false)
	url := ts.url()
	ts.srv.Close()

	client := NewClient(testClientConfig(url))
	if err := client.Connect(context.Background(), testParams()); err == nil {
		t.Fatal("expected dial error")
	}

	// No identity was established, so sync requests are still rejected.
	if client.DeviceID() != "" {
		t.Errorf("device id = %q after failed dial, want empty", client.DeviceID())
	}
	err := client.RequestSync(context.Background(), 0, clock.Vector{"device-1": 1}, 10)
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("request sync after failed dial = %v, want ErrNoDevice", err)
	}
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	ts := newTestServer(t, true)
	client := NewClient(testClientConfig(ts.url()))
	defer client.Disconnect()

	if err := client.Connect(context.Background(), testParams()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	ts.expect(protocol.TypeConnect)
	waitFor(t, "handshake ack", client.Connected)
	<-ts.accept // first and only socket

	if err := client.Connect(context.Background(), testParams()); err != nil {
		t.Fatalf("second connect errored: %v", err)
	}

	// Exactly one dial: no second CONNECT handshake arrives.
	select {
	case env := <-ts.inbox:
		t.Fatalf("unexpected %s after redundant connect", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case <-ts.accept:
		t.Fatal("redundant connect dialed a second socket")
	default:
	}
}

func TestConnectRequiresDeviceID(t *testing.T) {
	client := NewClient(testClientConfig("ws://127.0.0.1:1"))

	if err := client.Connect(context.Background(), ConnectParams{}); err == nil {
		t.Error("expected error connecting without a device id")
	}
}

func TestSendBuffersUntilConnected(t *testing.T) {
	ts := newTestServer(t, true)
	client := NewClient(testClientConfig(ts.url()))
	defer client.Disconnect()

	ctx := context.Background()

	// Queue two messages before the connection exists.
	first, _ := protocol.NewEnvelope(protocol.TypeAck, protocol.AckPayload{OperationID: "op-1"})
	second, _ := protocol.NewEnvelope(protocol.TypeAck, protocol.AckPayload{OperationID: "op-2"})
	if err := client.Send(ctx, first); err != nil {
		t.Fatalf("buffered send failed: %v", err)
	}
	if err := client.Send(ctx, second); err != nil {
		t.Fatalf("buffered send failed: %v", err)
	}

	if err := client.Connect(ctx, testParams()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ts.expect(protocol.TypeConnect)

	// Buffered messages flush in FIFO order after CONNECTED.
	for _, want := range []string{"op-1", "op-2"} {
		env := ts.expect(protocol.TypeAck)
		var p protocol.AckPayload
		if err := env.Decode(&p); err != nil {
			t.Fatalf("failed to decode ack: %v", err)
		}
		if p.OperationID != want {
			t.Errorf("expected flush of %s, got %s", want, p.OperationID)
		}
	}
}

func TestHeartbeatEcho(t *testing.T) {
	ts := newTestServer(t, true)
	client := NewClient(testClientConfig(ts.url()))
	defer client.Disconnect()

	if err := client.Connect(context.Background(), testParams()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ts.expect(protocol.TypeConnect)
	waitFor(t, "connected state", client.Connected)

	serverConn := <-ts.accept
	ts.push(serverConn, protocol.TypeHeartbeat, protocol.HeartbeatPayload{Timestamp: time.Now().UnixMilli()})

	// The client echoes the heartbeat immediately.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-ts.inbox:
			if env.Type == protocol.TypeHeartbeat {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for heartbeat echo")
		}
	}
}

func TestInboundDispatch(t *testing.T) {
	ts := newTestServer(t, true)
	client := NewClient(testClientConfig(ts.url()))
	defer client.Disconnect()

	messages := make(chan protocol.Envelope, 8)
	serverErrors := make(chan protocol.ErrorPayload, 8)
	client.OnMessage(func(env protocol.Envelope) { messages <- env })
	client.OnError(func(p protocol.ErrorPayload) { serverErrors <- p })

	if err := client.Connect(context.Background(), testParams()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ts.expect(protocol.TypeConnect)
	waitFor(t, "connected state", client.Connected)

	serverConn := <-ts.accept

	// ACK forwards as a generic message event.
	ts.push(serverConn, protocol.TypeAck, protocol.AckPayload{OperationID: "op-9"})
	select {
	case env := <-messages:
		if env.Type != protocol.TypeAck {
			t.Errorf("expected ACK event, got %s", env.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message event")
	}

	// ERROR surfaces as an error event.
	ts.push(serverConn, protocol.TypeError, protocol.ErrorPayload{Code: "OOPS", Message: "server broke"})
	select {
	case p := <-serverErrors:
		if p.Code != "OOPS" {
			t.Errorf("expected error code OOPS, got %s", p.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
}

func TestMalformedInboundIgnored(t *testing.T) {
	ts := newTestServer(t, true)
	client := NewClient(testClientConfig(ts.url()))
	defer client.Disconnect()

	messages := make(chan protocol.Envelope, 8)
	client.OnMessage(func(env protocol.Envelope) { messages <- env })

	if err := client.Connect(context.Background(), testParams()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ts.expect(protocol.TypeConnect)
	waitFor(t, "connected state", client.Connected)

	serverConn := <-ts.accept

	// Garbage frame must be dropped without killing the pipeline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = serverConn.Write(ctx, websocket.MessageText, []byte("{not json"))
	cancel()

	ts.push(serverConn, protocol.TypeAck, protocol.AckPayload{OperationID: "op-1"})
	select {
	case env := <-messages:
		if env.Type != protocol.TypeAck {
			t.Errorf("expected ACK after garbage frame, got %s", env.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline died after malformed frame")
	}
}

func TestRequestSyncBeforeConnect(t *testing.T) {
	client := NewClient(testClientConfig("ws://127.0.0.1:1"))

	err := client.RequestSync(context.Background(), 0, clock.Vector{}, 10)
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("expected ErrNoDevice, got %v", err)
	}
}

func TestRequestSync(t *testing.T) {
	ts := newTestServer(t, true)
	client := NewClient(testClientConfig(ts.url()))
	defer client.Disconnect()

	if err := client.Connect(context.Background(), testParams()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ts.expect(protocol.TypeConnect)
	waitFor(t, "connected state", client.Connected)

	if err := client.RequestSync(context.Background(), 555, clock.Vector{"device-1": 7}, 25); err != nil {
		t.Fatalf("RequestSync failed: %v", err)
	}

	env := ts.expect(protocol.TypeSyncRequest)
	var p protocol.SyncRequestPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("failed to decode sync request: %v", err)
	}
	if p.DeviceID != "device-1" || p.Since != 555 || p.Limit != 25 {
		t.Errorf("sync request mismatch: %+v", p)
	}
	if p.VectorClock.Counter("device-1") != 7 {
		t.Errorf("sync request clock mismatch: %+v", p.VectorClock)
	}
}

func TestAutoReconnect(t *testing.T) {
	ts := newTestServer(t, true)
	client := NewClient(testClientConfig(ts.url()))
	defer client.Disconnect()

	reconnects := make(chan int, 8)
	client.OnReconnecting(func(attempt int, delay time.Duration) { reconnects <- attempt })

	if err := client.Connect(context.Background(), testParams()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ts.expect(protocol.TypeConnect)
	waitFor(t, "connected state", client.Connected)

	// Kill the connection from the server side with an abnormal close.
	serverConn := <-ts.accept
	_ = serverConn.Close(websocket.StatusInternalError, "server restart")

	select {
	case attempt := <-reconnects:
		if attempt != 1 {
			t.Errorf("expected first reconnect attempt, got %d", attempt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reconnecting notification")
	}

	// The client re-dials with the same parameters.
	env := ts.expect(protocol.TypeConnect)
	var hs protocol.ConnectPayload
	if err := env.Decode(&hs); err != nil {
		t.Fatalf("failed to decode reconnect handshake: %v", err)
	}
	if hs.DeviceID != "device-1" {
		t.Errorf("reconnect handshake device mismatch: %+v", hs)
	}

	waitFor(t, "reconnected state", client.Connected)
}

func TestDisconnectStopsReconnect(t *testing.T) {
	ts := newTestServer(t, true)
	client := NewClient(testClientConfig(ts.url()))

	reconnects := make(chan int, 8)
	client.OnReconnecting(func(attempt int, delay time.Duration) { reconnects <- attempt })

	if err := client.Connect(context.Background(), testParams()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ts.expect(protocol.TypeConnect)
	waitFor(t, "connected state", client.Connected)

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if client.Connected() {
		t.Error("expected disconnected state")
	}

	select {
	case attempt := <-reconnects:
		t.Errorf("unexpected reconnect attempt %d after Disconnect", attempt)
	case <-time.After(200 * time.Millisecond):
	}
}
