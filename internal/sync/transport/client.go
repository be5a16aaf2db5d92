// Package transport maintains the persistent websocket connection to the
// relay server.
//
// A Client owns exactly one logical connection. Opening it sends the CONNECT
// handshake; the server's CONNECTED reply marks the client connected, starts
// the heartbeat, and flushes messages buffered while offline. On unexpected
// close the client schedules reconnection through the retry manager. The
// outbound buffer is in-memory only: durability of mutations is the
// operation queue's responsibility, not the transport's.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/quiltsync/quilt/internal/sync/clock"
	"github.com/quiltsync/quilt/internal/sync/protocol"
	"github.com/quiltsync/quilt/internal/sync/retry"
)

// ErrNoDevice is returned by RequestSync before a device identity has been
// established via Connect.
var ErrNoDevice = errors.New("no device id established; call Connect first")

// Config holds transport tuning.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// HeartbeatInterval between liveness probes. The heartbeat detects
	// silent failure; it does not itself trigger a disconnect.
	HeartbeatInterval time.Duration

	// DialTimeout bounds the websocket dial.
	DialTimeout time.Duration

	// AutoReconnect schedules reconnection through the retry manager when
	// the connection drops.
	AutoReconnect bool

	// Retry tunes the reconnection backoff.
	Retry *retry.Config

	// Logger for transport activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: 30 * time.Second,
		DialTimeout:       10 * time.Second,
		AutoReconnect:     true,
		Logger:            log.New(os.Stderr, "[transport] ", log.LstdFlags),
	}
}

// ConnectParams carries the CONNECT handshake fields.
type ConnectParams struct {
	DeviceID          string
	DeviceName        string
	PublicKey         string
	VectorClock       clock.Vector
	LastSyncTimestamp int64
}

// Client is the websocket transport client.
type Client struct {
	config *Config
	logger *log.Logger
	retry  *retry.Manager

	mu            sync.Mutex
	conn          *websocket.Conn
	connecting    bool // a dial is in flight
	connected     bool
	closed        bool // Disconnect was called
	autoReconnect bool
	params        ConnectParams
	outbox        []protocol.Envelope
	heartbeatStop chan struct{}

	// callbacks, set before Connect
	onMessage      func(protocol.Envelope)
	onError        func(protocol.ErrorPayload)
	onConnected    func(protocol.ConnectedPayload)
	onReconnecting func(attempt int, delay time.Duration)
}

// NewClient creates a transport client (nil config uses defaults, but a URL
// is required before Connect).
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return &Client{
		config: config,
		logger: logger,
		retry:  retry.New(config.Retry),
	}
}

// OnMessage registers the handler for SYNC_RESPONSE, OPERATION, and ACK
// messages, forwarded opaquely.
func (c *Client) OnMessage(fn func(protocol.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnError registers the handler for server ERROR messages.
func (c *Client) OnError(fn func(protocol.ErrorPayload)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// OnConnected registers the handler invoked when the server acknowledges the
// handshake.
func (c *Client) OnConnected(fn func(protocol.ConnectedPayload)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = fn
}

// OnReconnecting registers the handler invoked when a reconnect attempt is
// scheduled, with the attempt number and computed backoff delay.
func (c *Client) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnecting = fn
}

// Connect dials the server and sends the CONNECT handshake. The client is
// not considered connected until the server's CONNECTED reply arrives; the
// OnConnected callback fires at that point.
func (c *Client) Connect(ctx context.Context, params ConnectParams) error {
	if params.DeviceID == "" {
		return fmt.Errorf("connect: device id is required")
	}

	c.mu.Lock()
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	url := c.config.URL
	c.mu.Unlock()

	abort := func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		abort()
		return fmt.Errorf("failed to dial %s: %w", url, err)
	}

	env, err := protocol.NewEnvelope(protocol.TypeConnect, protocol.ConnectPayload{
		DeviceID:          params.DeviceID,
		DeviceName:        params.DeviceName,
		PublicKey:         params.PublicKey,
		VectorClock:       params.VectorClock,
		LastSyncTimestamp: params.LastSyncTimestamp,
	})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake failed")
		abort()
		return err
	}
	if err := writeEnvelope(ctx, conn, env); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake failed")
		abort()
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	// Identity and reconnect state are established only once the dial and
	// handshake have landed; a failed attempt leaves the client untouched.
	c.mu.Lock()
	c.conn = conn
	c.params = params
	c.closed = false
	c.autoReconnect = c.config.AutoReconnect
	c.connecting = false
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Connected reports whether the server has acknowledged the handshake and
// the connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// DeviceID returns the device identity established by Connect, or "".
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.DeviceID
}

// Send transmits an envelope immediately when connected; otherwise it appends
// to the in-memory outbound buffer, flushed FIFO on the next CONNECTED.
func (c *Client) Send(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.outbox = append(c.outbox, env)
		buffered := len(c.outbox)
		c.mu.Unlock()
		c.logger.Printf("Buffered %s message while disconnected (%d pending)", env.Type, buffered)
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := writeEnvelope(ctx, conn, env); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Type, err)
	}
	return nil
}

// RequestSync asks the server for operations since the given timestamp.
func (c *Client) RequestSync(ctx context.Context, since int64, vc clock.Vector, limit int) error {
	c.mu.Lock()
	deviceID := c.params.DeviceID
	c.mu.Unlock()

	if deviceID == "" {
		return ErrNoDevice
	}

	env, err := protocol.NewEnvelope(protocol.TypeSyncRequest, protocol.SyncRequestPayload{
		DeviceID:    deviceID,
		VectorClock: vc,
		Since:       since,
		Limit:       limit,
	})
	if err != nil {
		return err
	}
	return c.Send(ctx, env)
}

// Disconnect disables auto-reconnect, stops the heartbeat, cancels any
// pending reconnect timer, and closes with a normal-closure code.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	c.autoReconnect = false
	c.connected = false
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.retry.Stop()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}
	return nil
}

// readLoop pumps inbound frames until the connection drops.
func (c *Client) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed frames are logged and ignored, never fatal.
			c.logger.Printf("Warning: dropping malformed message: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

// dispatch routes one inbound envelope by message type.
func (c *Client) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeConnected:
		var p protocol.ConnectedPayload
		if err := env.Decode(&p); err != nil {
			c.logger.Printf("Warning: dropping malformed CONNECTED: %v", err)
			return
		}
		c.handleConnected(p)

	case protocol.TypeSyncResponse, protocol.TypeOperation, protocol.TypeAck:
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(env)
		}

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.Decode(&p); err != nil {
			c.logger.Printf("Warning: dropping malformed ERROR: %v", err)
			return
		}
		c.logger.Printf("Server error %s: %s", p.Code, p.Message)
		c.mu.Lock()
		fn := c.onError
		c.mu.Unlock()
		if fn != nil {
			fn(p)
		}

	case protocol.TypeHeartbeat:
		// Echo immediately.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		echo, err := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
			Timestamp: time.Now().UnixMilli(),
		})
		if err == nil {
			_ = c.Send(ctx, echo)
		}

	default:
		c.logger.Printf("Warning: unhandled message type %s", env.Type)
	}
}

// handleConnected marks the client connected, resets the retry budget, starts
// the heartbeat, and flushes the outbound buffer preserving FIFO order.
func (c *Client) handleConnected(p protocol.ConnectedPayload) {
	c.mu.Lock()
	c.connected = true
	pending := c.outbox
	c.outbox = nil
	c.startHeartbeatLocked()
	conn := c.conn
	fn := c.onConnected
	c.mu.Unlock()

	c.retry.Reset()
	c.logger.Printf("Connected (server time %d, %d buffered messages to flush)", p.ServerTime, len(pending))

	for _, env := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := writeEnvelope(ctx, conn, env)
		cancel()
		if err != nil {
			c.logger.Printf("Warning: failed to flush buffered %s: %v", env.Type, err)
			// Re-buffer the remainder; the connection is about to drop anyway.
			c.mu.Lock()
			c.outbox = append([]protocol.Envelope{env}, c.outbox...)
			c.mu.Unlock()
			break
		}
	}

	if fn != nil {
		fn(p)
	}
}

// handleClose runs when the read loop sees a connection error. If
// auto-reconnect is enabled it schedules a reconnect through the retry
// manager; exhausted budgets stop reconnection but never touch queued
// operations.
func (c *Client) handleClose(err error) {
	c.mu.Lock()
	c.connected = false
	c.conn = nil
	c.stopHeartbeatLocked()
	reconnect := c.autoReconnect && !c.closed
	fn := c.onReconnecting
	errFn := c.onError
	c.mu.Unlock()

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		return
	}
	c.logger.Printf("Connection lost: %v", err)

	if !reconnect {
		return
	}

	errType := retry.Classify(err)
	attempt, rerr := c.retry.ScheduleRetry(c.reconnect, errType, err.Error())
	if rerr != nil {
		c.logger.Printf("Reconnect budget exhausted; call Connect to resume")
		c.mu.Lock()
		c.autoReconnect = false
		c.mu.Unlock()
		if errFn != nil {
			errFn(protocol.ErrorPayload{
				Code:    "RETRIES_EXHAUSTED",
				Message: "reconnect attempts exhausted",
			})
		}
		return
	}

	c.logger.Printf("Reconnecting: attempt %d in %v", attempt.Number, attempt.Delay)
	if fn != nil {
		fn(attempt.Number, attempt.Delay)
	}
}

// reconnect re-dials with the same connection parameters.
func (c *Client) reconnect() error {
	c.mu.Lock()
	params := c.params
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return nil
	}
	return c.Connect(context.Background(), params)
}

// startHeartbeatLocked starts the periodic liveness probe. Caller holds c.mu.
// Any previous heartbeat is stopped first; at most one runs at a time.
func (c *Client) startHeartbeatLocked() {
	c.stopHeartbeatLocked()
	if c.config.HeartbeatInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	c.heartbeatStop = stop

	go func() {
		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
					Timestamp: time.Now().UnixMilli(),
				})
				if err != nil {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err = c.Send(ctx, env)
				cancel()
				if err != nil {
					c.logger.Printf("Warning: heartbeat failed: %v", err)
				}
			}
		}
	}()
}

// stopHeartbeatLocked stops the heartbeat goroutine. Caller holds c.mu.
func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// RetryHistory exposes the reconnection attempt history for inspection.
func (c *Client) RetryHistory() []retry.Attempt {
	return c.retry.History()
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", env.Type, err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
