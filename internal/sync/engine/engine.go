// Package engine orchestrates the sync cycle: it owns the vector clock, the
// pull-then-push protocol flow, and the wiring between the durable queue, the
// connection state machine, and the transport.
//
// Delivery is at-least-once: a pushed operation leaves the queue only when
// the server's ACK arrives, so a dropped connection re-sends it on the next
// cycle. Applying remote operations to local state is delegated entirely to
// the data-store collaborator; the engine merges vector clocks and moves on,
// never adjudicating conflicts itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quiltsync/quilt/internal/sync/clock"
	"github.com/quiltsync/quilt/internal/sync/protocol"
	"github.com/quiltsync/quilt/internal/sync/queue"
	"github.com/quiltsync/quilt/internal/sync/state"
	"github.com/quiltsync/quilt/internal/sync/store"
	"github.com/quiltsync/quilt/internal/sync/transport"
)

// Metadata keys in the durable scalar store.
const (
	metaLastSync    = "last_sync"
	metaVectorClock = "vector_clock"
)

// ErrNotConnected is returned by SyncNow when the state machine is not in a
// state that permits syncing.
var ErrNotConnected = errors.New("sync requires a connected state")

// Transport is the connection surface the engine drives. Satisfied by
// *transport.Client; tests substitute a fake.
type Transport interface {
	Connect(ctx context.Context, params transport.ConnectParams) error
	Connected() bool
	Send(ctx context.Context, env protocol.Envelope) error
	RequestSync(ctx context.Context, since int64, vc clock.Vector, limit int) error
	Disconnect() error
	OnMessage(fn func(protocol.Envelope))
	OnError(fn func(protocol.ErrorPayload))
	OnConnected(fn func(protocol.ConnectedPayload))
	OnReconnecting(fn func(attempt int, delay time.Duration))
}

// Identity supplies the device identity used in handshakes and signatures.
type Identity interface {
	DeviceID() string
	DeviceName() string
	PublicKey() string
	Sign(data []byte) string
}

// DataStore applies remote operations to local state and adjudicates
// conflicts (last-write-wins by timestamp). The engine's responsibility ends
// at delivering the operation.
type DataStore interface {
	ApplyRemote(ctx context.Context, op protocol.Operation) error
}

// Config holds engine tuning.
type Config struct {
	// AutoConnect opens the transport during Initialize.
	AutoConnect bool

	// InitialSyncDelay is the startup settle delay before the first sync
	// after connecting.
	InitialSyncDelay time.Duration

	// PullLimit is the page size requested from the server during pull.
	PullLimit int

	// PullWait bounds how long one pull page may take before the cycle
	// fails with a timeout.
	PullWait time.Duration

	// MaxOperationAttempts is the per-operation push budget; operations
	// exceeding it move to the permanently-failed set.
	MaxOperationAttempts int

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AutoConnect:          true,
		InitialSyncDelay:     time.Second,
		PullLimit:            100,
		PullWait:             30 * time.Second,
		MaxOperationAttempts: 10,
		Logger:               log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

type remoteObserver struct {
	id int
	fn func(protocol.Operation)
}

type errorObserver struct {
	id int
	fn func(error)
}

// Manager is the sync orchestrator. Construct with New and wire every
// collaborator explicitly; there is no ambient global instance.
type Manager struct {
	config    *Config
	logger    *log.Logger
	queue     *queue.Queue
	db        *store.DB
	transport Transport
	machine   *state.Machine
	identity  Identity
	datastore DataStore

	mu       sync.Mutex
	clock    clock.Vector
	lastSync int64

	syncing atomic.Bool // single-flight guard for SyncNow
	respCh  chan protocol.SyncResponsePayload

	obsMu     sync.Mutex
	remoteObs []remoteObserver
	errorObs  []errorObserver
	nextObsID int

	timerMu      sync.Mutex
	initialTimer *time.Timer
}

// New wires an engine from its collaborators. The store must be opened and
// its schema initialized by the caller (the composition root).
func New(q *queue.Queue, db *store.DB, tr Transport, machine *state.Machine, id Identity, ds DataStore, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	m := &Manager{
		config:    config,
		logger:    logger,
		queue:     q,
		db:        db,
		transport: tr,
		machine:   machine,
		identity:  id,
		datastore: ds,
		clock:     clock.New(id.DeviceID()),
		respCh:    make(chan protocol.SyncResponsePayload, 1),
	}

	tr.OnMessage(m.handleMessage)
	tr.OnError(m.handleTransportError)
	tr.OnConnected(m.handleConnected)
	tr.OnReconnecting(m.handleReconnecting)

	q.OnReady(func() {
		if err := m.SyncNow(context.Background()); err != nil && !errors.Is(err, ErrNotConnected) {
			m.logger.Printf("Background sync failed: %v", err)
		}
	})

	return m
}

// Initialize loads durable sync metadata and, when configured, auto-connects
// and schedules the initial sync after the startup settle delay.
//
// Auto-connect failure is reported through the error observers rather than
// returned: background sync keeps the host application running.
func (m *Manager) Initialize(ctx context.Context) error {
	if value, ok, err := m.db.GetMeta(ctx, metaLastSync); err != nil {
		return fmt.Errorf("failed to load last sync timestamp: %w", err)
	} else if ok {
		ts, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt last sync timestamp %q: %w", value, err)
		}
		m.mu.Lock()
		m.lastSync = ts
		m.mu.Unlock()
	}

	if value, ok, err := m.db.GetMeta(ctx, metaVectorClock); err != nil {
		return fmt.Errorf("failed to load vector clock: %w", err)
	} else if ok {
		vc, err := clock.Decode([]byte(value))
		if err != nil {
			return fmt.Errorf("corrupt vector clock: %w", err)
		}
		m.mu.Lock()
		m.clock = vc
		m.mu.Unlock()
	}

	if m.config.AutoConnect {
		if err := m.Connect(ctx); err != nil {
			m.logger.Printf("Auto-connect failed: %v", err)
			m.notifyError(err)
			return nil
		}
		m.scheduleInitialSync()
	}

	return nil
}

// scheduleInitialSync arms the startup settle timer, replacing any pending
// one.
func (m *Manager) scheduleInitialSync() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.initialTimer != nil {
		m.initialTimer.Stop()
	}
	m.initialTimer = time.AfterFunc(m.config.InitialSyncDelay, func() {
		if err := m.SyncNow(context.Background()); err != nil && !errors.Is(err, ErrNotConnected) {
			m.logger.Printf("Initial sync failed: %v", err)
		}
	})
}

// Connect drives the state machine through CONNECT and opens the transport
// with the device identity, vector clock, and last sync timestamp. No-op when
// already connected.
func (m *Manager) Connect(ctx context.Context) error {
	if m.transport.Connected() {
		return nil
	}

	// CONNECT leaves DISCONNECTED; RETRY is the way out of ERROR.
	if !m.machine.Fire(state.EventConnect) && !m.machine.Fire(state.EventRetry) {
		return fmt.Errorf("cannot connect from state %s", m.machine.State())
	}

	m.mu.Lock()
	params := transport.ConnectParams{
		DeviceID:          m.identity.DeviceID(),
		DeviceName:        m.identity.DeviceName(),
		PublicKey:         m.identity.PublicKey(),
		VectorClock:       m.clock.Clone(),
		LastSyncTimestamp: m.lastSync,
	}
	m.mu.Unlock()

	if err := m.transport.Connect(ctx, params); err != nil {
		m.machine.FireError(state.EventError, err)
		return fmt.Errorf("failed to open transport: %w", err)
	}
	return nil
}

// Disconnect tears down the transport and drives the state machine to
// DISCONNECTED. Queued operations stay durable.
func (m *Manager) Disconnect() error {
	m.timerMu.Lock()
	if m.initialTimer != nil {
		m.initialTimer.Stop()
		m.initialTimer = nil
	}
	m.timerMu.Unlock()

	err := m.transport.Disconnect()
	m.machine.Fire(state.EventDisconnect)
	return err
}

// QueueOperation stamps a local mutation with the incremented vector clock,
// device identity, timestamp, and signature, then enqueues it durably and
// persists the updated clock.
func (m *Manager) QueueOperation(ctx context.Context, op protocol.Operation) error {
	deviceID := m.identity.DeviceID()

	m.mu.Lock()
	m.clock.Increment(deviceID)
	op.VectorClock = m.clock.Clone()
	m.mu.Unlock()

	op.DeviceID = deviceID
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp == 0 {
		op.Timestamp = time.Now().UnixMilli()
	}
	op.Signature = m.identity.Sign(op.SigningBytes())

	if err := m.queue.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}

	if err := m.persistClock(ctx); err != nil {
		return err
	}
	return nil
}

// SyncNow runs one pull-then-push sync cycle.
//
// The cycle is single-flight: a call while another cycle runs is a no-op.
// Requires a connected state (CONNECTED or IDLE). Any mid-cycle error drives
// the state machine to ERROR and notifies error observers; the single-flight
// flag always clears regardless of outcome.
func (m *Manager) SyncNow(ctx context.Context) error {
	return m.sync(ctx, state.EventLocalChange)
}

// sync is the shared cycle body. trigger names the event fired when leaving
// IDLE (LOCAL_CHANGE for local wakeups, REMOTE_CHANGE for server pushes);
// from CONNECTED the trigger is always SYNC_START.
func (m *Manager) sync(ctx context.Context, trigger state.Event) error {
	if !m.syncing.CompareAndSwap(false, true) {
		m.logger.Printf("Sync already in flight; skipping")
		return nil
	}
	defer m.syncing.Store(false)

	switch m.machine.State() {
	case state.Connected:
		m.machine.Fire(state.EventSyncStart)
	case state.Idle:
		m.machine.Fire(trigger)
	default:
		return ErrNotConnected
	}

	failedBefore, err := m.pull(ctx)
	if err != nil {
		m.failCycle(err)
		return err
	}
	if err := m.push(ctx); err != nil {
		m.failCycle(err)
		return err
	}

	// Advance the watermark, but never past an operation whose apply
	// failed: the next pull must re-deliver it.
	watermark := time.Now().UnixMilli()
	if failedBefore > 0 && failedBefore <= watermark {
		watermark = failedBefore - 1
	}
	m.mu.Lock()
	m.lastSync = watermark
	m.mu.Unlock()
	if err := m.db.SetMeta(ctx, metaLastSync, strconv.FormatInt(watermark, 10)); err != nil {
		m.failCycle(err)
		return err
	}

	m.machine.Fire(state.EventSyncComplete)
	return nil
}

// failCycle records a mid-cycle error on the state machine and notifies
// error observers.
func (m *Manager) failCycle(err error) {
	m.logger.Printf("Sync cycle failed: %v", err)
	m.machine.FireError(state.EventError, err)
	m.notifyError(err)
}

// pull requests remote operations since the last sync, re-requesting while
// the server reports more pages and merging the vector clock after each page.
// It returns the earliest timestamp among operations whose apply failed
// (zero when all applied), so the caller can hold the watermark back and get
// them re-delivered.
func (m *Manager) pull(ctx context.Context) (int64, error) {
	m.mu.Lock()
	since := m.lastSync
	m.mu.Unlock()

	// Drop any stale page left over from an aborted cycle.
	select {
	case <-m.respCh:
	default:
	}

	var failedBefore int64
	for {
		m.mu.Lock()
		vc := m.clock.Clone()
		m.mu.Unlock()

		if err := m.transport.RequestSync(ctx, since, vc, m.config.PullLimit); err != nil {
			return 0, fmt.Errorf("sync request failed: %w", err)
		}

		var resp protocol.SyncResponsePayload
		select {
		case resp = <-m.respCh:
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(m.config.PullWait):
			return 0, fmt.Errorf("timed out waiting for sync response after %v", m.config.PullWait)
		}

		for _, op := range resp.Operations {
			if !m.applyRemote(ctx, op) {
				if failedBefore == 0 || op.Timestamp < failedBefore {
					failedBefore = op.Timestamp
				}
			}
		}
		if err := m.persistClock(ctx); err != nil {
			return 0, err
		}

		if !resp.HasMore {
			return failedBefore, nil
		}
	}
}

// applyRemote delegates one remote operation to the data store and merges its
// clock. An apply failure is logged rather than aborting the cycle, and it
// reports false so the caller keeps the watermark below the operation's
// timestamp; the clock is not merged for a failed apply since the operation
// has not been incorporated.
func (m *Manager) applyRemote(ctx context.Context, op protocol.Operation) bool {
	if op.DeviceID == m.identity.DeviceID() {
		// Our own operation echoed back; the clock already reflects it.
		return true
	}

	if err := m.datastore.ApplyRemote(ctx, op); err != nil {
		m.logger.Printf("Warning: failed to apply remote operation %s: %v", op.ID, err)
		return false
	}

	m.mu.Lock()
	m.clock.Merge(op.VectorClock)
	m.mu.Unlock()

	m.notifyRemote(op)
	return true
}

// push sends the current queue batch. Operations are NOT removed here: the
// ACK handler deletes each one as its acknowledgement arrives, so un-ACKed
// operations stay queued for the next cycle (at-least-once delivery).
func (m *Manager) push(ctx context.Context) error {
	batch, err := m.queue.Batch(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue batch: %w", err)
	}

	for _, rec := range batch {
		if rec.Attempts >= m.config.MaxOperationAttempts {
			if err := m.queue.MarkFailed(ctx, rec.ID, "push retry budget exhausted"); err != nil {
				return err
			}
			continue
		}

		env, err := protocol.NewEnvelope(protocol.TypeOperation, protocol.OperationPayload{Operation: rec.Operation})
		if err != nil {
			return err
		}
		if err := m.transport.Send(ctx, env); err != nil {
			return fmt.Errorf("failed to push operation %s: %w", rec.ID, err)
		}
		if err := m.queue.RecordAttempt(ctx, rec.ID); err != nil {
			return err
		}
	}

	if len(batch) > 0 {
		m.logger.Printf("Pushed %d operations", len(batch))
	}
	return nil
}

// handleMessage routes generic transport message events.
func (m *Manager) handleMessage(env protocol.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case protocol.TypeSyncResponse:
		var p protocol.SyncResponsePayload
		if err := env.Decode(&p); err != nil {
			m.logger.Printf("Warning: dropping malformed sync response: %v", err)
			return
		}
		select {
		case m.respCh <- p:
		default:
			m.logger.Printf("Warning: dropping unsolicited sync response")
		}

	case protocol.TypeAck:
		var p protocol.AckPayload
		if err := env.Decode(&p); err != nil {
			m.logger.Printf("Warning: dropping malformed ack: %v", err)
			return
		}
		if err := m.queue.MarkProcessed(ctx, p.OperationID); err != nil {
			m.logger.Printf("Warning: failed to dequeue acked operation %s: %v", p.OperationID, err)
		}

	case protocol.TypeOperation:
		// Server-pushed operation outside a sync cycle.
		var p protocol.OperationPayload
		if err := env.Decode(&p); err != nil {
			m.logger.Printf("Warning: dropping malformed operation: %v", err)
			return
		}
		m.applyRemote(ctx, p.Operation)
		if err := m.persistClock(ctx); err != nil {
			m.logger.Printf("Warning: %v", err)
		}
		// Run the follow-up cycle off the transport read loop: pull blocks
		// on sync responses that arrive through this same callback.
		if m.machine.State() == state.Idle {
			go func() {
				if err := m.sync(context.Background(), state.EventRemoteChange); err != nil && !errors.Is(err, ErrNotConnected) {
					m.logger.Printf("Remote-triggered sync failed: %v", err)
				}
			}()
		}
	}
}

// handleConnected merges the server clock from the handshake and drives the
// state machine to CONNECTED.
func (m *Manager) handleConnected(p protocol.ConnectedPayload) {
	m.mu.Lock()
	if p.ServerVectorClock != nil {
		m.clock.Merge(p.ServerVectorClock)
	}
	m.mu.Unlock()

	if err := m.persistClock(context.Background()); err != nil {
		m.logger.Printf("Warning: %v", err)
	}
	m.machine.Fire(state.EventConnected)
}

// handleTransportError surfaces transport/server errors as an ERROR
// transition plus error notifications.
func (m *Manager) handleTransportError(p protocol.ErrorPayload) {
	err := fmt.Errorf("transport error %s: %s", p.Code, p.Message)
	m.machine.FireError(state.EventError, err)
	m.notifyError(err)
}

// handleReconnecting tracks the transport's reconnect attempts on the state
// machine: the lost connection enters ERROR, the scheduled attempt re-enters
// CONNECTING.
func (m *Manager) handleReconnecting(attempt int, delay time.Duration) {
	m.logger.Printf("Reconnect attempt %d scheduled in %v", attempt, delay)
	if m.machine.State() != state.Error {
		m.machine.FireError(state.EventError, errors.New("connection lost"))
	}
	m.machine.Fire(state.EventRetry)
}

// OnStateChange registers a connection state observer.
func (m *Manager) OnStateChange(fn func(from, to state.State, event state.Event)) int {
	return m.machine.RegisterObserver(state.Observer(fn))
}

// OnRemoteChange registers an observer notified for every applied remote
// operation. Fire-and-forget; a panicking observer is isolated.
func (m *Manager) OnRemoteChange(fn func(protocol.Operation)) int {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.nextObsID++
	m.remoteObs = append(m.remoteObs, remoteObserver{id: m.nextObsID, fn: fn})
	return m.nextObsID
}

// OnError registers an observer notified for background sync errors.
func (m *Manager) OnError(fn func(error)) int {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.nextObsID++
	m.errorObs = append(m.errorObs, errorObserver{id: m.nextObsID, fn: fn})
	return m.nextObsID
}

// Unregister removes a remote-change or error observer by registration ID.
func (m *Manager) Unregister(id int) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	for i, obs := range m.remoteObs {
		if obs.id == id {
			m.remoteObs = append(m.remoteObs[:i], m.remoteObs[i+1:]...)
			return
		}
	}
	for i, obs := range m.errorObs {
		if obs.id == id {
			m.errorObs = append(m.errorObs[:i], m.errorObs[i+1:]...)
			return
		}
	}
}

func (m *Manager) notifyRemote(op protocol.Operation) {
	m.obsMu.Lock()
	observers := make([]remoteObserver, len(m.remoteObs))
	copy(observers, m.remoteObs)
	m.obsMu.Unlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Printf("Warning: remote-change observer %d panicked: %v", obs.id, r)
				}
			}()
			obs.fn(op)
		}()
	}
}

func (m *Manager) notifyError(err error) {
	m.obsMu.Lock()
	observers := make([]errorObserver, len(m.errorObs))
	copy(observers, m.errorObs)
	m.obsMu.Unlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Printf("Warning: error observer %d panicked: %v", obs.id, r)
				}
			}()
			obs.fn(err)
		}()
	}
}

// persistClock writes the current vector clock to the metadata store.
func (m *Manager) persistClock(ctx context.Context) error {
	m.mu.Lock()
	data, err := m.clock.Encode()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := m.db.SetMeta(ctx, metaVectorClock, string(data)); err != nil {
		return fmt.Errorf("failed to persist vector clock: %w", err)
	}
	return nil
}

// Clock returns a snapshot of the current vector clock.
func (m *Manager) Clock() clock.Vector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Clone()
}

// LastSync returns the last successful sync timestamp (unix milliseconds).
func (m *Manager) LastSync() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}

// State returns the current connection state.
func (m *Manager) State() state.State {
	return m.machine.State()
}
