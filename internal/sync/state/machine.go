// Package state implements the connection lifecycle state machine for the
// sync engine.
//
// The machine is the single source of truth for whether sync may proceed.
// Transitions follow an explicit table; any (state, event) pair outside the
// table is rejected without side effects. The machine keeps its own error
// retry budget, deliberately separate from the transport's reconnection
// budget: one counts ERROR state entries, the other counts dial attempts.
package state

import (
	"log"
	"os"
	"sync"
	"time"
)

// State is a connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Syncing      State = "SYNCING"
	Idle         State = "IDLE"
	Error        State = "ERROR"
)

// Event drives a state transition.
type Event string

const (
	EventConnect      Event = "CONNECT"
	EventConnected    Event = "CONNECTED"
	EventSyncStart    Event = "SYNC_START"
	EventSyncComplete Event = "SYNC_COMPLETE"
	EventLocalChange  Event = "LOCAL_CHANGE"
	EventRemoteChange Event = "REMOTE_CHANGE"
	EventDisconnect   Event = "DISCONNECT"
	EventError        Event = "ERROR"
	EventRetry        Event = "RETRY"
)

// transitions is the full legal transition table. Anything absent is rejected.
var transitions = map[State]map[Event]State{
	Disconnected: {
		EventConnect: Connecting,
	},
	Connecting: {
		EventConnected:  Connected,
		EventError:      Error,
		EventDisconnect: Disconnected,
	},
	Connected: {
		EventSyncStart:  Syncing,
		EventDisconnect: Disconnected,
		EventError:      Error,
	},
	Syncing: {
		EventSyncComplete: Idle,
		EventError:        Error,
		EventDisconnect:   Disconnected,
	},
	Idle: {
		EventLocalChange:  Syncing,
		EventRemoteChange: Syncing,
		EventDisconnect:   Disconnected,
		EventError:        Error,
	},
	Error: {
		EventRetry:      Connecting,
		EventDisconnect: Disconnected,
	},
}

// maxHistory bounds the transition history kept for inspection.
const maxHistory = 100

// Transition records one accepted state change.
type Transition struct {
	From      State
	Event     Event
	To        State
	Timestamp time.Time
}

// Observer is notified synchronously after each accepted transition.
type Observer func(from, to State, event Event)

// Config holds machine tuning.
type Config struct {
	// MaxRetries bounds how many ERROR entries the machine tolerates before
	// CanRetry reports false.
	MaxRetries int

	// Logger for transition activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries: 5,
		Logger:     log.New(os.Stderr, "[state] ", log.LstdFlags),
	}
}

type observerEntry struct {
	id int
	fn Observer
}

// Machine is the connection state machine. Starts in DISCONNECTED.
type Machine struct {
	config *Config
	logger *log.Logger

	mu         sync.Mutex
	state      State
	history    []Transition
	observers  []observerEntry
	nextObsID  int
	errorCount int
	lastErr    error
}

// New creates a machine in the DISCONNECTED state (nil config uses defaults).
func New(config *Config) *Machine {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[state] ", log.LstdFlags)
	}
	return &Machine{
		config: config,
		logger: logger,
		state:  Disconnected,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies an event with no associated error.
func (m *Machine) Fire(event Event) bool {
	return m.FireError(event, nil)
}

// FireError applies an event, recording err when the transition enters ERROR.
//
// Rejected (state, event) pairs return false with the state, history, and
// error bookkeeping untouched; a warning is logged. Accepted transitions
// append to the bounded history and notify observers synchronously in
// registration order. A panicking observer does not prevent the others from
// running.
func (m *Machine) FireError(event Event, err error) bool {
	m.mu.Lock()

	next, ok := transitions[m.state][event]
	if !ok {
		from := m.state
		m.mu.Unlock()
		m.logger.Printf("Warning: rejected event %s in state %s", event, from)
		return false
	}

	from := m.state
	m.state = next

	switch next {
	case Connected:
		m.errorCount = 0
		m.lastErr = nil
	case Error:
		if err != nil {
			m.errorCount++
			m.lastErr = err
		}
	}

	m.history = append(m.history, Transition{
		From:      from,
		Event:     event,
		To:        next,
		Timestamp: time.Now(),
	})
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}

	observers := make([]observerEntry, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	if err != nil {
		m.logger.Printf("%s -> %s (%s): %v", from, next, event, err)
	} else {
		m.logger.Printf("%s -> %s (%s)", from, next, event)
	}

	for _, obs := range observers {
		m.notify(obs, from, next, event)
	}

	return true
}

// notify invokes one observer, isolating panics so the remaining observers
// still run.
func (m *Machine) notify(obs observerEntry, from, to State, event Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("Warning: state observer %d panicked: %v", obs.id, r)
		}
	}()
	obs.fn(from, to, event)
}

// RegisterObserver adds an observer and returns its registration ID.
func (m *Machine) RegisterObserver(fn Observer) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextObsID++
	m.observers = append(m.observers, observerEntry{id: m.nextObsID, fn: fn})
	return m.nextObsID
}

// UnregisterObserver removes an observer by registration ID.
func (m *Machine) UnregisterObserver(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, obs := range m.observers {
		if obs.id == id {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

// CanRetry reports whether the error budget allows another ERROR->CONNECTING
// retry.
func (m *Machine) CanRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorCount < m.config.MaxRetries
}

// ErrorCount returns the number of errors since the last successful connect.
func (m *Machine) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorCount
}

// LastError returns the most recent error recorded on an ERROR entry, or nil.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// History returns a copy of the bounded transition history, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
