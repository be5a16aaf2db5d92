// Package retry computes reconnection backoff delays, tracks attempt history,
// and classifies transport errors.
//
// A Manager supports two delay modes: a fixed delay schedule (each attempt
// uses the next entry, the last entry repeats) scaled by uniform jitter, or
// exponential backoff doubling from a base delay up to a cap.
package retry

import (
	"errors"
	"log"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrRetriesExhausted is returned by ScheduleRetry once the attempt budget is
// spent.
var ErrRetriesExhausted = errors.New("retry budget exhausted")

// ErrorType classifies a failure for retry bookkeeping.
type ErrorType string

const (
	ErrorNetwork        ErrorType = "network"
	ErrorAuthentication ErrorType = "authentication"
	ErrorTimeout        ErrorType = "timeout"
	ErrorServer         ErrorType = "server"
	ErrorUnknown        ErrorType = "unknown"
)

// maxHistory bounds the attempt history kept for inspection.
const maxHistory = 50

// Attempt records one retry attempt.
type Attempt struct {
	Number       int
	Timestamp    time.Time
	Delay        time.Duration
	ErrorType    ErrorType
	ErrorMessage string
}

// Config holds retry tuning.
type Config struct {
	// MaxRetries is the attempt budget; ShouldRetry is false once spent.
	MaxRetries int

	// BaseDelay seeds exponential backoff (base * 2^attempts).
	BaseDelay time.Duration

	// MaxDelay caps exponential backoff.
	MaxDelay time.Duration

	// Delays, when non-empty, is a fixed delay schedule that overrides
	// exponential backoff. Attempts beyond the schedule reuse the last entry.
	Delays []time.Duration

	// JitterFactor scales fixed-schedule delays by a uniform factor in
	// [1-j, 1+j]. Zero disables jitter.
	JitterFactor float64

	// Logger for retry activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   5,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
		Logger:       log.New(os.Stderr, "[retry] ", log.LstdFlags),
	}
}

// Manager tracks retry attempts for one failure domain (e.g. a transport
// connection) and arms timers for scheduled retries.
type Manager struct {
	config *Config
	logger *log.Logger

	mu      sync.Mutex
	count   int
	history []Attempt
	timer   *time.Timer
	rng     *rand.Rand
}

// New creates a retry manager with the given config (nil uses defaults).
func New(config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[retry] ", log.LstdFlags)
	}
	return &Manager{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RecordAttempt increments the attempt counter and appends to the bounded
// history.
func (m *Manager) RecordAttempt(errType ErrorType, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordLocked(0, errType, message)
}

// recordLocked appends an attempt. Caller holds m.mu.
func (m *Manager) recordLocked(delay time.Duration, errType ErrorType, message string) {
	m.count++
	m.history = append(m.history, Attempt{
		Number:       m.count,
		Timestamp:    time.Now(),
		Delay:        delay,
		ErrorType:    errType,
		ErrorMessage: message,
	})
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

// Delay returns the backoff delay for the next attempt given the current
// attempt count.
func (m *Manager) Delay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delayLocked()
}

func (m *Manager) delayLocked() time.Duration {
	if len(m.config.Delays) > 0 {
		idx := m.count
		if idx > len(m.config.Delays)-1 {
			idx = len(m.config.Delays) - 1
		}
		delay := m.config.Delays[idx]
		if j := m.config.JitterFactor; j > 0 {
			// Uniform scale in [1-j, 1+j].
			scale := 1 - j + 2*j*m.rng.Float64()
			delay = time.Duration(float64(delay) * scale)
		}
		return delay
	}

	delay := m.config.BaseDelay << uint(m.count)
	if m.config.MaxDelay > 0 && delay > m.config.MaxDelay {
		delay = m.config.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether the attempt budget allows another retry.
func (m *Manager) ShouldRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count < m.config.MaxRetries
}

// Attempts returns the current attempt count.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// History returns a copy of the bounded attempt history.
func (m *Manager) History() []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attempt, len(m.history))
	copy(out, m.history)
	return out
}

// Reset zeroes the attempt counter. Called after a successful attempt.
// History is retained for inspection.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count = 0
}

// Stop cancels any pending scheduled retry.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// ScheduleRetry arms a timer that invokes op after the computed backoff delay.
// The attempt is recorded before the timer fires; if op succeeds the counter
// resets. Returns the recorded attempt, or ErrRetriesExhausted when the
// budget is spent. A previously pending retry timer is replaced, never
// stacked.
func (m *Manager) ScheduleRetry(op func() error, errType ErrorType, message string) (Attempt, error) {
	m.mu.Lock()
	if m.count >= m.config.MaxRetries {
		m.mu.Unlock()
		return Attempt{}, ErrRetriesExhausted
	}

	delay := m.delayLocked()
	m.recordLocked(delay, errType, message)
	attempt := m.history[len(m.history)-1]

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(delay, func() {
		if err := op(); err != nil {
			m.logger.Printf("Retry attempt %d failed: %v", attempt.Number, err)
			return
		}
		m.Reset()
	})
	m.mu.Unlock()

	m.logger.Printf("Scheduled retry attempt %d in %v (%s)", attempt.Number, delay, errType)
	return attempt, nil
}

// Classify maps an error to an ErrorType by substring inspection.
// Stateless; unknown errors classify as ErrorUnknown.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "network", "connection refused", "connection reset", "no such host", "unreachable", "broken pipe", "dial tcp"):
		return ErrorNetwork
	case containsAny(msg, "unauthorized", "forbidden", "authentication", "invalid credentials", "401", "403"):
		return ErrorAuthentication
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ErrorTimeout
	case containsAny(msg, "internal server error", "bad gateway", "service unavailable", "server error", "500", "502", "503"):
		return ErrorServer
	default:
		return ErrorUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
