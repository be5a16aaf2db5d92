package retry

import (
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"
)

func quietConfig() *Config {
	c := DefaultConfig()
	c.Logger = log.New(io.Discard, "", 0)
	return c
}

func TestFixedDelaySchedule(t *testing.T) {
	c := quietConfig()
	c.MaxRetries = 10
	c.Delays = []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond, 5000 * time.Millisecond}
	c.JitterFactor = 0

	m := New(c)

	// Delay at counts 0, 1, 2, 5 must be 1000, 2000, 5000, 5000.
	want := map[int]time.Duration{
		0: 1000 * time.Millisecond,
		1: 2000 * time.Millisecond,
		2: 5000 * time.Millisecond,
		5: 5000 * time.Millisecond,
	}

	for count := 0; count <= 5; count++ {
		if expected, ok := want[count]; ok {
			if got := m.Delay(); got != expected {
				t.Errorf("Delay at count %d: got %v, want %v", count, got, expected)
			}
		}
		m.RecordAttempt(ErrorNetwork, "test")
	}
}

func TestFixedDelayJitterBounds(t *testing.T) {
	c := quietConfig()
	c.Delays = []time.Duration{1000 * time.Millisecond}
	c.JitterFactor = 0.5

	m := New(c)

	for i := 0; i < 100; i++ {
		d := m.Delay()
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("Jittered delay %v outside [500ms, 1500ms]", d)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	c := quietConfig()
	c.MaxRetries = 10
	c.BaseDelay = time.Second
	c.MaxDelay = 10 * time.Second

	m := New(c)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second, // capped
		10 * time.Second,
	}

	for i, expected := range want {
		if got := m.Delay(); got != expected {
			t.Errorf("Delay at count %d: got %v, want %v", i, got, expected)
		}
		m.RecordAttempt(ErrorNetwork, "test")
	}
}

func TestShouldRetry(t *testing.T) {
	c := quietConfig()
	c.MaxRetries = 3

	m := New(c)

	for i := 0; i < 3; i++ {
		if !m.ShouldRetry() {
			t.Fatalf("Expected ShouldRetry true at count %d", i)
		}
		m.RecordAttempt(ErrorNetwork, "test")
	}

	if m.ShouldRetry() {
		t.Error("Expected ShouldRetry false once budget is spent")
	}
}

func TestReset(t *testing.T) {
	m := New(quietConfig())

	m.RecordAttempt(ErrorTimeout, "slow")
	m.RecordAttempt(ErrorTimeout, "slow")
	if m.Attempts() != 2 {
		t.Fatalf("Expected 2 attempts, got %d", m.Attempts())
	}

	m.Reset()

	if m.Attempts() != 0 {
		t.Errorf("Expected 0 attempts after reset, got %d", m.Attempts())
	}
	// History survives a reset.
	if len(m.History()) != 2 {
		t.Errorf("Expected history length 2 after reset, got %d", len(m.History()))
	}
}

func TestHistoryBounded(t *testing.T) {
	c := quietConfig()
	c.MaxRetries = 1000

	m := New(c)

	for i := 0; i < 75; i++ {
		m.RecordAttempt(ErrorNetwork, "test")
	}

	h := m.History()
	if len(h) != 50 {
		t.Fatalf("Expected history capped at 50, got %d", len(h))
	}
	// Oldest retained entry should be attempt 26 (75 - 50 + 1).
	if h[0].Number != 26 {
		t.Errorf("Expected oldest retained attempt 26, got %d", h[0].Number)
	}
	if h[len(h)-1].Number != 75 {
		t.Errorf("Expected newest attempt 75, got %d", h[len(h)-1].Number)
	}
}

func TestScheduleRetryInvokesOpAndResets(t *testing.T) {
	c := quietConfig()
	c.Delays = []time.Duration{time.Millisecond}
	c.JitterFactor = 0

	m := New(c)

	done := make(chan struct{})
	attempt, err := m.ScheduleRetry(func() error {
		close(done)
		return nil
	}, ErrorNetwork, "connection lost")
	if err != nil {
		t.Fatalf("ScheduleRetry failed: %v", err)
	}
	if attempt.Number != 1 {
		t.Errorf("Expected attempt number 1, got %d", attempt.Number)
	}
	if attempt.Delay != time.Millisecond {
		t.Errorf("Expected delay 1ms, got %v", attempt.Delay)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Scheduled op never ran")
	}

	// Successful op resets the counter; poll briefly since the reset happens
	// after op returns.
	deadline := time.Now().Add(time.Second)
	for m.Attempts() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected counter reset after success, got %d", m.Attempts())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduleRetryExhausted(t *testing.T) {
	c := quietConfig()
	c.MaxRetries = 1
	c.Delays = []time.Duration{time.Millisecond}

	m := New(c)
	m.RecordAttempt(ErrorNetwork, "first failure")

	_, err := m.ScheduleRetry(func() error { return nil }, ErrorNetwork, "again")
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("Expected ErrRetriesExhausted, got %v", err)
	}
}

func TestScheduleRetryReplacesPendingTimer(t *testing.T) {
	c := quietConfig()
	c.MaxRetries = 10
	c.Delays = []time.Duration{20 * time.Millisecond}
	c.JitterFactor = 0

	m := New(c)

	var calls atomic.Int32
	op := func() error {
		calls.Add(1)
		return nil
	}

	if _, err := m.ScheduleRetry(op, ErrorNetwork, "first"); err != nil {
		t.Fatalf("ScheduleRetry failed: %v", err)
	}
	// Rearm before the first timer fires; only the second should run.
	if _, err := m.ScheduleRetry(op, ErrorNetwork, "second"); err != nil {
		t.Fatalf("ScheduleRetry failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 op invocation, got %d", got)
	}
}

func TestStopCancelsPendingRetry(t *testing.T) {
	c := quietConfig()
	c.Delays = []time.Duration{20 * time.Millisecond}

	m := New(c)

	var calls atomic.Int32
	if _, err := m.ScheduleRetry(func() error {
		calls.Add(1)
		return nil
	}, ErrorNetwork, "test"); err != nil {
		t.Fatalf("ScheduleRetry failed: %v", err)
	}

	m.Stop()
	time.Sleep(100 * time.Millisecond)

	if got := calls.Load(); got != 0 {
		t.Errorf("Expected cancelled op not to run, got %d invocations", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorType
	}{
		{"Request timeout", ErrorTimeout},
		{"Network request failed", ErrorNetwork},
		{"dial tcp 10.0.0.1:443: connection refused", ErrorNetwork},
		{"unauthorized: token expired", ErrorAuthentication},
		{"context deadline exceeded", ErrorTimeout},
		{"502 Bad Gateway", ErrorServer},
		{"something inexplicable happened", ErrorUnknown},
	}

	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q): got %s, want %s", tc.msg, got, tc.want)
		}
	}

	if got := Classify(nil); got != ErrorUnknown {
		t.Errorf("Classify(nil): got %s, want %s", got, ErrorUnknown)
	}
}
