// Package queue implements the durable FIFO of pending operations awaiting
// propagation.
//
// Operations persist in the SQLite store so the queue survives process
// restarts. Enqueueing deduplicates on (entityId, operationType, deviceId):
// a newer operation for the same tuple replaces the older one. Each enqueue
// rearms a debounce timer; once the configured quiet period elapses the queue
// fires a single "ready" notification, coalescing bursts of local edits into
// one sync trigger.
package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quiltsync/quilt/internal/sync/protocol"
	"github.com/quiltsync/quilt/internal/sync/store"
)

// Config holds queue tuning. Operator-adjustable.
type Config struct {
	// MaxBatchSize bounds how many operations Batch returns per sync cycle.
	MaxBatchSize int

	// Debounce is the quiet period after the last enqueue before the ready
	// notification fires.
	Debounce time.Duration

	// Logger for queue activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxBatchSize: 50,
		Debounce:     300 * time.Millisecond,
		Logger:       log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// Queue is the durable operation queue.
type Queue struct {
	db     *store.DB
	config *Config
	logger *log.Logger

	mu       sync.Mutex
	debounce *time.Timer
	readyFn  func()
	closed   bool
}

// New creates a queue over an initialized store.
func New(db *store.DB, config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		db:     db,
		config: config,
		logger: logger,
	}
}

// OnReady registers the notification invoked after the debounce quiet period.
// At most one notification timer is ever pending; re-enqueueing replaces it.
func (q *Queue) OnReady(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.readyFn = fn
}

// Enqueue persists an operation and arms the debounce timer.
//
// If an operation for the same (entityId, operationType, deviceId) tuple is
// already queued, it is replaced by the new one. Replacement is logged, never
// silent, but is not an error: the newer mutation supersedes the older.
func (q *Queue) Enqueue(ctx context.Context, op protocol.Operation) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp == 0 {
		op.Timestamp = time.Now().UnixMilli()
	}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	existing, err := q.db.FindByTuple(ctx, op.EntityID, op.Type, op.DeviceID)
	if err != nil {
		return err
	}
	if existing != nil {
		q.logger.Printf("Replacing queued %s for entity %s (old op %s, new op %s)",
			op.Type, op.EntityID, existing.ID, op.ID)
		if err := q.db.ReplaceOperation(ctx, existing.ID, op); err != nil {
			return err
		}
	} else if err := q.db.PutOperation(ctx, op); err != nil {
		return err
	}

	q.armDebounce()
	return nil
}

// armDebounce replaces any pending ready timer with a fresh one.
func (q *Queue) armDebounce() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.debounce != nil {
		q.debounce.Stop()
	}
	q.debounce = time.AfterFunc(q.config.Debounce, q.fireReady)
}

func (q *Queue) fireReady() {
	q.mu.Lock()
	fn := q.readyFn
	closed := q.closed
	q.mu.Unlock()

	if closed || fn == nil {
		return
	}
	fn()
}

// Batch returns up to MaxBatchSize operations in ascending timestamp order
// (oldest first).
func (q *Queue) Batch(ctx context.Context) ([]store.Record, error) {
	return q.db.ListOperations(ctx, q.config.MaxBatchSize)
}

// MarkProcessed removes an acknowledged operation from the queue.
func (q *Queue) MarkProcessed(ctx context.Context, id string) error {
	return q.db.DeleteOperation(ctx, id)
}

// MarkBatchProcessed removes a set of acknowledged operations.
func (q *Queue) MarkBatchProcessed(ctx context.Context, ids []string) error {
	return q.db.DeleteOperations(ctx, ids)
}

// Retry stamps an operation with the current time and bumps its attempt
// counter. Because delivery order is ascending by timestamp this moves the
// operation to the back of the queue, letting fresher operations go first.
func (q *Queue) Retry(ctx context.Context, id string) error {
	return q.db.TouchOperation(ctx, id, time.Now().UnixMilli())
}

// RecordAttempt bumps an operation's push counter without reordering it.
func (q *Queue) RecordAttempt(ctx context.Context, id string) error {
	return q.db.IncrementAttempts(ctx, id)
}

// MarkFailed moves an operation to the permanently-failed set, retained for
// inspection. Failed operations are never silently discarded.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) error {
	q.logger.Printf("Moving operation %s to failed set: %s", id, reason)
	return q.db.MarkFailed(ctx, id, reason)
}

// Failed lists the permanently-failed set, newest first.
func (q *Queue) Failed(ctx context.Context) ([]store.FailedRecord, error) {
	return q.db.ListFailed(ctx, 0)
}

// CleanupOld purges queued operations older than maxAge. Returns the number
// removed.
func (q *Queue) CleanupOld(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	n, err := q.db.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Printf("Purged %d operations older than %v", n, maxAge)
	}
	return n, nil
}

// Size returns the number of queued operations.
func (q *Queue) Size(ctx context.Context) (int, error) {
	return q.db.CountOperations(ctx)
}

// Close cancels any pending ready notification. The backing store is owned
// by the caller and is not closed here.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.debounce != nil {
		q.debounce.Stop()
		q.debounce = nil
	}
}
