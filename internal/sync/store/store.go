// Package store provides the durable SQLite persistence layer for the sync
// engine.
//
// It owns three tables:
//   - operations: the pending operation queue, ordered by timestamp
//   - failed_operations: operations that exhausted their retry budget,
//     retained for inspection and never silently discarded
//   - sync_meta: scalar metadata (last sync timestamp, vector clock,
//     device identity)
//
// The database runs in embedded mode with WAL for concurrent reads. The store
// is the sole mutable shared resource of the engine; all higher layers go
// through it rather than holding their own state on disk.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/quiltsync/quilt/internal/sync/clock"
	"github.com/quiltsync/quilt/internal/sync/protocol"
)

// Record is a queued operation together with queue-local bookkeeping.
type Record struct {
	protocol.Operation

	// Attempts counts how many times the operation has been pushed.
	Attempts int
}

// FailedRecord is an operation moved to the permanently-failed set.
type FailedRecord struct {
	Record

	FailedAt int64 // unix milliseconds
	Reason   string
}

// DB wraps the SQLite connection with sync-specific persistence.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(".quilt/sync.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		op_type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		payload BLOB,
		vector_clock TEXT NOT NULL,
		signature TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS failed_operations (
		id TEXT PRIMARY KEY,
		op_type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		payload BLOB,
		vector_clock TEXT NOT NULL,
		signature TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL,
		failed_at INTEGER NOT NULL,
		reason TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- FIFO delivery order
	CREATE INDEX IF NOT EXISTS idx_ops_timestamp ON operations(timestamp);

	-- Deduplication lookups on (entity_id, op_type, device_id)
	CREATE INDEX IF NOT EXISTS idx_ops_tuple
	    ON operations(entity_id, op_type, device_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// PutOperation inserts or replaces an operation by ID.
func (db *DB) PutOperation(ctx context.Context, op protocol.Operation) error {
	vcJSON, err := op.VectorClock.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode vector clock: %w", err)
	}

	query := `
	INSERT INTO operations (
		id, op_type, entity_type, entity_id, device_id,
		payload, vector_clock, signature, attempts, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	ON CONFLICT(id) DO UPDATE SET
		op_type = excluded.op_type,
		entity_type = excluded.entity_type,
		entity_id = excluded.entity_id,
		device_id = excluded.device_id,
		payload = excluded.payload,
		vector_clock = excluded.vector_clock,
		signature = excluded.signature,
		timestamp = excluded.timestamp
	`

	_, err = db.conn.ExecContext(ctx, query,
		op.ID, string(op.Type), op.EntityType, op.EntityID, op.DeviceID,
		op.Payload, string(vcJSON), op.Signature, op.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to store operation %s: %w", op.ID, err)
	}

	return nil
}

// ReplaceOperation atomically swaps a queued operation for a new one. The
// delete and insert commit together, so a crash never loses both the old and
// new entry for a tuple.
func (db *DB) ReplaceOperation(ctx context.Context, oldID string, op protocol.Operation) error {
	vcJSON, err := op.VectorClock.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode vector clock: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM operations WHERE id = ?", oldID); err != nil {
		return fmt.Errorf("failed to delete operation %s: %w", oldID, err)
	}

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO operations (
		id, op_type, entity_type, entity_id, device_id,
		payload, vector_clock, signature, attempts, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		op.ID, string(op.Type), op.EntityType, op.EntityID, op.DeviceID,
		op.Payload, string(vcJSON), op.Signature, op.Timestamp); err != nil {
		return fmt.Errorf("failed to store operation %s: %w", op.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replacement of %s: %w", oldID, err)
	}
	return nil
}

// GetOperation fetches a queued operation by ID. Returns nil when not found.
func (db *DB) GetOperation(ctx context.Context, id string) (*Record, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT id, op_type, entity_type, entity_id, device_id,
	       payload, vector_clock, signature, attempts, timestamp
	FROM operations WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation %s: %w", id, err)
	}
	return rec, nil
}

// FindByTuple returns the queued operation matching
// (entityID, opType, deviceID), or nil when none exists. The tuple is unique
// by construction: Enqueue replaces any prior entry.
func (db *DB) FindByTuple(ctx context.Context, entityID string, opType protocol.OpType, deviceID string) (*Record, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT id, op_type, entity_type, entity_id, device_id,
	       payload, vector_clock, signature, attempts, timestamp
	FROM operations
	WHERE entity_id = ? AND op_type = ? AND device_id = ?
	ORDER BY timestamp DESC LIMIT 1`, entityID, string(opType), deviceID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find operation for entity %s: %w", entityID, err)
	}
	return rec, nil
}

// ListOperations returns up to limit operations in ascending timestamp order
// (oldest first). A limit <= 0 returns all queued operations.
func (db *DB) ListOperations(ctx context.Context, limit int) ([]Record, error) {
	query := `
	SELECT id, op_type, entity_type, entity_id, device_id,
	       payload, vector_clock, signature, attempts, timestamp
	FROM operations
	ORDER BY timestamp ASC, id ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}

	return records, nil
}

// CountOperations returns the number of queued operations.
func (db *DB) CountOperations(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM operations").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count operations: %w", err)
	}
	return count, nil
}

// DeleteOperation removes one queued operation by ID.
func (db *DB) DeleteOperation(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM operations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete operation %s: %w", id, err)
	}
	return nil
}

// DeleteOperations removes multiple queued operations by ID in one statement.
func (db *DB) DeleteOperations(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := fmt.Sprintf("DELETE FROM operations WHERE id IN (%s)", placeholders)
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete %d operations: %w", len(ids), err)
	}
	return nil
}

// TouchOperation sets an operation's timestamp and increments its attempt
// counter.
func (db *DB) TouchOperation(ctx context.Context, id string, timestamp int64) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE operations SET timestamp = ?, attempts = attempts + 1 WHERE id = ?",
		timestamp, id)
	if err != nil {
		return fmt.Errorf("failed to touch operation %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("operation %s not found", id)
	}
	return nil
}

// IncrementAttempts bumps the push attempt counter without reordering.
func (db *DB) IncrementAttempts(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx,
		"UPDATE operations SET attempts = attempts + 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to increment attempts for %s: %w", id, err)
	}
	return nil
}

// DeleteOlderThan purges queued operations with a timestamp before cutoff.
// Returns the number of rows removed.
func (db *DB) DeleteOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM operations WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged operations: %w", err)
	}
	return n, nil
}

// MarkFailed moves a queued operation to the permanently-failed set.
func (db *DB) MarkFailed(ctx context.Context, id, reason string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
	INSERT INTO failed_operations (
		id, op_type, entity_type, entity_id, device_id,
		payload, vector_clock, signature, attempts, timestamp,
		failed_at, reason
	)
	SELECT id, op_type, entity_type, entity_id, device_id,
	       payload, vector_clock, signature, attempts, timestamp,
	       ?, ?
	FROM operations WHERE id = ?`,
		time.Now().UnixMilli(), reason, id)
	if err != nil {
		return fmt.Errorf("failed to record failed operation %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("operation %s not found", id)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM operations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to dequeue failed operation %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failed operation %s: %w", id, err)
	}
	return nil
}

// ListFailed returns up to limit permanently-failed operations, newest
// failures first. A limit <= 0 returns all of them.
func (db *DB) ListFailed(ctx context.Context, limit int) ([]FailedRecord, error) {
	query := `
	SELECT id, op_type, entity_type, entity_id, device_id,
	       payload, vector_clock, signature, attempts, timestamp,
	       failed_at, reason
	FROM failed_operations
	ORDER BY failed_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed operations: %w", err)
	}
	defer rows.Close()

	var records []FailedRecord
	for rows.Next() {
		var rec FailedRecord
		var opType, vcJSON string
		err := rows.Scan(&rec.ID, &opType, &rec.EntityType, &rec.EntityID, &rec.DeviceID,
			&rec.Payload, &vcJSON, &rec.Signature, &rec.Attempts, &rec.Timestamp,
			&rec.FailedAt, &rec.Reason)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed operation: %w", err)
		}
		rec.Type = protocol.OpType(opType)
		vc, err := clock.Decode([]byte(vcJSON))
		if err != nil {
			return nil, err
		}
		rec.VectorClock = vc
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed operations: %w", err)
	}

	return records, nil
}

// CountFailed returns the size of the permanently-failed set.
func (db *DB) CountFailed(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM failed_operations").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed operations: %w", err)
	}
	return count, nil
}

// GetMeta reads a scalar metadata value. The second return is false when the
// key has never been written.
func (db *DB) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read metadata %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta writes a scalar metadata value.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write metadata %s: %w", key, err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var opType, vcJSON string
	err := s.Scan(&rec.ID, &opType, &rec.EntityType, &rec.EntityID, &rec.DeviceID,
		&rec.Payload, &vcJSON, &rec.Signature, &rec.Attempts, &rec.Timestamp)
	if err != nil {
		return nil, err
	}
	rec.Type = protocol.OpType(opType)
	vc, err := clock.Decode([]byte(vcJSON))
	if err != nil {
		return nil, err
	}
	rec.VectorClock = vc
	return &rec, nil
}
