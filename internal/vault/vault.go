// Package vault watches the local notes directory and turns file changes
// into sync operations with sealed payloads. Plaintext note content never
// crosses the package boundary.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quiltsync/quilt/internal/cipher"
	"github.com/quiltsync/quilt/internal/sync/protocol"
)

// OperationSink receives the operations produced by the watcher.
// Satisfied by the sync engine.
type OperationSink interface {
	QueueOperation(ctx context.Context, op protocol.Operation) error
}

// Config holds configuration for the watcher.
type Config struct {
	// DebounceInterval is how long to wait before processing file changes.
	// This batches rapid editor writes together.
	DebounceInterval time.Duration

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 300 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[vault] ", log.LstdFlags),
	}
}

// Watcher monitors a notes directory and feeds add/update/delete operations
// into the sink. Note identity is the file name relative to the vault root.
type Watcher struct {
	dir    string
	sink   OperationSink
	cipher cipher.Cipher
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // note name -> queued at
	changeQueueMu sync.Mutex

	known      map[string]bool // notes seen on disk; distinguishes add from update
	suppressed map[string]bool // next settled change per note to swallow (our own writes)
	knownMu    sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher over dir. The directory must exist.
func New(dir string, sink OperationSink, c cipher.Cipher, config *Config) (*Watcher, error) {
	if config == nil {
		config = DefaultConfig()
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("vault directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault path %s is not a directory", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		dir:         dir,
		sink:        sink,
		cipher:      c,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		known:       make(map[string]bool),
		suppressed:  make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// SetSink replaces the operation sink. Must be called before Start; the
// composition root uses it to break the watcher/applier/engine cycle.
func (w *Watcher) SetSink(sink OperationSink) {
	w.sink = sink
}

// Start begins watching.
//
// The watcher will:
// 1. Scan the vault to seed the known-note set (no operations are queued
//    for notes already on disk)
// 2. Start watching for file changes
// 3. Process changes with debouncing, sealing payloads before they reach
//    the sink
//
// This blocks until ctx is cancelled or an error occurs.
func (w *Watcher) Start(ctx context.Context) error {
	w.config.Logger.Printf("Watching vault: %s", w.dir)

	if err := w.seedKnown(); err != nil {
		return fmt.Errorf("initial vault scan failed: %w", err)
	}

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch vault directory: %w", err)
	}

	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processChangeQueue()

	select {
	case <-ctx.Done():
		return w.Stop()
	case <-w.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the watcher.
func (w *Watcher) Stop() error {
	w.cancel()

	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}

	w.wg.Wait()
	return nil
}

// seedKnown records the notes already on disk so startup does not re-queue
// the whole vault.
func (w *Watcher) seedKnown() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}

	w.knownMu.Lock()
	defer w.knownMu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !isNote(entry.Name()) {
			continue
		}
		w.known[entry.Name()] = true
	}
	w.config.Logger.Printf("Found %d existing notes", len(w.known))
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			name := filepath.Base(event.Name)
			if !isNote(name) {
				continue
			}

			w.changeQueueMu.Lock()
			w.changeQueue[name] = time.Now()
			w.changeQueueMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processChangeQueue processes queued file changes with debouncing.
func (w *Watcher) processChangeQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.processPendingChanges()
		}
	}
}

// processPendingChanges queues operations for notes whose last change has
// settled past the debounce window.
func (w *Watcher) processPendingChanges() {
	w.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for name, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		ready = append(ready, name)
		delete(w.changeQueue, name)
	}
	w.changeQueueMu.Unlock()

	for _, name := range ready {
		if err := w.processNote(name); err != nil {
			w.config.Logger.Printf("Warning: failed to process %s: %v", name, err)
		}
	}
}

// suppress swallows the next settled change for name. The applier calls this
// before writing so its own disk writes do not come back as local operations.
func (w *Watcher) suppress(name string) {
	w.knownMu.Lock()
	w.suppressed[name] = true
	w.knownMu.Unlock()
}

// remember marks a note as present without emitting an operation.
func (w *Watcher) remember(name string) {
	w.knownMu.Lock()
	w.known[name] = true
	w.knownMu.Unlock()
}

// forget drops a note from the known set without emitting an operation.
func (w *Watcher) forget(name string) {
	w.knownMu.Lock()
	delete(w.known, name)
	w.knownMu.Unlock()
}

// consumeSuppressed reports and clears a pending suppression for name.
func (w *Watcher) consumeSuppressed(name string) bool {
	w.knownMu.Lock()
	defer w.knownMu.Unlock()
	if !w.suppressed[name] {
		return false
	}
	delete(w.suppressed, name)
	return true
}

// processNote inspects one settled note and emits the matching operation.
func (w *Watcher) processNote(name string) error {
	if w.consumeSuppressed(name) {
		return nil
	}

	content, err := os.ReadFile(filepath.Join(w.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return w.noteRemoved(name)
	}
	if err != nil {
		return err
	}

	sealed, err := w.cipher.Seal(content)
	if err != nil {
		return fmt.Errorf("failed to seal %s: %w", name, err)
	}

	w.knownMu.Lock()
	opType := protocol.OpUpdate
	if !w.known[name] {
		opType = protocol.OpAdd
		w.known[name] = true
	}
	w.knownMu.Unlock()

	w.config.Logger.Printf("Note %s: queueing %s", name, opType)
	return w.sink.QueueOperation(w.ctx, protocol.Operation{
		Type:       opType,
		EntityType: "note",
		EntityID:   name,
		Payload:    sealed,
	})
}

// noteRemoved emits a delete for a note that used to exist.
func (w *Watcher) noteRemoved(name string) error {
	w.knownMu.Lock()
	wasKnown := w.known[name]
	delete(w.known, name)
	w.knownMu.Unlock()

	if !wasKnown {
		return nil
	}

	w.config.Logger.Printf("Note %s: queueing delete", name)
	return w.sink.QueueOperation(w.ctx, protocol.Operation{
		Type:       protocol.OpDelete,
		EntityType: "note",
		EntityID:   name,
	})
}

// isNote reports whether a file name is a vault note. Editor swap and hidden
// files are excluded.
func isNote(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return false
	}
	return strings.HasSuffix(name, ".md")
}
