package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/quiltsync/quilt/internal/cipher"
	"github.com/quiltsync/quilt/internal/sync/protocol"
)

// Applier writes remote note operations back into the vault directory.
// Conflicts resolve last-write-wins by operation timestamp against the
// file's modification time.
type Applier struct {
	dir     string
	cipher  cipher.Cipher
	watcher *Watcher // optional; suppresses the echo of our own writes
	logger  *log.Logger
}

// NewApplier creates an applier for dir. watcher may be nil when no watcher
// is running (one-shot sync).
func NewApplier(dir string, c cipher.Cipher, watcher *Watcher, logger *log.Logger) *Applier {
	if logger == nil {
		logger = log.New(os.Stderr, "[vault] ", log.LstdFlags)
	}
	return &Applier{dir: dir, cipher: c, watcher: watcher, logger: logger}
}

// ApplyRemote materializes one remote operation on disk.
func (a *Applier) ApplyRemote(_ context.Context, op protocol.Operation) error {
	if op.EntityType != "note" {
		return fmt.Errorf("unknown entity type %q", op.EntityType)
	}
	name := filepath.Base(op.EntityID)
	if !isNote(name) {
		return fmt.Errorf("entity id %q is not a note", op.EntityID)
	}
	path := filepath.Join(a.dir, name)

	switch op.Type {
	case protocol.OpDelete:
		if a.watcher != nil {
			a.watcher.suppress(name)
			a.watcher.forget(name)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete note %s: %w", name, err)
		}
		a.logger.Printf("Applied remote delete: %s", name)
		return nil

	case protocol.OpAdd, protocol.OpUpdate:
		// Last-write-wins: a strictly newer local file keeps its content.
		if info, err := os.Stat(path); err == nil && info.ModTime().UnixMilli() > op.Timestamp {
			a.logger.Printf("Skipping remote %s for %s: local file is newer", op.Type, name)
			return nil
		}

		plaintext, err := a.cipher.Open(op.Payload)
		if err != nil {
			return fmt.Errorf("failed to open payload for %s: %w", name, err)
		}

		if a.watcher != nil {
			a.watcher.suppress(name)
			a.watcher.remember(name)
		}
		if err := os.WriteFile(path, plaintext, 0o600); err != nil {
			return fmt.Errorf("failed to write note %s: %w", name, err)
		}
		a.logger.Printf("Applied remote %s: %s", op.Type, name)
		return nil

	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}
