package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quiltsync/quilt/internal/cipher"
	"github.com/quiltsync/quilt/internal/identity"
	"github.com/quiltsync/quilt/internal/sync/engine"
	"github.com/quiltsync/quilt/internal/sync/queue"
	"github.com/quiltsync/quilt/internal/sync/retry"
	"github.com/quiltsync/quilt/internal/sync/state"
	"github.com/quiltsync/quilt/internal/sync/store"
	"github.com/quiltsync/quilt/internal/sync/transport"
	"github.com/quiltsync/quilt/internal/vault"
)

// app holds the wired components behind every command.
type app struct {
	dataDir string
	db      *store.DB
	queue   *queue.Queue
	device  *identity.Device
	cipher  cipher.Cipher
	engine  *engine.Manager
	watcher *vault.Watcher
	logger  *log.Logger
}

// openDB opens the durable store under the data directory.
func openDB() (*store.DB, string, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, "", err
	}
	db, err := store.Open(filepath.Join(dir, "quilt.db"))
	if err != nil {
		return nil, "", err
	}
	if err := db.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, "", err
	}
	return db, dir, nil
}

// loadCipher reads the vault key from dataDir/vault.key, generating one on
// first run. The key file holds the base64 of 32 random bytes.
func loadCipher(dir string) (cipher.Cipher, error) {
	path := filepath.Join(dir, "vault.key")

	encoded, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		key := make([]byte, cipher.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate vault key: %w", err)
		}
		data := base64.StdEncoding.EncodeToString(key)
		if err := os.WriteFile(path, []byte(data+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write vault key: %w", err)
		}
		return cipher.NewAESGCM(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault key: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("corrupt vault key: %w", err)
	}
	return cipher.NewAESGCM(key)
}

// vaultDir resolves the configured notes vault directory.
func vaultDir() (string, error) {
	dir := viper.GetString("vault")
	if dir == "" {
		return "", errors.New("no vault directory configured (--vault or config)")
	}
	return dir, nil
}

// buildApp wires the full component graph. withWatcher controls whether a
// vault watcher is attached (the daemon wants one, one-shot sync does not).
func buildApp(logger *log.Logger, withWatcher bool, autoConnect bool) (*app, error) {
	db, dir, err := openDB()
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	device, err := identity.Load(context.Background(), db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load device identity: %w", err)
	}

	c, err := loadCipher(dir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load vault key: %w", err)
	}

	notesDir, err := vaultDir()
	if err != nil {
		db.Close()
		return nil, err
	}

	q := queue.New(db, &queue.Config{
		MaxBatchSize: viper.GetInt("batch-size"),
		Debounce:     300 * time.Millisecond,
		Logger:       logger,
	})

	machine := state.New(&state.Config{MaxRetries: 5, Logger: logger})

	client := transport.NewClient(&transport.Config{
		URL:               viper.GetString("server"),
		HeartbeatInterval: 30 * time.Second,
		DialTimeout:       10 * time.Second,
		AutoReconnect:     true,
		Retry:             &retry.Config{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second, JitterFactor: 0.25, Logger: logger},
		Logger:            logger,
	})

	var watcher *vault.Watcher
	if withWatcher {
		watcher, err = vault.New(notesDir, nil, c, &vault.Config{
			DebounceInterval: 300 * time.Millisecond,
			Logger:           logger,
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	applier := vault.NewApplier(notesDir, c, watcher, logger)

	eng := engine.New(q, db, client, machine, device, applier, &engine.Config{
		AutoConnect:          autoConnect,
		InitialSyncDelay:     time.Second,
		PullLimit:            100,
		PullWait:             30 * time.Second,
		MaxOperationAttempts: 10,
		Logger:               logger,
	})

	if watcher != nil {
		watcher.SetSink(eng)
	}

	return &app{
		dataDir: dir,
		db:      db,
		queue:   q,
		device:  device,
		cipher:  c,
		engine:  eng,
		watcher: watcher,
		logger:  logger,
	}, nil
}

// close releases everything the app holds.
func (a *app) close() {
	if a.watcher != nil {
		_ = a.watcher.Stop()
	}
	a.queue.Close()
	_ = a.engine.Disconnect()
	if err := a.db.Close(); err != nil {
		a.logger.Printf("Error closing store: %v", err)
	}
}
