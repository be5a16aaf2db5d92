// Package identity manages the device identity used in sync handshakes:
// a stable device ID, a human-readable name, and an ed25519 keypair for
// signing outbound operations. Everything is generated on first run and
// persisted in the sync metadata store.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/quiltsync/quilt/internal/sync/store"
)

// Metadata keys in the durable scalar store.
const (
	metaDeviceID   = "device_id"
	metaDeviceName = "device_name"
	metaPrivateKey = "device_private_key"
)

// Device is a loaded device identity. Immutable after Load.
type Device struct {
	id   string
	name string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Load reads the device identity from the metadata store, generating and
// persisting a fresh one on first run.
func Load(ctx context.Context, db *store.DB) (*Device, error) {
	id, ok, err := db.GetMeta(ctx, metaDeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device id: %w", err)
	}
	if !ok {
		return generate(ctx, db)
	}

	name, _, err := db.GetMeta(ctx, metaDeviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to load device name: %w", err)
	}

	encoded, ok, err := db.GetMeta(ctx, metaPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load device key: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("device %s has no private key; metadata store is corrupt", id)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("corrupt device key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("corrupt device key: %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
	}

	priv := ed25519.PrivateKey(raw)
	return &Device{
		id:   id,
		name: name,
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// generate creates and persists a new identity.
func generate(ctx context.Context, db *store.DB) (*Device, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate device key: %w", err)
	}

	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "unknown-device"
	}

	d := &Device{
		id:   uuid.NewString(),
		name: name,
		priv: priv,
		pub:  pub,
	}

	if err := db.SetMeta(ctx, metaDeviceID, d.id); err != nil {
		return nil, fmt.Errorf("failed to persist device id: %w", err)
	}
	if err := db.SetMeta(ctx, metaDeviceName, d.name); err != nil {
		return nil, fmt.Errorf("failed to persist device name: %w", err)
	}
	if err := db.SetMeta(ctx, metaPrivateKey, base64.StdEncoding.EncodeToString(priv)); err != nil {
		return nil, fmt.Errorf("failed to persist device key: %w", err)
	}
	return d, nil
}

// DeviceID returns the stable device identifier.
func (d *Device) DeviceID() string { return d.id }

// DeviceName returns the human-readable device name.
func (d *Device) DeviceName() string { return d.name }

// PublicKey returns the base64-encoded ed25519 public key.
func (d *Device) PublicKey() string {
	return base64.StdEncoding.EncodeToString(d.pub)
}

// Sign returns the base64-encoded ed25519 signature over data.
func (d *Device) Sign(data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(d.priv, data))
}

// Verify checks a base64 signature against a base64 public key.
func Verify(publicKey string, data []byte, signature string) bool {
	pub, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}
