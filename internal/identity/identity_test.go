package identity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/quiltsync/quilt/internal/sync/store"
)

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return db
}

func TestLoadGeneratesOnFirstRun(t *testing.T) {
	db := setupTestDB(t)

	d, err := Load(context.Background(), db)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if d.DeviceID() == "" {
		t.Error("device id is empty")
	}
	if d.DeviceName() == "" {
		t.Error("device name is empty")
	}
	if d.PublicKey() == "" {
		t.Error("public key is empty")
	}
}

func TestLoadIsStableAcrossReloads(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first, err := Load(ctx, db)
	if err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	second, err := Load(ctx, db)
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}

	if first.DeviceID() != second.DeviceID() {
		t.Errorf("device id changed: %s vs %s", first.DeviceID(), second.DeviceID())
	}
	if first.PublicKey() != second.PublicKey() {
		t.Error("public key changed across reloads")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	db := setupTestDB(t)

	d, err := Load(context.Background(), db)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	data := []byte("operation signing bytes")
	sig := d.Sign(data)

	if !Verify(d.PublicKey(), data, sig) {
		t.Error("valid signature rejected")
	}
	if Verify(d.PublicKey(), []byte("tampered"), sig) {
		t.Error("signature accepted for tampered data")
	}
	if Verify(d.PublicKey(), data, "bm90LWEtc2lnbmF0dXJl") {
		t.Error("bogus signature accepted")
	}
	if Verify("not-base64!!", data, sig) {
		t.Error("garbage public key accepted")
	}
}

func TestLoadRejectsCorruptKey(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := Load(ctx, db); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := db.SetMeta(ctx, "device_private_key", "AAAA"); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(ctx, db); err == nil {
		t.Error("expected error for truncated private key")
	}
}
