package cipher

import (
	"bytes"
	"errors"
	"testing"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestNewAESGCMRejectsBadKeySize(t *testing.T) {
	for _, size := range []int{0, 16, 31, 33} {
		if _, err := NewAESGCM(make([]byte, size)); err == nil {
			t.Errorf("key size %d accepted", size)
		}
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := NewAESGCM(testKey())
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("# Meeting notes\n\n- ship the sync daemon\n")
	sealed, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("Meeting")) {
		t.Error("sealed output leaks plaintext")
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: got %q", opened)
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	c, err := NewAESGCM(testKey())
	if err != nil {
		t.Fatal(err)
	}

	a, err := c.Seal([]byte("same input"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Seal([]byte("same input"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext produced identical output")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	c, err := NewAESGCM(testKey())
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := c.Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)-1] ^= 0x01

	if _, err := c.Open(sealed); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("tampered open = %v, want ErrInvalidCiphertext", err)
	}
}

func TestOpenRejectsTruncated(t *testing.T) {
	c, err := NewAESGCM(testKey())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Open([]byte("short")); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("truncated open = %v, want ErrInvalidCiphertext", err)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	c1, err := NewAESGCM(testKey())
	if err != nil {
		t.Fatal(err)
	}
	other := testKey()
	other[0] ^= 0xff
	c2, err := NewAESGCM(other)
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := c1.Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c2.Open(sealed); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("wrong-key open = %v, want ErrInvalidCiphertext", err)
	}
}
