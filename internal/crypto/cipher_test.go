package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewCipher(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		c, err := NewCipher(testKey(t))
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if c == nil {
			t.Fatal("Expected cipher, got nil")
		}
	})

	t.Run("invalid base64", func(t *testing.T) {
		if _, err := NewCipher("not-valid-base64!!!"); err == nil {
			t.Fatal("Expected error for invalid base64, got nil")
		}
	})

	t.Run("wrong key length", func(t *testing.T) {
		short := base64.StdEncoding.EncodeToString(make([]byte, 16))
		if _, err := NewCipher(short); err == nil {
			t.Fatal("Expected error for wrong key length, got nil")
		}
	})
}

func TestSealOpen(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}

	testCases := []struct {
		name   string
		secret []byte
	}{
		{"password", []byte("mypassword123")},
		{"token json", []byte(`{"access":"ya29.x","refresh":"1//y"}`)},
		{"empty", []byte{}},
		{"unicode", []byte("пароль密码🔐")},
		{"binary", []byte{0x00, 0xFF, 0x10, 0x80, 0x7F}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := c.Seal(tc.secret)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if len(sealed) == 0 {
				t.Fatal("Expected non-empty sealed blob")
			}

			opened, err := c.Open(sealed)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if !bytes.Equal(opened, tc.secret) {
				t.Errorf("Expected %q, got %q", tc.secret, opened)
			}
		})
	}
}

func TestSealProducesDifferentBlobs(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}

	secret := []byte("same secret")

	sealed1, err := c.Seal(secret)
	if err != nil {
		t.Fatalf("First seal failed: %v", err)
	}
	sealed2, err := c.Seal(secret)
	if err != nil {
		t.Fatalf("Second seal failed: %v", err)
	}

	if bytes.Equal(sealed1, sealed2) {
		t.Error("Expected different sealed blobs for the same secret (nonce should differ)")
	}
}

func TestOpenInvalidBlob(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}

	t.Run("too short", func(t *testing.T) {
		if _, err := c.Open([]byte("short")); err == nil {
			t.Error("Expected error for truncated blob, got nil")
		}
	})

	t.Run("corrupted data", func(t *testing.T) {
		sealed, _ := c.Seal([]byte("test"))
		sealed[len(sealed)-1] ^= 0xFF

		if _, err := c.Open(sealed); err == nil {
			t.Error("Expected error for corrupted blob, got nil")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		sealed, _ := c.Seal([]byte("test"))

		other, err := NewCipher(base64.StdEncoding.EncodeToString(make([]byte, 32)))
		if err != nil {
			t.Fatalf("Failed to create second cipher: %v", err)
		}
		if _, err := other.Open(sealed); err == nil {
			t.Error("Expected error when opening under a different key, got nil")
		}
	})
}
