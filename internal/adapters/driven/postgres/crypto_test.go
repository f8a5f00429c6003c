package postgres

import (
	"bytes"
	"errors"
	"testing"
)

var testKey = []byte("01234567890123456789012345678901")

const testEndKey = "caldav|https://dav.example.com/cal/work/"

func TestCredentialCipher_RoundTrip(t *testing.T) {
	c, err := NewCredentialCipher(testKey)
	if err != nil {
		t.Fatalf("NewCredentialCipher: %v", err)
	}

	blob, err := c.Seal(testEndKey, "caldav-user:s3cret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if blob[0] != credentialVersion {
		t.Errorf("version byte: got %d, want %d", blob[0], credentialVersion)
	}
	if bytes.Contains(blob, []byte("s3cret")) {
		t.Error("blob must not contain the plaintext")
	}

	got, err := c.Open(testEndKey, blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "caldav-user:s3cret" {
		t.Errorf("got %q", got)
	}
}

func TestCredentialCipher_BoundToEnd(t *testing.T) {
	c, _ := NewCredentialCipher(testKey)
	blob, err := c.Seal(testEndKey, "token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := c.Open("caldav|https://dav.example.com/cal/home/", blob); !errors.Is(err, ErrCredentialOpen) {
		t.Errorf("credential moved to another end must not open, got %v", err)
	}
}

func TestCredentialCipher_EmptyCredential(t *testing.T) {
	c, _ := NewCredentialCipher(testKey)
	blob, err := c.Seal(testEndKey, "")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if got, err := c.Open(testEndKey, blob); err != nil || got != "" {
		t.Errorf("expected empty credential, got %q %v", got, err)
	}
}

func TestCredentialCipher_InvalidKeySize(t *testing.T) {
	for _, size := range []int{0, 16, 64} {
		if _, err := NewCredentialCipher(make([]byte, size)); !errors.Is(err, ErrInvalidKeySize) {
			t.Errorf("size %d: expected ErrInvalidKeySize, got %v", size, err)
		}
	}
}

func TestCredentialCipher_OpenInvalidBlob(t *testing.T) {
	c, _ := NewCredentialCipher(testKey)

	tests := []struct {
		name string
		blob []byte
		want error
	}{
		{"empty", []byte{}, ErrCredentialTooShort},
		{"too short", []byte{credentialVersion, 0x02}, ErrCredentialTooShort},
		{"wrong version", append([]byte{0x99}, make([]byte, 64)...), ErrCredentialVersion},
		{"corrupted", append([]byte{credentialVersion}, make([]byte, 64)...), ErrCredentialOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Open(testEndKey, tt.blob)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCredentialCipher_FreshNonce(t *testing.T) {
	c, _ := NewCredentialCipher(testKey)

	nonces := make(map[string]bool)
	for i := 0; i < 10; i++ {
		blob, err := c.Seal(testEndKey, "same value")
		if err != nil {
			t.Fatalf("Seal %d: %v", i, err)
		}
		nonce := string(blob[1 : 1+nonceSize])
		if nonces[nonce] {
			t.Errorf("duplicate nonce at index %d", i)
		}
		nonces[nonce] = true
	}
}

func TestNewCredentialCipherFromPassphrase(t *testing.T) {
	if _, err := NewCredentialCipherFromPassphrase(""); !errors.Is(err, ErrEmptyPassphrase) {
		t.Errorf("expected ErrEmptyPassphrase, got %v", err)
	}

	first, err := NewCredentialCipherFromPassphrase("correct horse")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	second, _ := NewCredentialCipherFromPassphrase("correct horse")
	other, _ := NewCredentialCipherFromPassphrase("battery staple")

	blob, err := first.Seal(testEndKey, "token")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if got, err := second.Open(testEndKey, blob); err != nil || got != "token" {
		t.Errorf("same passphrase must derive the same key: %q %v", got, err)
	}
	if _, err := other.Open(testEndKey, blob); !errors.Is(err, ErrCredentialOpen) {
		t.Errorf("different passphrase must not open, got %v", err)
	}
}
