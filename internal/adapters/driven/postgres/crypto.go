package postgres

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Sealed credential layout: version(1) || nonce(12) || AES-256-GCM(credential).
// The end key is the additional data, so a blob only opens for the end it
// was written for.
const (
	credentialVersion = 0x01
	nonceSize         = 12
	keySize           = 32

	hkdfSalt = "calsynch/credentials"
	hkdfInfo = "aes-256-gcm subscription end credentials"
)

var (
	ErrInvalidKeySize     = errors.New("credentials key must be 32 bytes")
	ErrEmptyPassphrase    = errors.New("credentials passphrase is empty")
	ErrCredentialTooShort = errors.New("sealed credential is too short")
	ErrCredentialVersion  = errors.New("unsupported sealed credential version")
	ErrCredentialOpen     = errors.New("sealed credential does not open with this key")
)

// CredentialCipher seals end credentials for the subscriptions table.
type CredentialCipher struct {
	aead cipher.AEAD
}

// NewCredentialCipher builds a cipher from a raw 32-byte key.
func NewCredentialCipher(key []byte) (*CredentialCipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &CredentialCipher{aead: aead}, nil
}

// NewCredentialCipherFromPassphrase derives the key from the configured
// credentials.key with HKDF-SHA256.
func NewCredentialCipherFromPassphrase(passphrase string) (*CredentialCipher, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(passphrase), []byte(hkdfSalt), []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive credentials key: %w", err)
	}
	return NewCredentialCipher(key)
}

// Seal encrypts the credential of the end identified by endKey.
func (c *CredentialCipher) Seal(endKey, credential string) ([]byte, error) {
	blob := make([]byte, 1+nonceSize, 1+nonceSize+len(credential)+c.aead.Overhead())
	blob[0] = credentialVersion
	if _, err := rand.Read(blob[1:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return c.aead.Seal(blob, blob[1:], []byte(credential), []byte(endKey)), nil
}

// Open decrypts a credential sealed for endKey.
func (c *CredentialCipher) Open(endKey string, blob []byte) (string, error) {
	if len(blob) < 1+nonceSize+c.aead.Overhead() {
		return "", ErrCredentialTooShort
	}
	if blob[0] != credentialVersion {
		return "", fmt.Errorf("%w: %d", ErrCredentialVersion, blob[0])
	}
	plain, err := c.aead.Open(nil, blob[1:1+nonceSize], blob[1+nonceSize:], []byte(endKey))
	if err != nil {
		return "", ErrCredentialOpen
	}
	return string(plain), nil
}
