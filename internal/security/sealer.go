// Package security seals license key and product secrets at rest.
//
// Secrets are encrypted with AES-256-GCM under a per-value key derived with
// HKDF-SHA256 from the configured master key and a random salt. The row id is
// bound as additional data, so a sealed secret copied onto another row fails
// to open.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	sealedPrefix = "v1."
	hkdfInfo     = "licensegate secret v1"

	keySize   = 32 // AES-256
	saltSize  = 32
	nonceSize = 12 // GCM standard nonce size

	// MinMasterKeyLength is the shortest accepted master key
	MinMasterKeyLength = 16
)

var (
	// ErrNotSealed is returned by Open for values without the sealed prefix
	ErrNotSealed = errors.New("value is not sealed")
	// ErrMasterKeyTooShort is returned by NewSealer
	ErrMasterKeyTooShort = fmt.Errorf("master key must be at least %d bytes", MinMasterKeyLength)
)

// Sealer encrypts and decrypts secrets under a master key
type Sealer struct {
	master []byte
	rand   io.Reader
}

// NewSealer creates a sealer for masterKey
func NewSealer(masterKey string) (*Sealer, error) {
	if len(masterKey) < MinMasterKeyLength {
		return nil, ErrMasterKeyTooShort
	}
	return &Sealer{master: []byte(masterKey), rand: rand.Reader}, nil
}

// IsSealed reports whether v looks like a sealed value
func IsSealed(v string) bool {
	return strings.HasPrefix(v, sealedPrefix)
}

// Seal encrypts plaintext bound to id
func (s *Sealer) Seal(plaintext, id string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(s.rand, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := s.aead(salt)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, saltSize+nonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), []byte(id))

	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal for the same id
func (s *Sealer) Open(sealed, id string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	if len(raw) < saltSize+nonceSize {
		return "", errors.New("sealed value too short")
	}

	salt, nonce, ciphertext := raw[:saltSize], raw[saltSize:saltSize+nonceSize], raw[saltSize+nonceSize:]
	gcm, err := s.aead(salt)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(id))
	if err != nil {
		return "", fmt.Errorf("failed to open sealed value: %w", err)
	}
	return string(plaintext), nil
}

// OpenOrPlain opens sealed values and passes anything else through unchanged,
// for directories migrated from plaintext secrets
func (s *Sealer) OpenOrPlain(v, id string) (string, error) {
	if s == nil || !IsSealed(v) {
		return v, nil
	}
	return s.Open(v, id)
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	key, err := s.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	defer clearKey(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return gcm, nil
}

// deriveKey derives an encryption key using HKDF-SHA256
func (s *Sealer) deriveKey(salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, salt, []byte(hkdfInfo))

	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return key, nil
}

// clearKey zeroes key material once the cipher has been built
func clearKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
