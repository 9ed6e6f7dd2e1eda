// Package security seals record payloads into encrypted envelopes, computes
// content checksums and manages the local key file.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors
var (
	ErrInsufficientEntropy  = errors.New("security: insufficient entropy")
	ErrWeakKey              = errors.New("security: key is too weak")
	ErrInvalidKeySize       = errors.New("security: invalid key size")
	ErrUnsupportedAlgorithm = errors.New("security: unsupported envelope algorithm")
	ErrDecrypt              = errors.New("security: envelope could not be decrypted")
	ErrKeyNotFound          = errors.New("security: key file not found")
)

// MinKeySize is the minimum allowed key size in bytes.
const MinKeySize = 16

// KeySize is the size of generated master keys.
const KeySize = 32

// GenerateKey generates a cryptographically secure random key.
func GenerateKey(size int) ([]byte, error) {
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}
	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return key, nil
}

// DeriveKey derives a subkey from the master key with HKDF-SHA256. The label
// separates keys used for different purposes (records, credentials).
func DeriveKey(masterKey []byte, label string, size int) ([]byte, error) {
	if len(masterKey) < MinKeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, minimum %d required",
			ErrWeakKey, len(masterKey), MinKeySize)
	}
	reader := hkdf.New(sha256.New, masterKey, nil, []byte("crosssync:"+label))
	derived := make([]byte, size)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return derived, nil
}

// SecureCompare performs a constant-time comparison of two strings.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// LoadKey reads a base64 master key from path.
func LoadKey(path string) ([]byte, error) {
	// #nosec G304 - path comes from user configuration
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key file %s: %w", path, err)
	}
	if len(key) < MinKeySize {
		return nil, fmt.Errorf("%w: %s holds %d bytes", ErrWeakKey, path, len(key))
	}
	return key, nil
}

// WriteKey generates a new master key and writes it to path with 0600
// permissions. An existing file is only replaced when force is set.
func WriteKey(path string, force bool) ([]byte, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("key file already exists: %s", path)
		}
	}
	key, err := GenerateKey(KeySize)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}

// LoadOrCreateKey loads the key at path, creating it on first use.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := LoadKey(path)
	if errors.Is(err, ErrKeyNotFound) {
		return WriteKey(path, false)
	}
	return key, err
}
