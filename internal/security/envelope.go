package security

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/klauern/crosssync/internal/model"
)

// Algorithm is the envelope algorithm name written by Sealer.
const Algorithm = "xchacha20-poly1305"

// Key derivation labels.
const (
	LabelRecords     = "records"
	LabelCredentials = "credentials"
)

// Sealer encrypts payloads into envelopes and opens them again.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a purpose-specific key from the master key and
// returns a Sealer for it.
func NewSealer(masterKey []byte, label string) (*Sealer, error) {
	key, err := DeriveKey(masterKey, label, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext. The envelope holds base64(nonce || ciphertext).
func (s *Sealer) Seal(plaintext []byte) (model.Envelope, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return model.Envelope{}, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return model.Envelope{
		Encrypted: base64.StdEncoding.EncodeToString(sealed),
		Algorithm: Algorithm,
	}, nil
}

// Open decrypts an envelope produced by Seal.
func (s *Sealer) Open(env model.Envelope) ([]byte, error) {
	if env.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, env.Algorithm)
	}
	raw, err := base64.StdEncoding.DecodeString(env.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// SealPayload canonicalizes a JSON payload, seals it and returns the
// envelope together with the checksum of the canonical plaintext.
func (s *Sealer) SealPayload(payload map[string]any) (model.Envelope, string, error) {
	canon, err := Canonical(payload)
	if err != nil {
		return model.Envelope{}, "", err
	}
	env, err := s.Seal(canon)
	if err != nil {
		return model.Envelope{}, "", err
	}
	return env, digest(canon), nil
}

// OpenPayload opens an envelope and decodes the JSON payload inside.
// Integral numbers decode as int64, others as float64.
func (s *Sealer) OpenPayload(env model.Envelope) (map[string]any, error) {
	plain, err := s.Open(env)
	if err != nil {
		return nil, err
	}
	payload, err := decode(plain)
	if err != nil {
		return nil, err
	}
	return convertNumbers(payload).(map[string]any), nil
}

// Verify opens the record's envelope and reports whether a fresh checksum
// of the plaintext matches the stored one.
func (s *Sealer) Verify(rec model.Record) (bool, error) {
	plain, err := s.Open(rec.Content)
	if err != nil {
		return false, err
	}
	payload, err := decode(plain)
	if err != nil {
		return false, err
	}
	sum, err := Checksum(payload)
	if err != nil {
		return false, err
	}
	return SecureCompare(sum, rec.Checksum), nil
}

// Checksum returns the hex SHA-256 of the payload's canonical JSON form.
func Checksum(payload map[string]any) (string, error) {
	canon, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	return digest(canon), nil
}

// Canonical renders payload as compact JSON with sorted object keys.
// Numbers keep their literal form so a decode/encode round trip is stable.
func Canonical(payload map[string]any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	normalized, err := decode(raw)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return out, nil
}

func decode(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return out, nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func convertNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = convertNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = convertNumbers(e)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
