package security

import (
	"errors"
	"testing"

	"github.com/klauern/crosssync/internal/model"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	key, err := GenerateKey(KeySize)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	s, err := NewSealer(key, LabelRecords)
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	return s
}

func TestSealPayload_RoundTrip(t *testing.T) {
	s := newTestSealer(t)
	payload := map[string]any{
		"x":     1,
		"ratio": 0.5,
		"tags":  []any{"a", "b"},
		"inner": map[string]any{"z": true, "a": "first"},
	}

	env, sum, err := s.SealPayload(payload)
	if err != nil {
		t.Fatalf("SealPayload() error = %v", err)
	}
	if env.Algorithm != Algorithm {
		t.Errorf("Algorithm = %q, want %q", env.Algorithm, Algorithm)
	}
	if env.Encrypted == "" {
		t.Fatal("expected ciphertext in envelope")
	}

	got, err := s.OpenPayload(env)
	if err != nil {
		t.Fatalf("OpenPayload() error = %v", err)
	}
	if got["x"] != int64(1) {
		t.Errorf("x = %#v, want int64(1)", got["x"])
	}
	if got["ratio"] != 0.5 {
		t.Errorf("ratio = %#v, want 0.5", got["ratio"])
	}

	again, err := Checksum(got)
	if err != nil {
		t.Fatalf("Checksum() error = %v", err)
	}
	if again != sum {
		t.Errorf("checksum of decrypted payload = %s, want %s", again, sum)
	}
}

func TestChecksum_KeyOrderIndependent(t *testing.T) {
	a, _ := Checksum(map[string]any{"a": 1, "b": map[string]any{"c": 2, "d": 3}})
	b, _ := Checksum(map[string]any{"b": map[string]any{"d": 3, "c": 2}, "a": 1})
	if a != b {
		t.Errorf("checksums differ for equal payloads: %s vs %s", a, b)
	}

	c, _ := Checksum(map[string]any{"a": 2})
	if a == c {
		t.Error("different payloads produced the same checksum")
	}
}

func TestSeal_FreshNoncePerCall(t *testing.T) {
	s := newTestSealer(t)
	e1, _ := s.Seal([]byte("same"))
	e2, _ := s.Seal([]byte("same"))
	if e1.Encrypted == e2.Encrypted {
		t.Error("two seals of the same plaintext produced identical ciphertext")
	}
}

func TestOpen_Errors(t *testing.T) {
	s := newTestSealer(t)
	env, _ := s.Seal([]byte(`{"x":1}`))

	tests := map[string]struct {
		env  model.Envelope
		want error
	}{
		"wrong algorithm": {env: model.Envelope{Encrypted: env.Encrypted, Algorithm: "rot13"}, want: ErrUnsupportedAlgorithm},
		"bad base64":      {env: model.Envelope{Encrypted: "%%%", Algorithm: Algorithm}, want: ErrDecrypt},
		"too short":       {env: model.Envelope{Encrypted: "AAAA", Algorithm: Algorithm}, want: ErrDecrypt},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Open(tt.env); !errors.Is(err, tt.want) {
				t.Errorf("Open() error = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("other key", func(t *testing.T) {
		other := newTestSealer(t)
		if _, err := other.Open(env); !errors.Is(err, ErrDecrypt) {
			t.Errorf("Open() with another key error = %v, want ErrDecrypt", err)
		}
	})
}

func TestVerify(t *testing.T) {
	s := newTestSealer(t)
	env, sum, err := s.SealPayload(map[string]any{"note": "hello"})
	if err != nil {
		t.Fatalf("SealPayload() error = %v", err)
	}

	ok, err := s.Verify(model.Record{Content: env, Checksum: sum})
	if err != nil || !ok {
		t.Errorf("Verify() = %v, %v; want true, nil", ok, err)
	}

	ok, err = s.Verify(model.Record{Content: env, Checksum: "deadbeef"})
	if err != nil || ok {
		t.Errorf("Verify() with tampered checksum = %v, %v; want false, nil", ok, err)
	}
}

func TestNewSealer_LabelsSeparateKeys(t *testing.T) {
	key, _ := GenerateKey(KeySize)
	records, _ := NewSealer(key, LabelRecords)
	creds, _ := NewSealer(key, LabelCredentials)

	env, _ := records.Seal([]byte("secret"))
	if _, err := creds.Open(env); err == nil {
		t.Error("credential sealer opened a record envelope")
	}
}
