package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klauern/crosssync/internal/eventbus"
	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/model"
	"github.com/klauern/crosssync/internal/security"
)

// ErrNoSealer is returned by credential operations on a store without a key.
var ErrNoSealer = errors.New("rules: no credential key configured")

// SetCredential encrypts secret and stores it for a platform. A zero
// expiresAt never expires.
func (s *Store) SetCredential(platformID string, kind model.PlatformKind, secret string, expiresAt time.Time) error {
	if s.sealer == nil {
		return ErrNoSealer
	}
	env, err := s.sealer.Seal([]byte(secret))
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	s.mu.Lock()
	s.credentials[platformID] = Credential{
		PlatformID: platformID,
		Kind:       kind,
		Value:      env.Encrypted,
		ExpiresAt:  expiresAt,
		CreatedAt:  s.clock(),
	}
	s.mu.Unlock()
	return s.Save()
}

// Credential returns the decrypted secret of a platform. Expired
// credentials are treated as absent.
func (s *Store) Credential(platformID string) (string, bool) {
	if s.sealer == nil {
		return "", false
	}
	now := s.clock()

	s.mu.Lock()
	c, ok := s.credentials[platformID]
	if ok && !c.Expired(now) {
		c.LastUsed = now
		s.credentials[platformID] = c
	}
	s.mu.Unlock()
	if !ok || c.Expired(now) {
		return "", false
	}

	plain, err := s.sealer.Open(model.Envelope{Encrypted: c.Value, Algorithm: security.Algorithm})
	if err != nil {
		logging.Warn("failed to decrypt credential", logging.Platform(platformID), logging.Err(err))
		return "", false
	}
	return string(plain), true
}

// RemoveCredential deletes a platform's credential.
func (s *Store) RemoveCredential(platformID string) (bool, error) {
	s.mu.Lock()
	_, ok := s.credentials[platformID]
	delete(s.credentials, platformID)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, s.Save()
}

// CleanupExpired drops expired credentials and returns how many were removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	now := s.clock()
	removed := 0
	s.mu.Lock()
	for id, c := range s.credentials {
		if c.Expired(now) {
			delete(s.credentials, id)
			removed++
		}
	}
	s.mu.Unlock()
	if removed == 0 {
		return 0, nil
	}
	logging.Info("removed expired credentials", logging.Count(removed))
	s.publish(ctx, eventbus.TypeConfigUpdated, map[string]any{"path": s.path, "expired_credentials": removed})
	return removed, s.Save()
}
