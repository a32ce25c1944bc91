package auth

import (
	"context"
	"sync"
	"time"

	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/benbjohnson/clock"
)

type staticSession struct {
	identity  domain.Identity
	expiresAt time.Time
}

// StaticValidator is an in-memory SessionValidator for development and tests.
type StaticValidator struct {
	clock clock.Clock

	mu       sync.RWMutex
	sessions map[string]staticSession
}

// NewStaticValidator creates an empty validator. A nil clock uses the wall clock.
func NewStaticValidator(clk clock.Clock) *StaticValidator {
	if clk == nil {
		clk = clock.New()
	}
	return &StaticValidator{
		clock:    clk,
		sessions: make(map[string]staticSession),
	}
}

// Add registers token for identity. A zero ttl never expires.
func (v *StaticValidator) Add(token string, identity domain.Identity, ttl time.Duration) {
	s := staticSession{identity: identity}
	if ttl > 0 {
		s.expiresAt = v.clock.Now().Add(ttl)
	}

	v.mu.Lock()
	v.sessions[token] = s
	v.mu.Unlock()
}

// Revoke invalidates token.
func (v *StaticValidator) Revoke(token string) {
	v.mu.Lock()
	delete(v.sessions, token)
	v.mu.Unlock()
}

// Validate implements SessionValidator.
func (v *StaticValidator) Validate(_ context.Context, token string) (domain.Identity, error) {
	v.mu.RLock()
	s, ok := v.sessions[token]
	v.mu.RUnlock()

	if !ok {
		return domain.Identity{}, ErrInvalidSession
	}
	if !s.expiresAt.IsZero() && !v.clock.Now().Before(s.expiresAt) {
		return domain.Identity{}, ErrSessionExpired
	}
	return s.identity, nil
}
