// Package session keeps the room memberships of dropped connections for a
// bounded window so a client presenting the same session ID can resume them.
package session

import (
	"sync"
	"time"

	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Session is the resumable state of a dropped connection.
type Session struct {
	ID        string
	UserID    string
	Namespace domain.Namespace
	Rooms     []string
	DroppedAt time.Time
	ExpiresAt time.Time
}

type entry struct {
	session Session
	timer   *clock.Timer
}

// Store holds suspended sessions until they are resumed or expire.
type Store struct {
	clock    clock.Clock
	window   time.Duration
	onExpire func(Session)

	mu       sync.Mutex
	sessions map[string]*entry
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clock = clk }
}

// WithExpireHook registers a callback run when a session's window lapses.
func WithExpireHook(fn func(Session)) Option {
	return func(s *Store) { s.onExpire = fn }
}

// NewStore creates a store with the given recovery window. A zero window
// disables resumption.
func NewStore(window time.Duration, opts ...Option) *Store {
	s := &Store{
		clock:    clock.New(),
		window:   window,
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewID returns a fresh session ID.
func NewID() string {
	return uuid.NewString()
}

// Enabled reports whether sessions are kept at all.
func (s *Store) Enabled() bool {
	return s.window > 0
}

// Suspend records sess as resumable for the store's window, replacing any
// earlier entry with the same ID.
func (s *Store) Suspend(sess Session) {
	if !s.Enabled() || sess.ID == "" {
		return
	}

	now := s.clock.Now()
	sess.DroppedAt = now
	sess.ExpiresAt = now.Add(s.window)
	sess.Rooms = append([]string(nil), sess.Rooms...)

	e := &entry{session: sess}

	s.mu.Lock()
	if old, ok := s.sessions[sess.ID]; ok {
		old.timer.Stop()
	}
	e.timer = s.clock.AfterFunc(s.window, func() { s.expire(sess.ID, e) })
	s.sessions[sess.ID] = e
	s.mu.Unlock()
}

func (s *Store) expire(id string, e *entry) {
	s.mu.Lock()
	current, ok := s.sessions[id]
	if !ok || current != e {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	if s.onExpire != nil {
		s.onExpire(e.session)
	}
}

// Resume removes and returns the session if it is still within its window
// and belongs to userID.
func (s *Store) Resume(id, userID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return Session{}, domain.ErrSessionNotFound
	}
	if e.session.UserID != userID {
		return Session{}, domain.ErrSessionNotFound
	}
	if !s.clock.Now().Before(e.session.ExpiresAt) {
		return Session{}, domain.ErrSessionNotFound
	}

	e.timer.Stop()
	delete(s.sessions, id)
	return e.session, nil
}

// Len returns the number of suspended sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Reset drops every suspended session without running expiry hooks.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.sessions {
		e.timer.Stop()
		delete(s.sessions, id)
	}
}
