// Package session holds the authenticated caller and tells subscribers when it changes.
package session

import (
	"strings"
	"sync"
	"time"
)

// Session represents the authenticated caller.
type Session struct {
	IdentityToken string    `json:"-"`
	DisplayName   string    `json:"display_name"`
	Email         string    `json:"email"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
}

// Key is the normalized email used to key role lookups and caches.
func (s *Session) Key() string {
	if s == nil {
		return ""
	}
	return NormalizeEmail(s.Email)
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Change is delivered to subscribers. Version increases by one on every
// change, so a subscriber can drop notifications that arrive out of order.
type Change struct {
	Version uint64
	Session *Session
}

// Store is owned by whoever owns the client session and passed explicitly to
// the components that need it.
type Store struct {
	mu      sync.RWMutex
	current *Session
	version uint64
	nextSub int
	subs    map[int]func(Change)
}

func NewStore() *Store {
	return &Store{subs: map[int]func(Change){}}
}

// Current returns a copy of the session, or nil when signed out.
func (s *Store) Current() *Session {
	c, _ := s.Snapshot()
	return c
}

// Snapshot returns the session copy together with the version it belongs to.
func (s *Store) Snapshot() (*Session, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySession(s.current), s.version
}

// Version is the number of changes applied so far.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// SignIn replaces the current session (login or switch user).
func (s *Store) SignIn(sess Session) {
	if sess.IssuedAt.IsZero() {
		sess.IssuedAt = time.Now().UTC()
	}
	s.set(&sess)
}

// SignOut clears the session. It is a no-op when already signed out.
func (s *Store) SignOut() {
	s.mu.RLock()
	empty := s.current == nil
	s.mu.RUnlock()
	if empty {
		return
	}
	s.set(nil)
}

// SignOutIf clears the session only while version is still the current one,
// so a rejection that belongs to an earlier session cannot end a later one.
// It reports whether the session was cleared.
func (s *Store) SignOutIf(version uint64) bool {
	s.mu.Lock()
	if s.current == nil || s.version != version {
		s.mu.Unlock()
		return false
	}
	s.apply(nil)
	return true
}

// Subscribe registers fn for future changes and returns the function that
// removes it. fn runs on the goroutine that made the change, outside the lock.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) set(sess *Session) {
	s.mu.Lock()
	s.apply(sess)
}

// apply must be called with mu held; it releases mu before notifying.
func (s *Store) apply(sess *Session) {
	s.current = sess
	s.version++
	ch := Change{Version: s.version, Session: copySession(sess)}
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(ch)
	}
}

func copySession(s *Session) *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
