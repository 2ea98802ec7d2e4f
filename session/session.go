package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Session is the per-client state addressed by the JSESSIONID cookie.
type Session struct {
	id      string
	created time.Time
	manager *Manager

	lastAccess atomic.Int64 // unix nanoseconds
	valid      atomic.Bool
	fresh      atomic.Bool

	mu    sync.RWMutex
	attrs map[string]any
}

func newSession(id string, now time.Time, m *Manager) *Session {
	s := &Session{id: id, created: now, manager: m, attrs: make(map[string]any)}
	s.lastAccess.Store(now.UnixNano())
	s.valid.Store(true)
	s.fresh.Store(true)
	return s
}

func (s *Session) ID() string              { return s.id }
func (s *Session) CreationTime() time.Time { return s.created }

func (s *Session) LastAccessedTime() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

// IsNew reports whether the client has not yet sent this session back.
func (s *Session) IsNew() bool { return s.fresh.Load() }

func (s *Session) IsValid() bool { return s.valid.Load() }

func (s *Session) Attribute(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[name]
	return v, ok
}

func (s *Session) SetAttribute(name string, value any) {
	s.mu.Lock()
	s.attrs[name] = value
	s.mu.Unlock()
}

func (s *Session) RemoveAttribute(name string) {
	s.mu.Lock()
	delete(s.attrs, name)
	s.mu.Unlock()
}

// AttributeNames returns the attribute names in sorted order.
func (s *Session) AttributeNames() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.attrs))
	for name := range s.attrs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Invalidate destroys the session and drops it from its manager.
func (s *Session) Invalidate() {
	s.manager.Invalidate(s.id)
}

func (s *Session) touch(now time.Time) {
	s.lastAccess.Store(now.UnixNano())
}

func (s *Session) expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastAccessedTime()) > timeout
}
