// Package session keeps HTTP sessions keyed by the JSESSIONID cookie and
// destroys the ones left idle longer than the session timeout.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fzft/go-mini-tomcat/log"
	"go.uber.org/zap"
)

// CookieName is the cookie carrying the session id.
const CookieName = "JSESSIONID"

// Listener observes the session lifecycle. Both hooks run synchronously on the
// goroutine that created or destroyed the session.
type Listener interface {
	SessionCreated(s *Session)
	SessionDestroyed(s *Session)
}

// ListenerFuncs adapts plain functions to Listener; nil hooks are skipped.
type ListenerFuncs struct {
	Created   func(s *Session)
	Destroyed func(s *Session)
}

func (l ListenerFuncs) SessionCreated(s *Session) {
	if l.Created != nil {
		l.Created(s)
	}
}

func (l ListenerFuncs) SessionDestroyed(s *Session) {
	if l.Destroyed != nil {
		l.Destroyed(s)
	}
}

// Manager is the session store.
type Manager struct {
	timeout time.Duration
	now     func() time.Time
	newID   func() (string, error)

	mu        sync.RWMutex
	sessions  map[string]*Session
	listeners []Listener

	sweeping sync.Once
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		timeout:  timeout,
		now:      time.Now,
		newID:    randomID,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func randomID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

func (m *Manager) Timeout() time.Duration { return m.timeout }

func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Len counts the live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Get returns the live session with id and marks it accessed. An expired
// session is destroyed on the spot and reported as missing.
func (m *Manager) Get(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	now := m.now()
	if s.expired(now, m.timeout) {
		m.destroy(s, false)
		return nil, false
	}
	s.touch(now)
	s.fresh.Store(false)
	return s, true
}

// Create starts a new session and notifies the listeners.
func (m *Manager) Create() (*Session, error) {
	id, err := m.newID()
	if err != nil {
		return nil, err
	}
	s := newSession(id, m.now(), m)

	m.mu.Lock()
	if _, dup := m.sessions[id]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("session id %q already in use", id)
	}
	m.sessions[id] = s
	listeners := m.listeners
	m.mu.Unlock()

	for _, l := range listeners {
		l.SessionCreated(s)
	}
	log.Logger.Debug("session created", zap.String("id", id))
	return s, nil
}

// Invalidate destroys the session with id. It reports whether one existed.
func (m *Manager) Invalidate(id string) bool {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return m.destroy(s, false)
}

// destroy removes s. With onlyExpired it keeps a session touched since it was
// found stale.
func (m *Manager) destroy(s *Session, onlyExpired bool) bool {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; !ok || cur != s || (onlyExpired && !s.expired(m.now(), m.timeout)) {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, s.id)
	listeners := m.listeners
	m.mu.Unlock()

	s.valid.Store(false)
	for _, l := range listeners {
		l.SessionDestroyed(s)
	}
	log.Logger.Debug("session destroyed", zap.String("id", s.id))
	return true
}

// Sweep destroys every session idle longer than the timeout and returns how
// many it removed.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.RLock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.expired(now, m.timeout) {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, s := range stale {
		if m.destroy(s, true) {
			n++
		}
	}
	return n
}

// StartSweeper runs Sweep every interval until Close.
func (m *Manager) StartSweeper(interval time.Duration) {
	m.sweeping.Do(func() {
		go m.sweepLoop(interval)
	})
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				log.Logger.Info("expired idle sessions", zap.Int("count", n))
			}
		}
	}
}

// Close stops the sweeper and destroys every remaining session.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
		started := true
		m.sweeping.Do(func() { started = false })
		if started {
			<-m.done
		}

		m.mu.RLock()
		all := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			all = append(all, s)
		}
		m.mu.RUnlock()
		for _, s := range all {
			m.destroy(s, false)
		}
	})
}
