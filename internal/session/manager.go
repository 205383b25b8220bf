package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// Session is the registry view of one connection.
type Session struct {
	ID             string    `json:"session_id"`
	RemoteAddr     string    `json:"remote_addr"`
	State          State     `json:"state"`
	Recordings     int       `json:"recordings"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Manager tracks live connections. It holds no recording data; each
// Controller owns its own recording.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	closers           map[string]func()
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 5 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		closers:           make(map[string]func()),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(remoteAddr string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		RemoteAddr:     remoteAddr,
		State:          StateIdle,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

// SetCloser registers the function the janitor calls to drop an idle connection.
func (m *Manager) SetCloser(sessionID string, closeFn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	m.closers[sessionID] = closeFn
	return nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) SetState(sessionID string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if state == StateRecording && s.State != StateRecording {
		s.Recordings++
	}
	s.State = state
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End removes the session and returns its final view.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.State = StateClosed
	s.LastActivityAt = time.Now().UTC()
	delete(m.sessions, sessionID)
	delete(m.closers, sessionID)
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// expireInactive closes connections idle past the timeout. The session stays
// registered until its connection handler calls End.
func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var (
		expired []*Session
		closers []func()
	)

	m.mu.Lock()
	for id, s := range m.sessions {
		closeFn, ok := m.closers[id]
		if !ok {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		delete(m.closers, id)
		expired = append(expired, clone(s))
		closers = append(closers, closeFn)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for i, s := range expired {
		if closers[i] != nil {
			closers[i]()
		}
		if hook != nil {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}

// CloseAll invokes every registered closer, typically on shutdown, and returns how many ran.
func (m *Manager) CloseAll() int {
	m.mu.Lock()
	closers := make([]func(), 0, len(m.closers))
	for id, closeFn := range m.closers {
		closers = append(closers, closeFn)
		delete(m.closers, id)
	}
	m.mu.Unlock()

	for _, closeFn := range closers {
		if closeFn != nil {
			closeFn()
		}
	}
	return len(closers)
}
