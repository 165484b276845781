package dialogue

import (
	"sync"
	"time"
)

// Store keeps at most one live session per call id and is safe for concurrent use.
type Store interface {
	GetOrCreate(cc CallContext) (*Session, bool)
	Get(callID string) (*Session, error)
	Remove(callID string)
	Len() int
	Range(fn func(*Session) bool)
}

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session), now: time.Now}
}

// WithClock overrides the clock used for new sessions. Tests only.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) GetOrCreate(cc CallContext) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[cc.CallID]; ok {
		return s, false
	}
	s := newSession(cc, m.now)
	m.sessions[cc.CallID] = s
	return s, true
}

func (m *MemoryStore) Get(callID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemoryStore) Remove(callID string) {
	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Range calls fn on a snapshot of the sessions; fn may call back into the store.
func (m *MemoryStore) Range(fn func(*Session) bool) {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	for _, s := range list {
		if !fn(s) {
			return
		}
	}
}
