package session

import (
	"net"
	"sync"
	"sync/atomic"
)

// Manager tracks live sessions so the server can report on them and shut
// them down together.
type Manager struct {
	config *Config

	mutex    sync.RWMutex
	sessions map[uint64]*Session

	nextID uint64
	total  int64
}

// NewManager creates a session registry sharing config across sessions.
func NewManager(config *Config) *Manager {
	return &Manager{
		config:   config,
		sessions: make(map[uint64]*Session),
	}
}

// HandleConn starts a session for an accepted client socket and returns it.
func (m *Manager) HandleConn(nc net.Conn) *Session {
	id := atomic.AddUint64(&m.nextID, 1)
	s := newSession(id, nc, m.config, m.remove)

	m.mutex.Lock()
	m.sessions[id] = s
	m.total++
	m.mutex.Unlock()

	s.Start()
	return s
}

func (m *Manager) remove(s *Session) {
	m.mutex.Lock()
	delete(m.sessions, s.id)
	m.mutex.Unlock()
}

// StopAll tears down every live session.
func (m *Manager) StopAll() {
	m.mutex.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mutex.RUnlock()

	for _, s := range live {
		s.Stop()
	}
}

// StatsSnapshot is a point-in-time view of session activity.
type StatsSnapshot struct {
	Active int   `json:"active"`
	Total  int64 `json:"total"`
}

// GetStats returns current session counts.
func (m *Manager) GetStats() StatsSnapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return StatsSnapshot{
		Active: len(m.sessions),
		Total:  m.total,
	}
}
