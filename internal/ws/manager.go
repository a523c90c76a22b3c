package ws

import (
	"context"
	"sync"
	"time"
)

// Manager tracks every open live connection per user. A user may hold several
// at once (multiple tabs/devices); a user with none simply receives nothing.
type Manager struct {
	mu           sync.RWMutex
	connections  map[int64]map[*Connection]struct{}
	pingInterval time.Duration
}

// NewManager builds connection manager.
func NewManager(pingInterval time.Duration) *Manager {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Manager{
		connections:  make(map[int64]map[*Connection]struct{}),
		pingInterval: pingInterval,
	}
}

// Add registers new connection for its user.
func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.connections[conn.UserID()]
	if !ok {
		set = make(map[*Connection]struct{})
		m.connections[conn.UserID()] = set
	}
	set[conn] = struct{}{}
}

// Remove drops one connection; the user entry disappears with its last one.
func (m *Manager) Remove(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.connections[conn.UserID()]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(m.connections, conn.UserID())
	}
}

// SendToUser enqueues msg on every open connection of the user. Returns the
// number of connections reached; zero means the user is offline.
func (m *Manager) SendToUser(userID int64, msg []byte) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.connections[userID]
	for conn := range set {
		conn.Send(msg)
	}
	return len(set)
}

// ConnectionCount reports open connections for the user.
func (m *Manager) ConnectionCount(userID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections[userID])
}

// Start begins ping loop to keep connections active.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			for _, set := range m.connections {
				for conn := range set {
					_ = conn.Ping()
				}
			}
			m.mu.RUnlock()
		}
	}
}
