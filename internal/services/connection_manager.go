package services

import (
	"log"
	"sync"

	"courier/internal/models"
)

// ConnectionManager manages all active WebSocket connections, keyed by
// session. A session has at most one live connection; a reconnect replaces
// the previous one.
type ConnectionManager struct {
	connections map[string]*models.SessionConnection
	mutex       sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*models.SessionConnection),
	}
}

// Add registers a connection for its session, replacing and closing any
// previous connection for the same session.
func (cm *ConnectionManager) Add(conn *models.SessionConnection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if prev, exists := cm.connections[conn.SessionKey]; exists {
		close(prev.StopChan)
	}
	cm.connections[conn.SessionKey] = conn
	log.Printf("✅ Connection added: %s (Total: %d)", conn.SessionKey, len(cm.connections))
}

// Remove removes the connection for a session, but only if it is still the
// one given — a replaced connection must not tear down its successor.
func (cm *ConnectionManager) Remove(conn *models.SessionConnection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	current, exists := cm.connections[conn.SessionKey]
	if !exists || current != conn {
		return
	}
	close(current.StopChan)
	delete(cm.connections, conn.SessionKey)
	log.Printf("❌ Connection removed: %s (Total: %d)", conn.SessionKey, len(cm.connections))
}

// Get retrieves the live connection for a session
func (cm *ConnectionManager) Get(sessionKey string) (*models.SessionConnection, bool) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	conn, exists := cm.connections[sessionKey]
	return conn, exists
}

// Count returns the number of active connections
func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.connections)
}
