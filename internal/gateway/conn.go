package gateway

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated WebSocket client with a write mutex for
// serializing outbound frames.
type Connection struct {
	UserID    string    // authenticated user id
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established
	LastSeen  time.Time // last frame received from the client
	writeMu   sync.Mutex
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry mapping user ids to their live
// connection. A user has at most one connection per gateway; a newer
// connection replaces the older one.
type ConnectionManager struct {
	mu     sync.RWMutex
	byUser map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byUser: make(map[string]*Connection)}
}

// Add registers a connection, returning the previous connection for the same
// user if one existed. The caller is responsible for closing the replaced
// connection.
func (cm *ConnectionManager) Add(conn *Connection) *Connection {
	cm.mu.Lock()
	prev := cm.byUser[conn.UserID]
	cm.byUser[conn.UserID] = conn
	cm.mu.Unlock()
	return prev
}

// Remove removes the given connection and closes it. Returns false if the
// user's registered connection is a different one (the old connection of a
// reconnecting user) or was already gone, in which case only conn itself is
// closed.
func (cm *ConnectionManager) Remove(conn *Connection) bool {
	cm.mu.Lock()
	current, ok := cm.byUser[conn.UserID]
	if ok && current == conn {
		delete(cm.byUser, conn.UserID)
	} else {
		ok = false
	}
	cm.mu.Unlock()

	conn.Close()
	return ok
}

// Get returns the connection for the given user id, or nil if not connected.
func (cm *ConnectionManager) Get(userID string) *Connection {
	cm.mu.RLock()
	conn := cm.byUser[userID]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byUser)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byUser))
	for _, conn := range cm.byUser {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
