package relay

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/lunchconnect/groupchat/internal/stomp"
)

// Conn is a single client WebSocket connection with its STOMP session
// state. A write mutex serializes outbound frames.
type Conn struct {
	ID        string    // connection ID (UUID)
	UserID    string    // authenticated user, from the bearer token
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for poller lookups
	CreatedAt time.Time // when the connection was established
	LastPing  time.Time // last activity observed from the client

	writeMu    sync.Mutex
	processing int32 // atomic flag: 0 = idle, 1 = being read by handleConn

	mu        sync.Mutex
	connected bool              // STOMP CONNECT completed
	subs      map[string]string // subscription id -> group id
}

// WriteFrame marshals and sends a STOMP frame as a WebSocket text message.
func (c *Conn) WriteFrame(f *stomp.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, f.Marshal())
}

// WriteHeartbeat sends a STOMP heartbeat (a bare EOL).
func (c *Conn) WriteHeartbeat() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, stomp.Heartbeat)
}

// WritePing sends a WebSocket protocol-level ping frame.
func (c *Conn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.Conn.Close()
}

// markConnected records a completed STOMP handshake. Returns false if the
// client already sent CONNECT, which the spec forbids.
func (c *Conn) markConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return false
	}
	c.connected = true
	return true
}

// isConnected reports whether the STOMP handshake has completed.
func (c *Conn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// addSub records a subscription id -> group binding. Returns false when
// the id is already taken by a different group.
func (c *Conn) addSub(subID, groupID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]string)
	}
	if existing, ok := c.subs[subID]; ok && existing != groupID {
		return false
	}
	c.subs[subID] = groupID
	return true
}

// takeSub removes and returns the group bound to a subscription id.
func (c *Conn) takeSub(subID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	groupID, ok := c.subs[subID]
	if ok {
		delete(c.subs, subID)
	}
	return groupID, ok
}

// Registry is a thread-safe map of live connections, addressable by both
// connection ID and file descriptor for O(1) poller lookups.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Conn
	byFd map[int]*Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*Conn),
		byFd: make(map[int]*Conn),
	}
}

// Add registers a connection under both lookup keys.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.byID[c.ID] = c
	r.byFd[c.Fd] = c
	r.mu.Unlock()
}

// Remove removes a connection by ID and closes its socket. Returns true if
// the connection was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byFd, c.Fd)
	}
	r.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection for an ID, or nil.
func (r *Registry) Get(id string) *Conn {
	r.mu.RLock()
	c := r.byID[id]
	r.mu.RUnlock()
	return c
}

// GetByFd returns the connection for a file descriptor, or nil.
func (r *Registry) GetByFd(fd int) *Conn {
	r.mu.RLock()
	c := r.byFd[fd]
	r.mu.RUnlock()
	return c
}

// GetByConn resolves a net.Conn back to its registered connection via its
// file descriptor.
func (r *Registry) GetByConn(nc net.Conn) *Conn {
	return r.GetByFd(socketFD(nc))
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of all live connections.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	out := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	r.mu.RUnlock()
	return out
}
