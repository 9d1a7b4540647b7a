// Package registry holds the in-memory table of live connections and
// their room memberships.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UserRoom returns the implicit personal room label for a user.
func UserRoom(userID int64) string {
	return fmt.Sprintf("user_%d", userID)
}

// HelpRequestRoom returns the conversation room label for a help
// request.
func HelpRequestRoom(helpRequestID int64) string {
	return fmt.Sprintf("help_request_%d", helpRequestID)
}

// Sender is the delivery seam between the registry and the transport. A
// websocket-backed implementation is supplied by the gateway; a
// bus-backed one could replace it for multi-node fan-out.
type Sender interface {
	// Send enqueues an encoded frame for delivery.
	Send(frame []byte) error
	// Open reports whether the transport can still accept frames.
	Open() bool
	// CloseWithReason closes the transport, telling the client why.
	CloseWithReason(reason string) error
}

// Conn is the state for one live transport session. All mutable fields
// are guarded by the connection's own mutex so timers, the sweeper, and
// broadcasts can inspect it while the session loop mutates it.
type Conn struct {
	ID          string
	ConnectedAt time.Time

	sender Sender

	mu           sync.RWMutex
	userID       int64
	rooms        map[string]struct{}
	lastActivity time.Time
}

// Sender returns the connection's delivery endpoint.
func (c *Conn) Sender() Sender {
	return c.sender
}

// UserID returns the owning user id, or 0 before authentication.
func (c *Conn) UserID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Authenticated reports whether the handshake has completed.
func (c *Conn) Authenticated() bool {
	return c.UserID() != 0
}

// SetUserID promotes the connection after a successful handshake.
func (c *Conn) SetUserID(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

// Touch records inbound activity. The activity stamp never moves
// backwards, so concurrent touches are safe to apply in any order.
func (c *Conn) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now := time.Now(); now.After(c.lastActivity) {
		c.lastActivity = now
	}
}

// LastActivity returns the time of the most recent inbound message.
func (c *Conn) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// JoinRoom adds the connection to a room. Joining a room already held
// is a no-op.
func (c *Conn) JoinRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = struct{}{}
}

// LeaveRoom removes the connection from a room. Leaving a room not
// held is a no-op.
func (c *Conn) LeaveRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

// InRoom reports whether the connection currently holds the room.
func (c *Conn) InRoom(roomID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Rooms returns a snapshot of the connection's room set.
func (c *Conn) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

// Registry is the process-wide connection table.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Allocate creates a fully-initialized, unauthenticated connection and
// makes it visible to other operations. No caller ever observes a
// partially-constructed entry.
func (r *Registry) Allocate(sender Sender) *Conn {
	now := time.Now()
	conn := &Conn{
		ID:           uuid.NewString(),
		ConnectedAt:  now,
		sender:       sender,
		rooms:        make(map[string]struct{}),
		lastActivity: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = conn
	return conn
}

// Get returns the connection with the given id, or nil.
func (r *Registry) Get(id string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Remove deletes the connection from the table. Safe to call twice.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ForEach visits a snapshot of the table. Connections removed after the
// snapshot is taken are simply visited against their final state; the
// iteration never fails mid-broadcast.
func (r *Registry) ForEach(fn func(*Conn)) {
	r.mu.RLock()
	snapshot := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		snapshot = append(snapshot, conn)
	}
	r.mu.RUnlock()

	for _, conn := range snapshot {
		fn(conn)
	}
}
