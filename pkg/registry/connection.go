package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/gateway/pkg/domain"
)

// Connection is a live, authenticated client connection. It is owned by the
// Registry from Register until Unregister; its identity never changes.
type Connection struct {
	id          string
	identity    domain.Identity
	namespace   domain.Namespace
	sessionID   string
	token       string
	client      domain.Client
	connectedAt time.Time

	lastHeartbeat atomic.Int64
	state         atomic.Int32

	mu    sync.RWMutex
	rooms map[string]struct{}
}

// ConnectionOptions carries the optional attributes of a connection.
type ConnectionOptions struct {
	Namespace domain.Namespace
	SessionID string
	// Token is kept to re-validate privileged actions.
	Token string
}

// NewConnection wraps an admitted transport client.
func NewConnection(client domain.Client, identity domain.Identity, opts ConnectionOptions) *Connection {
	now := time.Now()
	c := &Connection{
		id:          client.ID(),
		identity:    identity,
		namespace:   opts.Namespace,
		sessionID:   opts.SessionID,
		token:       opts.Token,
		client:      client,
		connectedAt: now,
		rooms:       make(map[string]struct{}),
	}
	c.lastHeartbeat.Store(now.UnixNano())
	c.state.Store(int32(domain.StateOpen))
	return c
}

func (c *Connection) ID() string                  { return c.id }
func (c *Connection) UserID() string              { return c.identity.UserID }
func (c *Connection) Identity() domain.Identity   { return c.identity }
func (c *Connection) Namespace() domain.Namespace { return c.namespace }
func (c *Connection) SessionID() string           { return c.sessionID }
func (c *Connection) Token() string               { return c.token }
func (c *Connection) ConnectedAt() time.Time      { return c.connectedAt }
func (c *Connection) Client() domain.Client       { return c.client }

// Context is cancelled when the underlying transport closes.
func (c *Connection) Context() context.Context { return c.client.Context() }

// Send enqueues a frame on the connection's outbound queue.
func (c *Connection) Send(ctx context.Context, frame []byte) error {
	return c.client.Send(ctx, frame)
}

// Close closes the transport.
func (c *Connection) Close(code int, reason domain.CloseReason) error {
	c.SetState(domain.StateClosed)
	return c.client.Close(code, string(reason))
}

// Touch records liveness.
func (c *Connection) Touch() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the last time the client proved liveness.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

func (c *Connection) State() domain.ConnectionState {
	return domain.ConnectionState(c.state.Load())
}

func (c *Connection) SetState(s domain.ConnectionState) {
	c.state.Store(int32(s))
}

// TrackRoom records room membership on the connection side.
// Only the room manager calls it.
func (c *Connection) TrackRoom(roomID string) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

// UntrackRoom removes a room from the connection's membership set.
func (c *Connection) UntrackRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

// InRoom reports whether the connection joined roomID.
func (c *Connection) InRoom(roomID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Rooms returns the joined rooms in sorted order.
func (c *Connection) Rooms() []string {
	c.mu.RLock()
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.RUnlock()

	sort.Strings(rooms)
	return rooms
}
