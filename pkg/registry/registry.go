// Package registry is the source of truth for live connections and presence.
//
// Both indexes are split into shards picked by a murmur3 hash of the key, so
// connects and disconnects of unrelated users never contend on one lock.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/twmb/murmur3"
)

const shardCount = 32

// PresenceChange signals that a user came online or went offline.
type PresenceChange struct {
	UserID string
	Status domain.PresenceStatus
}

// RegistrationResult describes the effect of Register.
type RegistrationResult struct {
	// UserConnections is the number of connections the user has after registration.
	UserConnections int
	// Presence is set when this was the user's first connection.
	Presence *PresenceChange
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Connection
}

// Registry maps connections to identities and identities to connections.
type Registry struct {
	connShards [shardCount]*connShard
	userShards [shardCount]*userShard
	count      atomic.Int64
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := 0; i < shardCount; i++ {
		r.connShards[i] = &connShard{conns: make(map[string]*Connection)}
		r.userShards[i] = &userShard{users: make(map[string]map[string]*Connection)}
	}
	return r
}

func shardIndex(key string) uint32 {
	return murmur3.Sum32([]byte(key)) % shardCount
}

func (r *Registry) connShardFor(id string) *connShard   { return r.connShards[shardIndex(id)] }
func (r *Registry) userShardFor(user string) *userShard { return r.userShards[shardIndex(user)] }

// Register inserts conn into both indexes.
func (r *Registry) Register(conn *Connection) (RegistrationResult, error) {
	cs := r.connShardFor(conn.ID())
	cs.mu.Lock()
	if _, exists := cs.conns[conn.ID()]; exists {
		cs.mu.Unlock()
		return RegistrationResult{}, domain.ErrConnectionExists
	}
	cs.conns[conn.ID()] = conn
	cs.mu.Unlock()
	r.count.Add(1)

	us := r.userShardFor(conn.UserID())
	us.mu.Lock()
	set, ok := us.users[conn.UserID()]
	if !ok {
		set = make(map[string]*Connection)
		us.users[conn.UserID()] = set
	}
	set[conn.ID()] = conn
	n := len(set)
	us.mu.Unlock()

	result := RegistrationResult{UserConnections: n}
	if n == 1 {
		result.Presence = &PresenceChange{UserID: conn.UserID(), Status: domain.PresenceOnline}
	}
	return result, nil
}

// Unregister removes the connection. The returned change is non-nil when the
// user's last connection went away. ok is false if the ID was unknown.
func (r *Registry) Unregister(connID string) (change *PresenceChange, ok bool) {
	cs := r.connShardFor(connID)
	cs.mu.Lock()
	conn, exists := cs.conns[connID]
	if exists {
		delete(cs.conns, connID)
	}
	cs.mu.Unlock()

	if !exists {
		return nil, false
	}
	r.count.Add(-1)

	us := r.userShardFor(conn.UserID())
	us.mu.Lock()
	defer us.mu.Unlock()

	set := us.users[conn.UserID()]
	delete(set, connID)
	if len(set) == 0 {
		delete(us.users, conn.UserID())
		return &PresenceChange{UserID: conn.UserID(), Status: domain.PresenceOffline}, true
	}
	return nil, true
}

// Lookup returns the connection with the given ID.
func (r *Registry) Lookup(connID string) (*Connection, bool) {
	cs := r.connShardFor(connID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	conn, ok := cs.conns[connID]
	return conn, ok
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	us := r.userShardFor(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.users[userID]) > 0
}

// ConnectionsOf returns the user's live connections.
func (r *Registry) ConnectionsOf(userID string) []*Connection {
	us := r.userShardFor(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()

	set := us.users[userID]
	conns := make([]*Connection, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

// OnlineUsers returns a point-in-time, sorted snapshot of online user IDs.
// Shards are read one at a time so the result may be slightly stale under
// concurrent mutation.
func (r *Registry) OnlineUsers() []string {
	var users []string
	for _, us := range r.userShards {
		us.mu.RLock()
		for id := range us.users {
			users = append(users, id)
		}
		us.mu.RUnlock()
	}
	sort.Strings(users)
	return users
}

// Local returns every connection registered on this instance.
func (r *Registry) Local() []*Connection {
	conns := make([]*Connection, 0, r.Count())
	for _, cs := range r.connShards {
		cs.mu.RLock()
		for _, c := range cs.conns {
			conns = append(conns, c)
		}
		cs.mu.RUnlock()
	}
	return conns
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Reset drops all state and returns the connections that were registered.
func (r *Registry) Reset() []*Connection {
	var removed []*Connection
	for _, cs := range r.connShards {
		cs.mu.Lock()
		for _, c := range cs.conns {
			removed = append(removed, c)
		}
		cs.conns = make(map[string]*Connection)
		cs.mu.Unlock()
	}
	for _, us := range r.userShards {
		us.mu.Lock()
		us.users = make(map[string]map[string]*Connection)
		us.mu.Unlock()
	}
	r.count.Store(0)
	return removed
}
