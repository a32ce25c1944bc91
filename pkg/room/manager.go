// Package room implements access-controlled fan-out groups.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/HMasataka/gateway/internal/logging"
	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/errors"
	"github.com/HMasataka/gateway/pkg/registry"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
	"github.com/twmb/murmur3"
)

const shardCount = 32

// Publisher forwards a locally delivered room message to other instances.
type Publisher interface {
	PublishMessage(ctx context.Context, msg *domain.Message, excludeConnID string) error
}

// JoinResult describes a successful join.
type JoinResult struct {
	RoomID  string
	Members int
	History []*protocol.ChatMessage
	// AlreadyMember is set when the connection was in the room before the call.
	AlreadyMember bool
}

// Options configures a Manager.
type Options struct {
	Resolver          PolicyResolver
	Checker           ResourceChecker
	Publisher         Publisher
	HistorySize       int
	ResourceCacheSize int
	ResourceCacheTTL  time.Duration
	Logger            *logging.Logger
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// Manager owns all rooms on this instance.
type Manager struct {
	registry    *registry.Registry
	resolver    PolicyResolver
	checker     *cachedChecker
	publisher   Publisher
	historySize int
	logger      *logging.Logger

	shards [shardCount]*shard
}

// NewManager creates a room manager over reg.
func NewManager(reg *registry.Registry, opts Options) *Manager {
	if opts.Resolver == nil {
		opts.Resolver = NewPrefixResolver()
	}
	if opts.ResourceCacheSize <= 0 {
		opts.ResourceCacheSize = 4096
	}
	if opts.ResourceCacheTTL <= 0 {
		opts.ResourceCacheTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	m := &Manager{
		registry:    reg,
		resolver:    opts.Resolver,
		checker:     newCachedChecker(opts.Checker, opts.ResourceCacheSize, opts.ResourceCacheTTL),
		publisher:   opts.Publisher,
		historySize: opts.HistorySize,
		logger:      opts.Logger,
	}
	for i := range m.shards {
		m.shards[i] = &shard{rooms: make(map[string]*Room)}
	}
	return m
}

// SetPublisher attaches the cross-instance publisher. Call before serving.
func (m *Manager) SetPublisher(p Publisher) {
	m.publisher = p
}

func (m *Manager) shardFor(roomID string) *shard {
	return m.shards[murmur3.Sum32([]byte(roomID))%shardCount]
}

// Join admits connID to roomID if the room's policy allows its identity.
// A denied join leaves membership unchanged and returns AccessDenied.
func (m *Manager) Join(ctx context.Context, connID, roomID string) (JoinResult, error) {
	conn, ok := m.registry.Lookup(connID)
	if !ok {
		return JoinResult{}, domain.ErrConnectionNotFound
	}

	policy := m.policyFor(roomID)
	if err := m.authorize(ctx, conn.Identity(), roomID, policy); err != nil {
		return JoinResult{}, err
	}

	s := m.shardFor(roomID)
	s.mu.Lock()
	room, exists := s.rooms[roomID]
	if !exists {
		room = newRoom(roomID, policy, m.historySize)
		s.rooms[roomID] = room
	}
	room.mu.Lock()

	// Track before checking registration: an eviction that unregisters
	// after this point sees the room and waits on room.mu to remove it.
	_, already := room.members[connID]
	conn.TrackRoom(roomID)
	if live, ok := m.registry.Lookup(connID); !ok || live != conn {
		if !already {
			conn.UntrackRoom(roomID)
		}
		if len(room.members) == 0 && (!exists || room.kind == KindEphemeral) {
			delete(s.rooms, roomID)
		}
		room.mu.Unlock()
		s.mu.Unlock()
		return JoinResult{}, domain.ErrConnectionNotFound
	}
	s.mu.Unlock()

	room.members[connID] = conn
	result := JoinResult{
		RoomID:        roomID,
		Members:       len(room.members),
		History:       room.history.snapshot(),
		AlreadyMember: already,
	}
	room.mu.Unlock()

	return result, nil
}

// policyFor returns the policy of a live room, or resolves a new one.
func (m *Manager) policyFor(roomID string) Policy {
	s := m.shardFor(roomID)
	s.mu.RLock()
	room, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if ok {
		return room.policy
	}
	return m.resolver.Resolve(roomID)
}

func (m *Manager) authorize(ctx context.Context, identity domain.Identity, roomID string, policy Policy) error {
	switch policy.Kind {
	case PolicyPublic:
		return nil
	case PolicyPrivate:
		if policy.allowsUser(identity.UserID) {
			return nil
		}
		return accessDenied(roomID, "not a participant")
	case PolicyResourceScoped:
		ok, err := m.checker.Accessible(ctx, policy.ResourceID)
		if err != nil {
			m.logger.Warn("resource check failed",
				"room_id", roomID,
				"resource_id", policy.ResourceID,
				"error", err.Error(),
			)
			return accessDenied(roomID, "resource check failed")
		}
		if !ok {
			return accessDenied(roomID, "resource not accessible")
		}
		return nil
	default:
		return accessDenied(roomID, "unknown policy")
	}
}

func accessDenied(roomID, reason string) error {
	return errors.New(errors.ErrorTypeForbidden, errors.CodeAccessDenied, "access denied").
		WithDetails(fmt.Sprintf("room=%s: %s", roomID, reason))
}

// Leave removes connID from roomID. Ephemeral rooms are deleted when empty.
func (m *Manager) Leave(connID, roomID string) error {
	s := m.shardFor(roomID)
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotMember
	}

	room.mu.Lock()
	conn, member := room.members[connID]
	if member {
		delete(room.members, connID)
		conn.UntrackRoom(roomID)
		if len(room.members) == 0 && room.kind == KindEphemeral {
			delete(s.rooms, roomID)
		}
	}
	room.mu.Unlock()
	s.mu.Unlock()

	if !member {
		return domain.ErrNotMember
	}
	return nil
}

// LeaveAll removes connID from every room it joined and returns those rooms.
func (m *Manager) LeaveAll(connID string) []string {
	conn, ok := m.registry.Lookup(connID)
	if !ok {
		return nil
	}
	return m.LeaveConnection(conn)
}

// LeaveConnection is LeaveAll for a connection that may already be gone
// from the registry.
func (m *Manager) LeaveConnection(conn *registry.Connection) []string {
	rooms := conn.Rooms()
	for _, roomID := range rooms {
		_ = m.Leave(conn.ID(), roomID)
	}
	return rooms
}

// Broadcast delivers msg to every local member of its room except
// excludeConnID, then publishes it to other instances. Local delivery happens
// even when publishing fails; the failure is returned as BackplaneUnavailable.
func (m *Manager) Broadcast(ctx context.Context, msg *domain.Message, excludeConnID string) (int, error) {
	delivered := m.DeliverLocal(ctx, msg, excludeConnID)

	if m.publisher == nil {
		return delivered, nil
	}
	if err := m.publisher.PublishMessage(ctx, msg, excludeConnID); err != nil {
		m.logger.Warn("room message delivered locally only",
			"room_id", msg.Scope.Target,
			"event", msg.Event,
			"error", err.Error(),
		)
		if errors.TypeOf(err) == errors.ErrorTypeUnavailable {
			return delivered, err
		}
		return delivered, errors.Wrap(err, errors.ErrorTypeUnavailable, errors.CodeBackplaneUnavailable, "backplane publish failed")
	}
	return delivered, nil
}

// DeliverLocal delivers msg to the local members of its room only. It is the
// receive path for messages published by other instances.
func (m *Manager) DeliverLocal(ctx context.Context, msg *domain.Message, excludeConnID string) int {
	roomID := msg.Scope.Target

	s := m.shardFor(roomID)
	s.mu.RLock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.RUnlock()
		return 0
	}
	room.mu.Lock()
	s.mu.RUnlock()
	defer room.mu.Unlock()

	if msg.Event == protocol.EventChatMessage {
		var chat protocol.ChatMessage
		if err := json.Unmarshal(msg.Payload, &chat); err == nil {
			room.history.add(&chat)
		}
	}

	if len(room.members) == 0 {
		return 0
	}

	frame, err := protocol.EncodeMessage(msg)
	if err != nil {
		m.logger.Error("encode room message", "room_id", roomID, "error", err.Error())
		return 0
	}

	delivered := 0
	for id, conn := range room.members {
		if id == excludeConnID {
			continue
		}
		if err := conn.Send(ctx, frame); err != nil {
			m.logger.Debug("room delivery skipped",
				"room_id", roomID,
				"connection_id", id,
				"error", err.Error(),
			)
			continue
		}
		delivered++
	}
	return delivered
}

// RemoveResource evicts every member of the rooms gated by resourceID, drops
// those rooms and forgets the cached visibility. It returns the evicted
// connections keyed by room.
func (m *Manager) RemoveResource(resourceID string) map[string][]*registry.Connection {
	evicted := make(map[string][]*registry.Connection)

	for _, s := range m.shards {
		s.mu.Lock()
		for roomID, room := range s.rooms {
			if room.policy.Kind != PolicyResourceScoped || room.policy.ResourceID != resourceID {
				continue
			}
			room.mu.Lock()
			conns := make([]*registry.Connection, 0, len(room.members))
			for _, conn := range room.members {
				conns = append(conns, conn)
			}
			room.members = make(map[string]*registry.Connection)
			room.mu.Unlock()

			delete(s.rooms, roomID)
			evicted[roomID] = conns
		}
		s.mu.Unlock()
	}

	for roomID, conns := range evicted {
		for _, conn := range conns {
			conn.UntrackRoom(roomID)
		}
	}
	m.checker.forget(resourceID)
	return evicted
}

// Members returns the connection IDs in roomID, sorted.
func (m *Manager) Members(roomID string) []string {
	room, ok := m.room(roomID)
	if !ok {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.memberIDs()
}

// MemberCount returns the number of local members of roomID.
func (m *Manager) MemberCount(roomID string) int {
	room, ok := m.room(roomID)
	if !ok {
		return 0
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.members)
}

// Exists reports whether roomID is live on this instance.
func (m *Manager) Exists(roomID string) bool {
	_, ok := m.room(roomID)
	return ok
}

// RoomsOf returns the rooms connID joined.
func (m *Manager) RoomsOf(connID string) []string {
	conn, ok := m.registry.Lookup(connID)
	if !ok {
		return nil
	}
	return conn.Rooms()
}

// Count returns the number of live rooms.
func (m *Manager) Count() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.rooms)
		s.mu.RUnlock()
	}
	return n
}

// Reset drops every room and the resource cache.
func (m *Manager) Reset() {
	for _, s := range m.shards {
		s.mu.Lock()
		for roomID, room := range s.rooms {
			room.mu.Lock()
			for _, conn := range room.members {
				conn.UntrackRoom(roomID)
			}
			room.mu.Unlock()
		}
		s.rooms = make(map[string]*Room)
		s.mu.Unlock()
	}
	m.checker.purge()
}

func (m *Manager) room(roomID string) (*Room, bool) {
	s := m.shardFor(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	return room, ok
}
