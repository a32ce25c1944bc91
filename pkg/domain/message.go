package domain

import (
	"encoding/json"
	"time"
)

// ScopeKind determines who receives a message.
type ScopeKind string

const (
	ScopeRoom      ScopeKind = "room"
	ScopeUser      ScopeKind = "user"
	ScopeBroadcast ScopeKind = "broadcast"
)

// Scope is the delivery target of a message. Target is the room or user ID
// and is empty for broadcasts.
type Scope struct {
	Kind   ScopeKind `json:"kind"`
	Target string    `json:"target,omitempty"`
}

func RoomScope(roomID string) Scope { return Scope{Kind: ScopeRoom, Target: roomID} }
func UserScope(userID string) Scope { return Scope{Kind: ScopeUser, Target: userID} }
func BroadcastScope() Scope         { return Scope{Kind: ScopeBroadcast} }

// Message is a routed event, independent of the wire frame it is sent in.
type Message struct {
	ID        string          `json:"id"`
	SenderID  string          `json:"senderId,omitempty"`
	Scope     Scope           `json:"scope"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PresenceStatus is the public online state of a user.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// ConnectionState tracks a connection through its lifecycle.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateAuthenticating
	StateOpen
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
