// Package backplane fans gateway messages out across instances over a shared
// publish/subscribe transport.
//
// Every instance subscribes to the same four broad channels and filters
// locally: room messages are delivered to whatever local members the room
// has, user messages to the user's local connections, broadcasts to everyone,
// and control envelopes (kick, resource removal) are applied by each
// instance. Envelopes carry the origin instance ID and an instance ignores
// its own.
package backplane

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/HMasataka/gateway/pkg/domain"
)

// ErrConnectionLost is returned by Subscribe when the transport drops.
var ErrConnectionLost = stderrors.New("backplane connection lost")

// Handler receives subscription events from a Backplane.
type Handler interface {
	// OnSubscribed is called once all channels are subscribed.
	OnSubscribed()
	// OnMessage is called for every payload received, in channel order.
	OnMessage(channel string, payload []byte)
}

// Backplane is a publish/subscribe transport.
type Backplane interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe blocks until ctx is done (returning nil) or the connection is
	// lost (returning an error).
	Subscribe(ctx context.Context, channels []string, handler Handler) error
	Close() error
}

// Channels is the fixed set of channels an instance subscribes to.
type Channels struct {
	Room      string
	User      string
	Broadcast string
	Control   string
}

// NewChannels derives channel names from prefix.
func NewChannels(prefix string) Channels {
	return Channels{
		Room:      prefix + ".room",
		User:      prefix + ".user",
		Broadcast: prefix + ".broadcast",
		Control:   prefix + ".control",
	}
}

// All lists the channels in subscription order.
func (c Channels) All() []string {
	return []string{c.Room, c.User, c.Broadcast, c.Control}
}

func (c Channels) forScope(kind domain.ScopeKind) (string, error) {
	switch kind {
	case domain.ScopeRoom:
		return c.Room, nil
	case domain.ScopeUser:
		return c.User, nil
	case domain.ScopeBroadcast:
		return c.Broadcast, nil
	default:
		return "", fmt.Errorf("unknown scope %q", kind)
	}
}

// ControlAction is an instruction every instance applies to its local state.
type ControlAction string

const (
	ControlKick           ControlAction = "kick"
	ControlRemoveResource ControlAction = "remove-resource"
)

// Control is the body of a control envelope.
type Control struct {
	Action     ControlAction `json:"action"`
	UserID     string        `json:"userId,omitempty"`
	ResourceID string        `json:"resourceId,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	By         string        `json:"by,omitempty"`
}

// Envelope is the unit carried on the wire.
type Envelope struct {
	Origin  string          `json:"origin"`
	Message *domain.Message `json:"message,omitempty"`
	// Exclude is a connection on the origin instance that must not receive
	// the message.
	Exclude string   `json:"exclude,omitempty"`
	Control *Control `json:"control,omitempty"`
}
