package room

import (
	"sort"
	"sync"

	"github.com/HMasataka/gateway/pkg/registry"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
)

// Kind controls a room's lifetime.
type Kind int

const (
	// KindEphemeral rooms are deleted when the last member leaves.
	KindEphemeral Kind = iota
	// KindResource rooms persist until their resource is removed.
	KindResource
)

// Room is a named fan-out group. mu serializes membership changes with
// delivery so members observe room messages in one order.
type Room struct {
	id     string
	policy Policy
	kind   Kind

	mu      sync.Mutex
	members map[string]*registry.Connection
	history *history
}

func newRoom(id string, policy Policy, historySize int) *Room {
	kind := KindEphemeral
	if policy.Kind == PolicyResourceScoped {
		kind = KindResource
	}
	return &Room{
		id:      id,
		policy:  policy,
		kind:    kind,
		members: make(map[string]*registry.Connection),
		history: newHistory(historySize),
	}
}

func (r *Room) ID() string     { return r.id }
func (r *Room) Policy() Policy { return r.policy }
func (r *Room) Kind() Kind     { return r.kind }

func (r *Room) memberIDs() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// history is a fixed-size ring of recent chat messages.
type history struct {
	items []*protocol.ChatMessage
	next  int
	full  bool
}

func newHistory(size int) *history {
	if size <= 0 {
		return &history{}
	}
	return &history{items: make([]*protocol.ChatMessage, size)}
}

func (h *history) add(msg *protocol.ChatMessage) {
	if len(h.items) == 0 {
		return
	}
	h.items[h.next] = msg
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
}

// snapshot returns the buffered messages, oldest first.
func (h *history) snapshot() []*protocol.ChatMessage {
	if !h.full {
		return append([]*protocol.ChatMessage(nil), h.items[:h.next]...)
	}
	out := make([]*protocol.ChatMessage, 0, len(h.items))
	out = append(out, h.items[h.next:]...)
	out = append(out, h.items[:h.next]...)
	return out
}
