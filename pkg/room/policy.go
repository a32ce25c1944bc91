package room

import (
	"strings"
	"sync"
)

// PolicyKind is the access rule family of a room.
type PolicyKind int

const (
	PolicyPublic PolicyKind = iota
	PolicyPrivate
	PolicyResourceScoped
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyPublic:
		return "public"
	case PolicyPrivate:
		return "private"
	case PolicyResourceScoped:
		return "resource"
	default:
		return "unknown"
	}
}

// Policy decides who may join a room. It is fixed when the room is created.
type Policy struct {
	Kind PolicyKind
	// Participants lists the users admitted to a private room.
	Participants []string
	// ResourceID is the external resource gating a resource-scoped room.
	ResourceID string
}

func (p Policy) allowsUser(userID string) bool {
	for _, id := range p.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// PolicyResolver maps a room ID to its policy.
type PolicyResolver interface {
	Resolve(roomID string) Policy
}

// Room ID prefixes understood by PrefixResolver.
const (
	PrefixDM       = "dm:"
	PrefixUser     = "user:"
	PrefixPost     = "post:"
	PrefixResource = "resource:"
)

// UserRoom returns the private room carrying a user's notifications.
func UserRoom(userID string) string {
	return PrefixUser + userID
}

// PrefixResolver derives policies from room ID conventions:
//
//	dm:<a>:<b>      private to a and b
//	user:<id>       private to id
//	post:<id>       gated by resource id
//	resource:<id>   gated by resource id
//
// Rooms declared with DeclarePrivate take precedence. Everything else is public.
type PrefixResolver struct {
	mu       sync.RWMutex
	declared map[string][]string
}

// NewPrefixResolver creates a resolver with no declared rooms.
func NewPrefixResolver() *PrefixResolver {
	return &PrefixResolver{declared: make(map[string][]string)}
}

// DeclarePrivate makes roomID private to participants. It only affects rooms
// created after the call.
func (r *PrefixResolver) DeclarePrivate(roomID string, participants ...string) {
	r.mu.Lock()
	r.declared[roomID] = append([]string(nil), participants...)
	r.mu.Unlock()
}

// Resolve implements PolicyResolver.
func (r *PrefixResolver) Resolve(roomID string) Policy {
	r.mu.RLock()
	participants, ok := r.declared[roomID]
	r.mu.RUnlock()
	if ok {
		return Policy{Kind: PolicyPrivate, Participants: participants}
	}

	switch {
	case strings.HasPrefix(roomID, PrefixDM):
		parts := strings.Split(strings.TrimPrefix(roomID, PrefixDM), ":")
		return Policy{Kind: PolicyPrivate, Participants: nonEmpty(parts)}
	case strings.HasPrefix(roomID, PrefixUser):
		return Policy{Kind: PolicyPrivate, Participants: nonEmpty([]string{strings.TrimPrefix(roomID, PrefixUser)})}
	case strings.HasPrefix(roomID, PrefixPost):
		return Policy{Kind: PolicyResourceScoped, ResourceID: strings.TrimPrefix(roomID, PrefixPost)}
	case strings.HasPrefix(roomID, PrefixResource):
		return Policy{Kind: PolicyResourceScoped, ResourceID: strings.TrimPrefix(roomID, PrefixResource)}
	default:
		return Policy{Kind: PolicyPublic}
	}
}

func nonEmpty(ids []string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
