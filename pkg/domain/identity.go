package domain

import "strings"

// Role is the authorization role attached to an identity.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// ParseRole normalizes a role string coming from a session store.
func ParseRole(s string) Role {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(RoleAdmin):
		return RoleAdmin
	default:
		return RoleUser
	}
}

// Identity is the authenticated principal behind a connection. It never
// changes for the lifetime of the connection.
type Identity struct {
	UserID      string `json:"userId"`
	Role        Role   `json:"role"`
	DisplayName string `json:"displayName,omitempty"`
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Namespace is a logical partition of the event vocabulary.
type Namespace string

const (
	NamespaceDefault      Namespace = ""
	NamespaceChat         Namespace = "chat"
	NamespaceNotification Namespace = "notification"
	NamespaceAdmin        Namespace = "admin"
)

// ParseNamespace maps a URL segment to a known namespace.
func ParseNamespace(s string) (Namespace, bool) {
	switch Namespace(strings.ToLower(strings.Trim(s, "/ "))) {
	case NamespaceDefault, "default":
		return NamespaceDefault, true
	case NamespaceChat:
		return NamespaceChat, true
	case NamespaceNotification, "notifications":
		return NamespaceNotification, true
	case NamespaceAdmin:
		return NamespaceAdmin, true
	default:
		return NamespaceDefault, false
	}
}
