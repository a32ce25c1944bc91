package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrefixResolver(t *testing.T) {
	r := NewPrefixResolver()
	r.DeclarePrivate("chat:secret", "alice", "bob")

	tests := []struct {
		roomID string
		want   Policy
	}{
		{"dm:alice:bob", Policy{Kind: PolicyPrivate, Participants: []string{"alice", "bob"}}},
		{"user:alice", Policy{Kind: PolicyPrivate, Participants: []string{"alice"}}},
		{"post:42", Policy{Kind: PolicyResourceScoped, ResourceID: "42"}},
		{"resource:doc-1", Policy{Kind: PolicyResourceScoped, ResourceID: "doc-1"}},
		{"chat:secret", Policy{Kind: PolicyPrivate, Participants: []string{"alice", "bob"}}},
		{"chat:lobby", Policy{Kind: PolicyPublic}},
		{"public:news", Policy{Kind: PolicyPublic}},
	}

	for _, tt := range tests {
		t.Run(tt.roomID, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.roomID))
		})
	}
}

func TestPolicyKindString(t *testing.T) {
	assert.Equal(t, "resource", PolicyResourceScoped.String())
	assert.Equal(t, "unknown", PolicyKind(9).String())
}
