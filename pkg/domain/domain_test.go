package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseNamespace(t *testing.T) {
	tests := []struct {
		in     string
		want   Namespace
		wantOK bool
	}{
		{"", NamespaceDefault, true},
		{"chat", NamespaceChat, true},
		{"/admin", NamespaceAdmin, true},
		{"notifications", NamespaceNotification, true},
		{"billing", NamespaceDefault, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseNamespace(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleAdmin, ParseRole(" admin "))
	assert.Equal(t, RoleUser, ParseRole("editor"))
	assert.True(t, Identity{Role: RoleAdmin}.IsAdmin())
	assert.False(t, Identity{Role: RoleUser}.IsAdmin())
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", ConnectionState(42).String())
}

func TestCloseReasonResumable(t *testing.T) {
	assert.True(t, CloseTransportLost.Resumable())
	assert.True(t, CloseHeartbeat.Resumable())
	assert.False(t, CloseKicked.Resumable())
	assert.False(t, CloseClientLeft.Resumable())
	assert.False(t, CloseShutdown.Resumable())
}
