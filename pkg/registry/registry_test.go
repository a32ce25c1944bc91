package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newMockClient(id string) *mockClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &mockClient{id: id, ctx: ctx, cancel: cancel}
}

func (m *mockClient) ID() string               { return m.id }
func (m *mockClient) Context() context.Context { return m.ctx }

func (m *mockClient) Send(_ context.Context, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frame)
	return nil
}

func (m *mockClient) Close(int, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cancel()
	return nil
}

func newConn(connID, userID string) *Connection {
	return NewConnection(newMockClient(connID), domain.Identity{UserID: userID, Role: domain.RoleUser}, ConnectionOptions{})
}

func TestRegistry_PresenceTransitions(t *testing.T) {
	r := New()

	res, err := r.Register(newConn("c1", "alice"))
	require.NoError(t, err)
	require.NotNil(t, res.Presence)
	assert.Equal(t, domain.PresenceOnline, res.Presence.Status)
	assert.True(t, r.IsOnline("alice"))

	res, err = r.Register(newConn("c2", "alice"))
	require.NoError(t, err)
	assert.Nil(t, res.Presence, "second connection must not re-announce presence")
	assert.Equal(t, 2, res.UserConnections)

	change, ok := r.Unregister("c1")
	require.True(t, ok)
	assert.Nil(t, change)
	assert.True(t, r.IsOnline("alice"))

	change, ok = r.Unregister("c2")
	require.True(t, ok)
	require.NotNil(t, change)
	assert.Equal(t, domain.PresenceOffline, change.Status)
	assert.False(t, r.IsOnline("alice"))
	assert.Empty(t, r.OnlineUsers())
}

func TestRegistry_DuplicateAndUnknown(t *testing.T) {
	r := New()
	conn := newConn("c1", "alice")

	_, err := r.Register(conn)
	require.NoError(t, err)
	_, err = r.Register(conn)
	assert.ErrorIs(t, err, domain.ErrConnectionExists)

	_, ok := r.Unregister("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_LookupAndConnectionsOf(t *testing.T) {
	r := New()
	_, _ = r.Register(newConn("c1", "alice"))
	_, _ = r.Register(newConn("c2", "alice"))
	_, _ = r.Register(newConn("c3", "bob"))

	got, ok := r.Lookup("c3")
	require.True(t, ok)
	assert.Equal(t, "bob", got.UserID())

	assert.Len(t, r.ConnectionsOf("alice"), 2)
	assert.Empty(t, r.ConnectionsOf("carol"))
	assert.Equal(t, []string{"alice", "bob"}, r.OnlineUsers())
	assert.Len(t, r.Local(), 3)
}

func TestRegistry_Reset(t *testing.T) {
	r := New()
	_, _ = r.Register(newConn("c1", "alice"))
	_, _ = r.Register(newConn("c2", "bob"))

	removed := r.Reset()
	assert.Len(t, removed, 2)
	assert.Equal(t, 0, r.Count())
	assert.False(t, r.IsOnline("alice"))
}

func TestRegistry_ConcurrentConnectDisconnect(t *testing.T) {
	r := New()
	const users = 20
	const perUser = 25

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for c := 0; c < perUser; c++ {
			wg.Add(1)
			go func(u, c int) {
				defer wg.Done()
				id := fmt.Sprintf("u%d-c%d", u, c)
				_, err := r.Register(newConn(id, fmt.Sprintf("user-%d", u)))
				assert.NoError(t, err)
				if c%2 == 0 {
					r.Unregister(id)
				}
			}(u, c)
		}
	}
	wg.Wait()

	assert.Equal(t, users*(perUser/2), r.Count())
	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("user-%d", u)
		assert.True(t, r.IsOnline(userID))
		assert.Len(t, r.ConnectionsOf(userID), perUser/2)
	}
}

func TestConnection_RoomTracking(t *testing.T) {
	conn := newConn("c1", "alice")
	conn.TrackRoom("b")
	conn.TrackRoom("a")

	assert.True(t, conn.InRoom("a"))
	assert.Equal(t, []string{"a", "b"}, conn.Rooms())

	conn.UntrackRoom("a")
	assert.False(t, conn.InRoom("a"))
	assert.Equal(t, domain.StateOpen, conn.State())

	require.NoError(t, conn.Close(1000, domain.CloseNormal))
	assert.Equal(t, domain.StateClosed, conn.State())
}

func TestShardIndex_StableAcrossKeyLengths(t *testing.T) {
	keys := make([]string, 0, 18)
	for n := 0; n < 18; n++ {
		keys = append(keys, "k"+string(make([]byte, n)))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, k := range keys {
				idx := shardIndex(k)
				assert.Less(t, idx, uint32(shardCount))
				assert.Equal(t, idx, shardIndex(k))
			}
		}()
	}
	wg.Wait()
}
