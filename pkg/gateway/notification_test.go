package gateway

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/errors"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotificationStore struct {
	mu      sync.Mutex
	read    []string
	allRead []string
}

func (s *fakeNotificationStore) MarkRead(_ context.Context, userID, id string) error {
	if id == "missing" {
		return ErrNotificationNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = append(s.read, userID+"/"+id)
	return nil
}

func (s *fakeNotificationStore) MarkAllRead(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allRead = append(s.allRead, userID)
	return 3, nil
}

func TestNotifications_Subscribe(t *testing.T) {
	c := newCluster()
	c.user("ta", "alice", domain.RoleUser)
	i := c.start(t, nil)

	n := i.dial(t, "/ws/notification", "ta")
	n.emit(protocol.EventSubscribe, nil)

	var sub protocol.Subscribed
	require.NoError(t, n.expect(protocol.EventSubscribe).Decode(&sub))
	assert.Equal(t, "user:alice", sub.RoomID)
}

func TestNotifyUser_ReachesEveryConnection(t *testing.T) {
	c := newCluster()
	c.user("ta", "alice", domain.RoleUser)
	c.user("tb", "bob", domain.RoleUser)
	i1 := c.start(t, nil)
	i2 := c.start(t, nil)

	// None of these subscribe; user scope targets the user, not a room.
	chat1 := i1.dial(t, "/ws/chat", "ta")
	notif1 := i1.dial(t, "/ws/notification", "ta")
	notif2 := i2.dial(t, "/ws/notification", "ta")
	other := i1.dial(t, "/ws/notification", "tb")

	for _, from := range []*testInstance{i1, i2} {
		title := from.gw.InstanceID()
		err := from.gw.NotifyUser(context.Background(), "alice", protocol.EventNotificationNew, map[string]string{"title": title})
		require.NoError(t, err)

		for _, cl := range []*testClient{chat1, notif1, notif2} {
			var body map[string]string
			require.NoError(t, cl.expect(protocol.EventNotificationNew).Decode(&body))
			assert.Equal(t, title, body["title"])
		}
	}

	other.expectNone(protocol.EventNotificationNew, 100*time.Millisecond)
}

func TestNotifications_MarkRead(t *testing.T) {
	store := &fakeNotificationStore{}
	c := newCluster()
	c.user("ta", "alice", domain.RoleUser)
	i := c.start(t, nil, WithNotificationStore(store))

	n1 := i.dial(t, "/ws/notification", "ta")
	n2 := i.dial(t, "/ws/chat", "ta")

	n1.emit(protocol.EventMarkRead, protocol.MarkReadRequest{NotificationID: "n-1"})
	for _, cl := range []*testClient{n1, n2} {
		var upd protocol.NotificationUpdate
		require.NoError(t, cl.expect(protocol.EventNotificationUpdated).Decode(&upd))
		assert.Equal(t, "n-1", upd.NotificationID)
		assert.True(t, upd.Read)
	}

	n1.emit(protocol.EventMarkAllRead, nil)
	var upd protocol.NotificationUpdate
	require.NoError(t, n2.expect(protocol.EventNotificationUpdated).Decode(&upd))
	assert.True(t, upd.All)

	n1.emit(protocol.EventMarkRead, protocol.MarkReadRequest{NotificationID: "missing"})
	assert.Equal(t, errors.CodeNotificationNotFound, decodeError(t, n1.expect(protocol.EventError)).Code)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{"alice/n-1"}, store.read)
	assert.Equal(t, []string{"alice"}, store.allRead)
}

type fakeExecer struct {
	sql  string
	args []any
	tag  string
	err  error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql, f.args = sql, args
	return pgconn.NewCommandTag(f.tag), f.err
}

func TestPostgresNotificationStore(t *testing.T) {
	ctx := context.Background()

	db := &fakeExecer{tag: "UPDATE 1"}
	require.NoError(t, NewPostgresNotificationStore(db).MarkRead(ctx, "alice", "n-1"))
	assert.Equal(t, []any{"n-1", "alice"}, db.args)

	db = &fakeExecer{tag: "UPDATE 0"}
	assert.ErrorIs(t, NewPostgresNotificationStore(db).MarkRead(ctx, "alice", "n-2"), ErrNotificationNotFound)

	db = &fakeExecer{tag: "UPDATE 4"}
	n, err := NewPostgresNotificationStore(db).MarkAllRead(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	cause := stderrors.New("connection refused")
	db = &fakeExecer{err: cause}
	_, err = NewPostgresNotificationStore(db).MarkAllRead(ctx, "alice")
	assert.ErrorIs(t, err, cause)
}
