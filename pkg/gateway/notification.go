package gateway

import (
	"context"
	stderrors "errors"

	"github.com/HMasataka/gateway/pkg/errors"
	"github.com/HMasataka/gateway/pkg/room"
	"github.com/HMasataka/gateway/pkg/router"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotificationNotFound is returned when a notification does not exist
// or belongs to another user.
var ErrNotificationNotFound = stderrors.New("notification not found")

// NotificationStore persists notification read state.
type NotificationStore interface {
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

// Execer is the subset of pgxpool.Pool used by PostgresNotificationStore.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresNotificationStore keeps read state in the notifications table.
type PostgresNotificationStore struct {
	db Execer
}

// NewPostgresNotificationStore creates a store over db.
func NewPostgresNotificationStore(db Execer) *PostgresNotificationStore {
	return &PostgresNotificationStore{db: db}
}

const markReadSQL = `UPDATE notifications SET read_at = COALESCE(read_at, now()) WHERE id = $1 AND user_id = $2`

const markAllReadSQL = `UPDATE notifications SET read_at = now() WHERE user_id = $1 AND read_at IS NULL`

// MarkRead implements NotificationStore
func (s *PostgresNotificationStore) MarkRead(ctx context.Context, userID, notificationID string) error {
	tag, err := s.db.Exec(ctx, markReadSQL, notificationID, userID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeUnavailable, errors.CodeStoreUnavailable, "failed to mark notification read")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// MarkAllRead implements NotificationStore
func (s *PostgresNotificationStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	tag, err := s.db.Exec(ctx, markAllReadSQL, userID)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeUnavailable, errors.CodeStoreUnavailable, "failed to mark notifications read")
	}
	return tag.RowsAffected(), nil
}

// SubscribeHandler handles subscribe by joining the user's private room.
type SubscribeHandler struct {
	g *Gateway
}

// NewSubscribeHandler creates a new subscribe handler
func NewSubscribeHandler(g *Gateway) *SubscribeHandler {
	return &SubscribeHandler{g: g}
}

// Handle implements router.Handler
func (h *SubscribeHandler) Handle(ctx context.Context, req *router.Request) (*protocol.Frame, error) {
	roomID := room.UserRoom(req.Conn.UserID())
	if _, err := h.g.rooms.Join(ctx, req.Conn.ID(), roomID); err != nil {
		return nil, err
	}
	return protocol.NewFrame(protocol.EventSubscribe, protocol.Subscribed{RoomID: roomID})
}

// MarkReadHandler handles mark-read
type MarkReadHandler struct {
	g *Gateway
}

// NewMarkReadHandler creates a new mark-read handler
func NewMarkReadHandler(g *Gateway) *MarkReadHandler {
	return &MarkReadHandler{g: g}
}

// Handle implements router.Handler
func (h *MarkReadHandler) Handle(ctx context.Context, req *router.Request) (*protocol.Frame, error) {
	mark := req.Payload.(*protocol.MarkReadRequest)
	userID := req.Conn.UserID()

	if h.g.notifications != nil {
		if err := h.g.notifications.MarkRead(ctx, userID, mark.NotificationID); err != nil {
			if stderrors.Is(err, ErrNotificationNotFound) {
				return nil, errors.New(errors.ErrorTypeNotFound, errors.CodeNotificationNotFound, "notification not found").
					WithDetails(mark.NotificationID)
			}
			return nil, err
		}
	}

	_ = h.g.NotifyUser(ctx, userID, protocol.EventNotificationUpdated, protocol.NotificationUpdate{
		NotificationID: mark.NotificationID,
		Read:           true,
	})
	return nil, nil
}

// MarkAllReadHandler handles mark-all-read
type MarkAllReadHandler struct {
	g *Gateway
}

// NewMarkAllReadHandler creates a new mark-all-read handler
func NewMarkAllReadHandler(g *Gateway) *MarkAllReadHandler {
	return &MarkAllReadHandler{g: g}
}

// Handle implements router.Handler
func (h *MarkAllReadHandler) Handle(ctx context.Context, req *router.Request) (*protocol.Frame, error) {
	userID := req.Conn.UserID()

	if h.g.notifications != nil {
		n, err := h.g.notifications.MarkAllRead(ctx, userID)
		if err != nil {
			return nil, err
		}
		h.g.logger.Debug("notifications marked read", "user_id", userID, "count", n)
	}

	_ = h.g.NotifyUser(ctx, userID, protocol.EventNotificationUpdated, protocol.NotificationUpdate{
		Read: true,
		All:  true,
	})
	return nil, nil
}
