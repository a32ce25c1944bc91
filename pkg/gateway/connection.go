package gateway

import (
	"context"
	stderrors "errors"

	"github.com/HMasataka/gateway/internal/logging"
	"github.com/HMasataka/gateway/pkg/auth"
	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/errors"
	"github.com/HMasataka/gateway/pkg/registry"
	"github.com/HMasataka/gateway/pkg/session"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
	"github.com/HMasataka/gateway/pkg/transport/websocket"
)

// connector adapts the gateway to the WebSocket server.
type connector struct {
	g *Gateway
}

func (c connector) Open(ctx context.Context, client *websocket.Client, h auth.Handshake) (websocket.Session, error) {
	return c.g.open(ctx, client, h)
}

// connSession is the gateway side of one open connection.
type connSession struct {
	g    *Gateway
	conn *registry.Connection
}

// open authenticates a handshake and registers the connection. Nothing is
// registered when it returns an error.
func (g *Gateway) open(ctx context.Context, client domain.Client, h auth.Handshake) (*connSession, error) {
	if g.shuttingDown.Load() {
		return nil, errors.New(errors.ErrorTypeUnavailable, errors.CodeShuttingDown, "gateway is shutting down")
	}

	identity, err := g.authn.Authenticate(ctx, h)
	if err != nil {
		g.metrics.Error()
		return nil, err
	}
	if err := g.router.Authorize(identity, h.Namespace); err != nil {
		g.metrics.Error()
		return nil, err
	}

	var resumed *session.Session
	sessionID := h.SessionID
	if sessionID != "" {
		sess, err := g.sessions.Resume(sessionID, identity.UserID)
		switch {
		case err == nil:
			resumed = &sess
		case stderrors.Is(err, domain.ErrSessionNotFound):
			g.logger.Debug("session not resumable, starting a new one",
				"session_id", sessionID,
				"user_id", identity.UserID,
			)
			sessionID = ""
		}
	}
	if sessionID == "" {
		sessionID = session.NewID()
	}

	conn := registry.NewConnection(client, identity, registry.ConnectionOptions{
		Namespace: h.Namespace,
		SessionID: sessionID,
		Token:     h.Token,
	})
	result, err := g.registry.Register(conn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, errors.CodeRegisterFailed, "failed to register connection")
	}
	g.metrics.ConnectionOpened()

	if result.Presence != nil {
		g.publishPresence(ctx, *result.Presence)
	}

	g.send(ctx, conn, protocol.EventConnectionStatus, protocol.ConnectionStatus{
		ConnectionID: conn.ID(),
		SessionID:    sessionID,
		UserID:       identity.UserID,
		Namespace:    string(h.Namespace),
		Status:       "connected",
	})

	if resumed != nil {
		g.resume(ctx, conn, *resumed)
	}

	logging.FromContext(ctx).Debug("connection admitted",
		"user_id", identity.UserID,
		"session_id", sessionID,
		"user_connections", result.UserConnections,
	)

	return &connSession{g: g, conn: conn}, nil
}

// resume re-joins the rooms of a suspended session. Every room goes through
// its policy again; rooms that now deny the user are skipped.
func (g *Gateway) resume(ctx context.Context, conn *registry.Connection, sess session.Session) {
	g.send(ctx, conn, protocol.EventReconnecting, protocol.Reconnected{
		SessionID: sess.ID,
		Rooms:     sess.Rooms,
	})

	joined := make([]string, 0, len(sess.Rooms))
	for _, roomID := range sess.Rooms {
		if _, err := g.rooms.Join(ctx, conn.ID(), roomID); err != nil {
			g.logger.Info("room not restored",
				"connection_id", conn.ID(),
				"room_id", roomID,
				"error", err.Error(),
			)
			continue
		}
		joined = append(joined, roomID)
	}

	g.metrics.Reconnect()
	g.send(ctx, conn, protocol.EventReconnected, protocol.Reconnected{
		SessionID: sess.ID,
		Rooms:     joined,
	})

	g.logger.Info("session resumed",
		"connection_id", conn.ID(),
		"session_id", sess.ID,
		"rooms", len(joined),
	)
}

// Receive handles one inbound frame on the connection's read loop.
func (s *connSession) Receive(ctx context.Context, data []byte) {
	g := s.g
	g.metrics.MessageReceived()
	s.conn.Touch()

	frame, err := protocol.Unmarshal(data)
	if err != nil {
		g.metrics.Error()
		e, _ := errors.As(err)
		g.send(ctx, s.conn, protocol.EventError, protocol.ErrorPayload{Code: e.Code, Message: e.Message})
		return
	}

	resp, _ := g.router.Dispatch(ctx, s.conn, frame)
	if resp == nil {
		return
	}
	out, err := resp.Marshal()
	if err != nil {
		g.logger.Error("failed to marshal response", "event", resp.Event, "error", err.Error())
		return
	}
	g.deliver(ctx, s.conn, out)
}

// Closed runs the disconnect cleanup once the transport is gone.
func (s *connSession) Closed(reason domain.CloseReason) {
	s.g.disconnect(s.conn, reason)
}

// disconnect removes conn from every index. A connection that dropped for
// a resumable reason is suspended for the reconnect window.
func (g *Gateway) disconnect(conn *registry.Connection, reason domain.CloseReason) {
	rooms := conn.Rooms()

	if !g.evict(context.Background(), conn) {
		return
	}

	if reason.Resumable() && !g.shuttingDown.Load() && g.sessions.Enabled() {
		g.sessions.Suspend(session.Session{
			ID:        conn.SessionID(),
			UserID:    conn.UserID(),
			Namespace: conn.Namespace(),
			Rooms:     rooms,
		})
		conn.SetState(domain.StateReconnecting)
	}

	g.logger.Debug("connection closed",
		"connection_id", conn.ID(),
		"user_id", conn.UserID(),
		"reason", string(reason),
		"rooms", len(rooms),
	)
}

// evict unregisters conn and leaves every room, publishing the offline
// presence change if this was the user's last connection. It reports
// whether conn was still registered. Unregistering first stops concurrent
// joins from re-adding the connection.
func (g *Gateway) evict(ctx context.Context, conn *registry.Connection) bool {
	change, ok := g.registry.Unregister(conn.ID())
	g.rooms.LeaveConnection(conn)
	if !ok {
		return false
	}
	conn.SetState(domain.StateClosed)
	g.metrics.ConnectionClosed()

	if change != nil && !g.shuttingDown.Load() {
		g.publishPresence(ctx, *change)
	}
	return true
}

// sessionExpired moves a suspended session from Reconnecting to Closed.
func (g *Gateway) sessionExpired(sess session.Session) {
	g.metrics.SessionExpired()
	g.logger.Debug("session expired",
		"session_id", sess.ID,
		"user_id", sess.UserID,
	)
}
