package gateway

import (
	"context"
	"time"

	"github.com/HMasataka/gateway/pkg/backplane"
	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/errors"
	"github.com/HMasataka/gateway/pkg/registry"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
	gorilla "github.com/gorilla/websocket"
)

// deliver enqueues an encoded frame on conn.
func (g *Gateway) deliver(ctx context.Context, conn *registry.Connection, frame []byte) bool {
	if err := conn.Send(ctx, frame); err != nil {
		g.logger.Debug("delivery skipped",
			"connection_id", conn.ID(),
			"error", err.Error(),
		)
		return false
	}
	g.metrics.MessageSent()
	return true
}

// send encodes a frame for event and enqueues it on conn.
func (g *Gateway) send(ctx context.Context, conn *registry.Connection, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		g.logger.Error("failed to encode frame", "event", event, "error", err.Error())
		return
	}
	g.deliver(ctx, conn, frame)
}

// publish delivers msg to the matching local connections and forwards it to
// the other instances. Local delivery never depends on the backplane; a
// publish failure is logged and returned as BackplaneUnavailable.
func (g *Gateway) publish(ctx context.Context, msg *domain.Message, excludeConnID string) error {
	if msg.Scope.Kind == domain.ScopeRoom {
		n, err := g.rooms.Broadcast(ctx, msg, excludeConnID)
		g.metrics.MessagesSent(n)
		if err != nil {
			g.metrics.Error()
		}
		return err
	}

	g.deliverLocal(ctx, msg, excludeConnID)

	if err := g.bus.PublishMessage(ctx, msg, excludeConnID); err != nil {
		g.metrics.Error()
		g.logger.Warn("message delivered locally only",
			"event", msg.Event,
			"scope", string(msg.Scope.Kind),
			"error", err.Error(),
		)
		return err
	}
	return nil
}

// deliverLocal delivers msg to the connections of this instance only.
func (g *Gateway) deliverLocal(ctx context.Context, msg *domain.Message, excludeConnID string) int {
	var targets []*registry.Connection
	switch msg.Scope.Kind {
	case domain.ScopeRoom:
		n := g.rooms.DeliverLocal(ctx, msg, excludeConnID)
		g.metrics.MessagesSent(n)
		return n
	case domain.ScopeUser:
		targets = g.registry.ConnectionsOf(msg.Scope.Target)
	case domain.ScopeBroadcast:
		targets = g.registry.Local()
	default:
		g.logger.Warn("dropping message with unknown scope", "scope", string(msg.Scope.Kind))
		return 0
	}

	if len(targets) == 0 {
		return 0
	}
	frame, err := protocol.EncodeMessage(msg)
	if err != nil {
		g.logger.Error("failed to encode message", "event", msg.Event, "error", err.Error())
		return 0
	}

	delivered := 0
	for _, conn := range targets {
		if conn.ID() == excludeConnID {
			continue
		}
		if g.deliver(ctx, conn, frame) {
			delivered++
		}
	}
	return delivered
}

// receive applies an envelope published by another instance.
func (g *Gateway) receive(ctx context.Context, env *backplane.Envelope) {
	switch {
	case env.Control != nil:
		g.applyControl(ctx, *env.Control)
	case env.Message != nil:
		g.deliverLocal(ctx, env.Message, env.Exclude)
	}
}

func (g *Gateway) applyControl(ctx context.Context, ctl backplane.Control) {
	switch ctl.Action {
	case backplane.ControlKick:
		g.kickLocal(ctx, ctl.UserID, ctl.Reason, ctl.By)
	case backplane.ControlRemoveResource:
		g.removeResourceLocal(ctx, ctl.ResourceID)
	default:
		g.logger.Warn("ignoring unknown control action", "action", string(ctl.Action))
	}
}

func (g *Gateway) publishPresence(ctx context.Context, change registry.PresenceChange) {
	msg, err := protocol.NewMessage("", domain.BroadcastScope(), protocol.EventUserStatus, protocol.UserStatus{
		UserID: change.UserID,
		Status: string(change.Status),
	})
	if err != nil {
		return
	}
	_ = g.publish(ctx, msg, "")
}

// NotifyUser pushes a user-scoped event, typically notification:new,
// notification:updated or notification:deleted, to every connection of
// userID on every instance.
func (g *Gateway) NotifyUser(ctx context.Context, userID, event string, payload any) error {
	if userID == "" || event == "" {
		return errors.New(errors.ErrorTypeValidation, errors.CodeInvalidPayload, "user and event are required")
	}
	msg, err := protocol.NewMessage("", domain.UserScope(userID), event, payload)
	if err != nil {
		return err
	}
	return g.publish(ctx, msg, "")
}

// BroadcastSystem sends a system-message to every connection on every instance.
func (g *Gateway) BroadcastSystem(ctx context.Context, message, level string) error {
	if level == "" {
		level = "info"
	}
	msg, err := protocol.NewMessage("", domain.BroadcastScope(), protocol.EventSystemMessage, protocol.SystemMessage{
		Message:   message,
		Level:     level,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return g.publish(ctx, msg, "")
}

// Kick sends kicked to every connection of userID and closes them. Local
// connections are unregistered before Kick returns, so IsOnline(userID) is
// false right after; other instances apply the kick when the control
// envelope reaches them. It returns the number of local connections closed.
func (g *Gateway) Kick(ctx context.Context, userID, reason, by string) (int, error) {
	n := g.kickLocal(ctx, userID, reason, by)

	err := g.bus.PublishControl(ctx, backplane.Control{
		Action: backplane.ControlKick,
		UserID: userID,
		Reason: reason,
		By:     by,
	})
	if err != nil {
		g.metrics.Error()
		g.logger.Warn("kick applied locally only", "user_id", userID, "error", err.Error())
	}
	return n, err
}

func (g *Gateway) kickLocal(ctx context.Context, userID, reason, by string) int {
	conns := g.registry.ConnectionsOf(userID)
	if len(conns) == 0 {
		return 0
	}

	frame, err := protocol.Encode(protocol.EventKicked, protocol.Kicked{Reason: reason, By: by})
	if err != nil {
		return 0
	}
	for _, conn := range conns {
		g.deliver(ctx, conn, frame)
		_ = conn.Close(gorilla.ClosePolicyViolation, domain.CloseKicked)
		g.evict(ctx, conn)
	}

	g.logger.Info("user kicked",
		"user_id", userID,
		"by", by,
		"reason", reason,
		"connections", len(conns),
	)
	return len(conns)
}

// RemoveResource tears down the rooms gated by resourceID on every
// instance. Their members receive an ACCESS_DENIED error naming the room.
func (g *Gateway) RemoveResource(ctx context.Context, resourceID string) (int, error) {
	n := g.removeResourceLocal(ctx, resourceID)

	err := g.bus.PublishControl(ctx, backplane.Control{
		Action:     backplane.ControlRemoveResource,
		ResourceID: resourceID,
	})
	if err != nil {
		g.metrics.Error()
		g.logger.Warn("resource removed locally only", "resource_id", resourceID, "error", err.Error())
	}
	return n, err
}

func (g *Gateway) removeResourceLocal(ctx context.Context, resourceID string) int {
	evicted := g.rooms.RemoveResource(resourceID)

	n := 0
	for roomID, conns := range evicted {
		for _, conn := range conns {
			g.send(ctx, conn, protocol.EventError, protocol.ErrorPayload{
				Code:    errors.CodeAccessDenied,
				Message: "resource is no longer available",
				RoomID:  roomID,
			})
			n++
		}
	}
	if len(evicted) > 0 {
		g.logger.Info("resource removed", "resource_id", resourceID, "rooms", len(evicted), "connections", n)
	}
	return n
}
