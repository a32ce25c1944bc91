package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/errors"
	"github.com/HMasataka/gateway/pkg/router"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
	"github.com/rs/xid"
)

// JoinRoomHandler handles join-room
type JoinRoomHandler struct {
	g *Gateway
}

// NewJoinRoomHandler creates a new join-room handler
func NewJoinRoomHandler(g *Gateway) *JoinRoomHandler {
	return &JoinRoomHandler{g: g}
}

// Handle implements router.Handler
func (h *JoinRoomHandler) Handle(ctx context.Context, req *router.Request) (*protocol.Frame, error) {
	join := req.Payload.(*protocol.JoinRoomRequest)

	result, err := h.g.rooms.Join(ctx, req.Conn.ID(), join.RoomID)
	if err != nil {
		return nil, err
	}

	h.g.logger.Debug("room joined",
		"connection_id", req.Conn.ID(),
		"room_id", result.RoomID,
		"members", result.Members,
	)

	return protocol.NewFrame(protocol.EventJoinRoom, protocol.JoinAck{
		RoomID:  result.RoomID,
		Members: result.Members,
		History: result.History,
	})
}

// LeaveRoomHandler handles leave-room
type LeaveRoomHandler struct {
	g *Gateway
}

// NewLeaveRoomHandler creates a new leave-room handler
func NewLeaveRoomHandler(g *Gateway) *LeaveRoomHandler {
	return &LeaveRoomHandler{g: g}
}

// Handle implements router.Handler
func (h *LeaveRoomHandler) Handle(_ context.Context, req *router.Request) (*protocol.Frame, error) {
	leave := req.Payload.(*protocol.LeaveRoomRequest)

	if err := h.g.rooms.Leave(req.Conn.ID(), leave.RoomID); err != nil {
		if stderrors.Is(err, domain.ErrNotMember) {
			return nil, notInRoom(leave.RoomID)
		}
		return nil, err
	}

	return protocol.NewFrame(protocol.EventLeaveRoom, protocol.LeaveAck{RoomID: leave.RoomID})
}

// SendMessageHandler handles send-message. The author is always the
// sender's own identity.
type SendMessageHandler struct {
	g *Gateway
}

// NewSendMessageHandler creates a new send-message handler
func NewSendMessageHandler(g *Gateway) *SendMessageHandler {
	return &SendMessageHandler{g: g}
}

// Handle implements router.Handler
func (h *SendMessageHandler) Handle(ctx context.Context, req *router.Request) (*protocol.Frame, error) {
	send := req.Payload.(*protocol.SendMessageRequest)

	if !req.Conn.InRoom(send.RoomID) {
		return nil, notInRoom(send.RoomID)
	}
	if limit := h.g.cfg.MaxContentLength; limit > 0 && len(send.Content) > limit {
		return nil, errors.New(errors.ErrorTypeValidation, errors.CodeInvalidPayload, "message too long").
			WithDetails(fmt.Sprintf("content exceeds %d bytes", limit))
	}

	identity := req.Conn.Identity()
	chat := protocol.ChatMessage{
		ID:         xid.New().String(),
		RoomID:     send.RoomID,
		Content:    send.Content,
		Author:     identity.UserID,
		AuthorName: identity.DisplayName,
		Timestamp:  time.Now().UTC(),
	}

	msg, err := protocol.NewMessage(identity.UserID, domain.RoomScope(send.RoomID), protocol.EventChatMessage, chat)
	if err != nil {
		return nil, err
	}
	msg.ID = chat.ID

	// The sender gets its own copy as the delivery acknowledgement. A
	// backplane failure only affects other instances and is already logged.
	_ = h.g.publish(ctx, msg, "")
	return nil, nil
}

// TypingHandler relays typing and stop-typing to the other room members.
type TypingHandler struct {
	g     *Gateway
	event string
}

// NewTypingHandler creates a handler that relays as event.
func NewTypingHandler(g *Gateway, event string) *TypingHandler {
	return &TypingHandler{g: g, event: event}
}

// Handle implements router.Handler
func (h *TypingHandler) Handle(ctx context.Context, req *router.Request) (*protocol.Frame, error) {
	typing := req.Payload.(*protocol.TypingRequest)

	if !req.Conn.InRoom(typing.RoomID) {
		return nil, notInRoom(typing.RoomID)
	}

	identity := req.Conn.Identity()
	msg, err := protocol.NewMessage(identity.UserID, domain.RoomScope(typing.RoomID), h.event, protocol.TypingNotice{
		RoomID:      typing.RoomID,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
	})
	if err != nil {
		return nil, err
	}

	_ = h.g.publish(ctx, msg, req.Conn.ID())
	return nil, nil
}

func notInRoom(roomID string) error {
	return errors.New(errors.ErrorTypeForbidden, errors.CodeNotInRoom, "not a member of the room").
		WithDetails("room=" + roomID)
}
