package gateway

import (
	"context"
	"time"

	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/router"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
)

func (g *Gateway) registerHandlers() {
	def := g.router.Namespace(domain.NamespaceDefault, domain.RoleUser)
	def.Register(protocol.EventPing, NewPingHandler())

	chat := g.router.Namespace(domain.NamespaceChat, domain.RoleUser)
	chat.Register(protocol.EventJoinRoom, NewJoinRoomHandler(g))
	chat.Register(protocol.EventLeaveRoom, NewLeaveRoomHandler(g))
	chat.Register(protocol.EventSendMessage, NewSendMessageHandler(g))
	chat.Register(protocol.EventTyping, NewTypingHandler(g, protocol.EventChatTyping))
	chat.Register(protocol.EventStopTyping, NewTypingHandler(g, protocol.EventChatStopTyping))

	notification := g.router.Namespace(domain.NamespaceNotification, domain.RoleUser)
	notification.Register(protocol.EventSubscribe, NewSubscribeHandler(g))
	notification.Register(protocol.EventMarkRead, NewMarkReadHandler(g))
	notification.Register(protocol.EventMarkAllRead, NewMarkAllReadHandler(g))

	admin := g.router.Namespace(domain.NamespaceAdmin, domain.RoleAdmin)
	admin.Register(protocol.EventAdminMetrics, NewMetricsHandler(g))
	admin.Register(protocol.EventBroadcastSystem, NewBroadcastSystemHandler(g))
	admin.Register(protocol.EventKickUser, NewKickUserHandler(g))
}

// PingHandler answers ping with pong and counts as a heartbeat.
type PingHandler struct{}

// NewPingHandler creates a new ping handler
func NewPingHandler() *PingHandler {
	return &PingHandler{}
}

// Handle implements router.Handler
func (h *PingHandler) Handle(_ context.Context, req *router.Request) (*protocol.Frame, error) {
	ping := req.Payload.(*protocol.PingRequest)
	req.Conn.Touch()

	return protocol.NewFrame(protocol.EventPong, protocol.Pong{
		Timestamp:  ping.Timestamp,
		ServerTime: time.Now().UnixMilli(),
	})
}
