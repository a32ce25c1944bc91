package gateway

import (
	"context"
	"sort"
	"time"

	"github.com/HMasataka/gateway/pkg/metrics"
	"github.com/HMasataka/gateway/pkg/router"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
)

// AdminMetrics is the admin:metrics reply.
type AdminMetrics struct {
	metrics.Snapshot
	InstanceID         string `json:"instanceId"`
	OnlineUsers        int    `json:"onlineUsers"`
	Rooms              int    `json:"rooms"`
	SuspendedSessions  int    `json:"suspendedSessions"`
	BackplaneConnected bool   `json:"backplaneConnected"`

	Connections []ConnectionInfo `json:"connections"`
}

// ConnectionInfo describes one local connection.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Namespace     string    `json:"namespace"`
	Rooms         []string  `json:"rooms"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Connections lists the connections registered on this instance, ordered
// by connection time.
func (g *Gateway) Connections() []ConnectionInfo {
	conns := g.registry.Local()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		out = append(out, ConnectionInfo{
			ID:            conn.ID(),
			UserID:        conn.UserID(),
			Namespace:     string(conn.Namespace()),
			Rooms:         conn.Rooms(),
			ConnectedAt:   conn.ConnectedAt(),
			LastHeartbeat: conn.LastHeartbeat(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// KickResult is the kick-user reply.
type KickResult struct {
	UserID      string `json:"userId"`
	Connections int    `json:"connections"`
}

// MetricsHandler handles admin:metrics
type MetricsHandler struct {
	g *Gateway
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(g *Gateway) *MetricsHandler {
	return &MetricsHandler{g: g}
}

// Handle implements router.Handler
func (h *MetricsHandler) Handle(_ context.Context, _ *router.Request) (*protocol.Frame, error) {
	return protocol.NewFrame(protocol.EventAdminMetrics, AdminMetrics{
		Snapshot:           h.g.metrics.Snapshot(),
		InstanceID:         h.g.InstanceID(),
		OnlineUsers:        len(h.g.registry.OnlineUsers()),
		Rooms:              h.g.rooms.Count(),
		SuspendedSessions:  h.g.sessions.Len(),
		BackplaneConnected: h.g.bus.Connected(),
		Connections:        h.g.Connections(),
	})
}

// BroadcastSystemHandler handles broadcast-system
type BroadcastSystemHandler struct {
	g *Gateway
}

// NewBroadcastSystemHandler creates a new broadcast-system handler
func NewBroadcastSystemHandler(g *Gateway) *BroadcastSystemHandler {
	return &BroadcastSystemHandler{g: g}
}

// Handle implements router.Handler
func (h *BroadcastSystemHandler) Handle(ctx context.Context, req *router.Request) (*protocol.Frame, error) {
	b := req.Payload.(*protocol.BroadcastSystemRequest)

	h.g.logger.Info("system broadcast",
		"by", req.Conn.UserID(),
		"level", b.Level,
	)
	_ = h.g.BroadcastSystem(ctx, b.Message, b.Level)
	return nil, nil
}

// KickUserHandler handles kick-user
type KickUserHandler struct {
	g *Gateway
}

// NewKickUserHandler creates a new kick-user handler
func NewKickUserHandler(g *Gateway) *KickUserHandler {
	return &KickUserHandler{g: g}
}

// Handle implements router.Handler
func (h *KickUserHandler) Handle(ctx context.Context, req *router.Request) (*protocol.Frame, error) {
	kick := req.Payload.(*protocol.KickUserRequest)

	n, _ := h.g.Kick(ctx, kick.UserID, kick.Reason, req.Conn.UserID())
	return protocol.NewFrame(protocol.EventKickUser, KickResult{
		UserID:      kick.UserID,
		Connections: n,
	})
}
