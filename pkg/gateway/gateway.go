// Package gateway assembles the connection gateway: WebSocket transport,
// handshake authentication, presence registry, rooms, namespace routing and
// the cross-instance backplane.
package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/HMasataka/gateway/internal/config"
	"github.com/HMasataka/gateway/internal/logging"
	"github.com/HMasataka/gateway/pkg/auth"
	"github.com/HMasataka/gateway/pkg/backplane"
	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/errors"
	"github.com/HMasataka/gateway/pkg/metrics"
	"github.com/HMasataka/gateway/pkg/registry"
	"github.com/HMasataka/gateway/pkg/room"
	"github.com/HMasataka/gateway/pkg/router"
	"github.com/HMasataka/gateway/pkg/session"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
	"github.com/HMasataka/gateway/pkg/transport/websocket"
	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

// Gateway is one gateway instance. It is safe for concurrent use.
type Gateway struct {
	cfg    config.GatewayConfig
	logger *logging.Logger
	clock  clock.Clock

	authn         *auth.Authenticator
	registry      *registry.Registry
	rooms         *room.Manager
	router        *router.Router
	bus           *backplane.Bus
	sessions      *session.Store
	metrics       *metrics.Recorder
	server        *websocket.Server
	notifications NotificationStore

	shuttingDown atomic.Bool
}

// New builds a gateway from cfg. A session validator is mandatory: without
// one New fails with FatalInitError.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	if o.validator == nil {
		return nil, errors.New(errors.ErrorTypeFatal, errors.CodeFatalInit, "session validator is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFatal, errors.CodeFatalInit, "invalid configuration")
	}

	if o.logger == nil {
		o.logger = logging.New(cfg.Logging)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.recorder == nil {
		o.recorder = metrics.NewRecorder()
	}
	if o.backplane == nil {
		o.backplane = backplane.NewMemoryBackplane(backplane.NewMemoryBroker())
	}

	gc := cfg.Gateway
	if gc.InstanceID == "" {
		gc.InstanceID = uuid.NewString()
	}

	g := &Gateway{
		cfg:           gc,
		logger:        o.logger.With("instance_id", gc.InstanceID),
		clock:         o.clock,
		metrics:       o.recorder,
		notifications: o.notifications,
	}

	g.registry = registry.New()
	g.rooms = room.NewManager(g.registry, room.Options{
		Resolver:          o.resolver,
		Checker:           o.checker,
		HistorySize:       gc.HistorySize,
		ResourceCacheSize: gc.ResourceCacheSize,
		ResourceCacheTTL:  gc.ResourceCacheTTL,
		Logger:            g.logger,
	})
	g.bus = backplane.NewBus(o.backplane, g.receive, backplane.BusOptions{
		InstanceID:     gc.InstanceID,
		ChannelPrefix:  cfg.Backplane.ChannelPrefix,
		InitialBackoff: cfg.Backplane.ReconnectBackoff.Initial,
		MaxBackoff:     cfg.Backplane.ReconnectBackoff.Max,
		Clock:          o.clock,
		Logger:         g.logger,
		OnReconnect:    g.metrics.BackplaneReconnect,
	})
	g.rooms.SetPublisher(g.bus)

	g.sessions = session.NewStore(gc.ReconnectWindow,
		session.WithClock(o.clock),
		session.WithExpireHook(g.sessionExpired),
	)
	g.authn = auth.NewAuthenticator(o.validator, gc.HandshakeTimeout, g.logger)
	g.router = router.New(g.logger,
		router.WithRoleChecker(g.authn),
		router.WithErrorHook(g.metrics.Error),
	)
	g.registerHandlers()

	g.server = websocket.NewServer(connector{g: g},
		websocket.WithLogger(g.logger),
		websocket.WithAllowedOrigins(gc.AllowedOrigins),
		websocket.WithHandshakeTimeout(gc.HandshakeTimeout),
		websocket.WithClientOptions(websocket.ClientOptions{
			WriteTimeout:      10 * time.Second,
			HeartbeatInterval: gc.HeartbeatInterval,
			HeartbeatTimeout:  gc.HeartbeatTimeout,
			MaxMessageSize:    gc.MaxMessageSize,
			OutboundLimit:     gc.OutboundBufferLimit,
			Backpressure:      websocket.ParseBackpressurePolicy(gc.BackpressurePolicy),
			RateLimit:         rate.Limit(gc.InboundRateLimit),
			Burst:             gc.InboundBurst,
			OnDrop:            g.metrics.MessageDropped,
			OnRateLimited:     g.metrics.Error,
		}),
	)

	return g, nil
}

// Initialize builds a gateway, mounts its WebSocket endpoints on r and
// starts the backplane subscription.
func Initialize(ctx context.Context, r chi.Router, cfg *config.Config, opts ...Option) (*Gateway, error) {
	g, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	g.Mount(r)
	if err := g.Start(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// Mount registers the WebSocket endpoints: /ws for the default namespace
// and /ws/{namespace} for the others.
func (g *Gateway) Mount(r chi.Router) {
	r.Handle("/ws", g.server)
	r.Handle("/ws/{namespace}", g.server)
}

// Start subscribes to the backplane.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.bus.Start(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFatal, errors.CodeFatalInit, "failed to start backplane")
	}
	g.logger.Info("gateway started",
		"heartbeat_interval", g.cfg.HeartbeatInterval.String(),
		"reconnect_window", g.cfg.ReconnectWindow.String(),
		"backpressure_policy", g.cfg.BackpressurePolicy,
	)
	return nil
}

// Shutdown drains the instance: new connections get 503, every client is
// told about the shutdown, connections are closed after the grace period
// (or when ctx expires), the backplane is unsubscribed and all state is
// released. Calls after the first return nil immediately.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	g.server.StopAccepting()

	conns := g.registry.Local()
	grace := g.cfg.ShutdownGracePeriod
	g.logger.Info("gateway shutting down",
		"connections", len(conns),
		"grace_period", grace.String(),
	)

	if len(conns) > 0 {
		frame, err := protocol.Encode(protocol.EventServerShutdown, protocol.ServerShutdown{
			Message:       "server is shutting down",
			GracePeriodMs: grace.Milliseconds(),
		})
		if err == nil {
			for _, conn := range conns {
				g.deliver(ctx, conn, frame)
			}
		}

		timer := g.clock.Timer(grace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	var errs error
	for _, conn := range g.registry.Local() {
		errs = multierr.Append(errs, conn.Close(gorilla.CloseGoingAway, domain.CloseShutdown))
	}

	errs = multierr.Append(errs, g.bus.Stop(ctx))

	for _, conn := range g.registry.Reset() {
		g.metrics.ConnectionClosed()
		conn.SetState(domain.StateClosed)
	}
	g.rooms.Reset()
	g.sessions.Reset()

	g.logger.Info("gateway stopped")
	return errs
}

// Metrics returns a consistent snapshot of the instance counters.
func (g *Gateway) Metrics() metrics.Snapshot {
	return g.metrics.Snapshot()
}

// InstanceID identifies this instance on the backplane.
func (g *Gateway) InstanceID() string {
	return g.bus.InstanceID()
}

// IsOnline reports whether userID has a live connection on this instance.
func (g *Gateway) IsOnline(userID string) bool {
	return g.registry.IsOnline(userID)
}

// OnlineUsers returns the users connected to this instance.
func (g *Gateway) OnlineUsers() []string {
	return g.registry.OnlineUsers()
}

// Registry exposes the connection registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Rooms exposes the room manager.
func (g *Gateway) Rooms() *room.Manager {
	return g.rooms
}

// BackplaneConnected reports whether cross-instance delivery is live.
func (g *Gateway) BackplaneConnected() bool {
	return g.bus.Connected()
}
