// Package router dispatches inbound events to per-namespace handlers.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/HMasataka/gateway/internal/logging"
	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/errors"
	"github.com/HMasataka/gateway/pkg/registry"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
)

// RoleChecker re-validates a connection's session before privileged actions.
type RoleChecker interface {
	Revalidate(ctx context.Context, token string, required domain.Role) (domain.Identity, error)
}

// Route is a namespace's dispatch table and role gate.
type Route struct {
	Namespace    domain.Namespace
	RequiredRole domain.Role
	Handlers     *HandlerRegistry
}

// Router routes events by the connection's namespace. Handlers of the
// default namespace are reachable from every namespace.
type Router struct {
	routes     map[domain.Namespace]*Route
	checker    RoleChecker
	logger     *logging.Logger
	errHandler errors.Handler
	onError    func()
}

// Option configures a Router.
type Option func(*Router)

// WithRoleChecker enables session re-validation for privileged namespaces.
func WithRoleChecker(c RoleChecker) Option {
	return func(r *Router) { r.checker = c }
}

// WithErrorHook registers a callback run for every failed event.
func WithErrorHook(fn func()) Option {
	return func(r *Router) { r.onError = fn }
}

// New creates a router with the four standard namespaces registered.
func New(logger *logging.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Router{
		routes:     make(map[domain.Namespace]*Route),
		logger:     logger,
		errHandler: errors.NewDefaultHandler(logger.Logger),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.Namespace(domain.NamespaceDefault, domain.RoleUser)
	r.Namespace(domain.NamespaceChat, domain.RoleUser)
	r.Namespace(domain.NamespaceNotification, domain.RoleUser)
	r.Namespace(domain.NamespaceAdmin, domain.RoleAdmin)
	return r
}

// Namespace returns the handler registry for ns, creating it with the given
// role requirement on first use.
func (r *Router) Namespace(ns domain.Namespace, role domain.Role) *HandlerRegistry {
	if route, ok := r.routes[ns]; ok {
		return route.Handlers
	}
	route := &Route{Namespace: ns, RequiredRole: role, Handlers: NewHandlerRegistry()}
	r.routes[ns] = route
	return route.Handlers
}

// Route returns the route for ns.
func (r *Router) Route(ns domain.Namespace) (*Route, bool) {
	route, ok := r.routes[ns]
	return route, ok
}

// Authorize is the handshake gate: the namespace must exist and the
// identity must hold its role.
func (r *Router) Authorize(identity domain.Identity, ns domain.Namespace) error {
	route, ok := r.routes[ns]
	if !ok {
		return errors.New(errors.ErrorTypeNotFound, errors.CodeUnknownNamespace, "unknown namespace").WithDetails(string(ns))
	}
	if route.RequiredRole == domain.RoleAdmin && !identity.IsAdmin() {
		return errors.New(errors.ErrorTypeForbidden, errors.CodeAccessDenied, "namespace requires admin").
			WithDetails(string(ns))
	}
	return nil
}

// Dispatch validates and handles one inbound frame. It returns the frame to
// send back to the sender, if any. A failed event yields an error frame and
// the error itself; the connection is never closed here.
func (r *Router) Dispatch(ctx context.Context, conn *registry.Connection, frame *protocol.Frame) (*protocol.Frame, error) {
	route, ok := r.routes[conn.Namespace()]
	if !ok {
		return nil, r.fail(ctx, conn, frame.Event, "", errors.New(errors.ErrorTypeNotFound, errors.CodeUnknownNamespace, "unknown namespace"))
	}

	handler, ok := route.Handlers.Get(frame.Event)
	if !ok {
		handler, ok = r.routes[domain.NamespaceDefault].Handlers.Get(frame.Event)
	}
	if !ok {
		r.logger.Warn("dropping unknown event",
			"connection_id", conn.ID(),
			"namespace", string(conn.Namespace()),
			"event", frame.Event,
		)
		return nil, nil
	}

	payload, err := protocol.DecodePayload(frame.Event, frame.Payload)
	if err != nil {
		return r.errorReply(ctx, conn, frame.Event, "", err)
	}
	roomID := protocol.RoomOf(payload)

	if route.RequiredRole == domain.RoleAdmin && r.checker != nil {
		if _, err := r.checker.Revalidate(ctx, conn.Token(), route.RequiredRole); err != nil {
			return r.errorReply(ctx, conn, frame.Event, roomID,
				errors.Wrap(err, errors.ErrorTypeForbidden, errors.CodeAccessDenied, "privileged action refused"))
		}
	}

	resp, err := r.invoke(ctx, handler, &Request{Conn: conn, Frame: frame, Payload: payload})
	if err != nil {
		return r.errorReply(ctx, conn, frame.Event, roomID, err)
	}
	return resp, nil
}

func (r *Router) invoke(ctx context.Context, h Handler, req *Request) (resp *protocol.Frame, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic",
				"connection_id", req.Conn.ID(),
				"event", req.Frame.Event,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			resp = nil
			err = errors.New(errors.ErrorTypeHandler, errors.CodeHandlerFailed, "handler failed").
				WithDetails(fmt.Sprint(rec))
		}
	}()
	return h.Handle(ctx, req)
}

// errorReply normalizes err, logs it and builds the error frame.
func (r *Router) errorReply(ctx context.Context, conn *registry.Connection, event, roomID string, err error) (*protocol.Frame, error) {
	err = r.fail(ctx, conn, event, roomID, err)
	e, _ := errors.As(err)

	frame, ferr := protocol.NewFrame(protocol.EventError, protocol.ErrorPayload{
		Code:    e.Code,
		Message: e.Message,
		Event:   event,
		RoomID:  roomID,
	})
	if ferr != nil {
		return nil, err
	}
	return frame, err
}

// fail classifies err and logs it with connection and event context.
// Errors that are not already typed client-facing errors become HandlerError.
func (r *Router) fail(ctx context.Context, conn *registry.Connection, event, roomID string, err error) error {
	if !clientFacing(err) {
		err = errors.Wrap(err, errors.ErrorTypeHandler, errors.CodeHandlerFailed, "handler failed")
	}

	if r.onError != nil {
		r.onError()
	}

	logger := r.logger.Logger.With(
		slog.String("connection_id", conn.ID()),
		slog.String("user_id", conn.UserID()),
		slog.String("event", event),
	)
	if roomID != "" {
		logger = logger.With(slog.String("room_id", roomID))
	}
	r.errHandler.HandleWithLogger(ctx, err, logger)
	return err
}

func clientFacing(err error) bool {
	e, ok := errors.As(err)
	if !ok {
		return false
	}
	switch e.Type {
	case errors.ErrorTypeForbidden, errors.ErrorTypeValidation, errors.ErrorTypeProtocol,
		errors.ErrorTypeNotFound, errors.ErrorTypeRateLimited, errors.ErrorTypeUnavailable,
		errors.ErrorTypeHandler:
		return true
	default:
		return false
	}
}
