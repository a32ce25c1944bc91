package router

import (
	"context"
	"sort"

	"github.com/HMasataka/gateway/pkg/registry"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
)

// Request is one validated inbound event.
type Request struct {
	Conn    *registry.Connection
	Frame   *protocol.Frame
	Payload protocol.Payload
}

// Handler processes an event and optionally returns a frame for the sender.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*protocol.Frame, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, req *Request) (*protocol.Frame, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*protocol.Frame, error) {
	return f(ctx, req)
}

// HandlerRegistry maps event names to handlers. Registration happens before
// serving; lookups are read-only afterwards.
type HandlerRegistry struct {
	handlers map[string]Handler
}

// NewHandlerRegistry creates a new handler registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler for an event
func (r *HandlerRegistry) Register(event string, handler Handler) {
	r.handlers[event] = handler
}

// Get retrieves the handler for an event
func (r *HandlerRegistry) Get(event string) (Handler, bool) {
	handler, ok := r.handlers[event]
	return handler, ok
}

// Events lists the registered events in sorted order.
func (r *HandlerRegistry) Events() []string {
	events := make([]string, 0, len(r.handlers))
	for e := range r.handlers {
		events = append(events, e)
	}
	sort.Strings(events)
	return events
}
