package websocket

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/HMasataka/gateway/internal/logging"
	"github.com/HMasataka/gateway/pkg/auth"
	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/errors"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

// Session is the per-connection state owned by the session layer.
type Session interface {
	// Receive handles one inbound frame. Calls are sequential per client.
	Receive(ctx context.Context, data []byte)
	// Closed runs once after the client's pumps have stopped.
	Closed(reason domain.CloseReason)
}

// ConnectionHandler admits upgraded connections.
type ConnectionHandler interface {
	// Open authenticates the handshake and registers client. An error
	// rejects the connection before it is ever served.
	Open(ctx context.Context, client *Client, h auth.Handshake) (Session, error)
}

// ServerOptions represents websocket server options
type ServerOptions struct {
	ReadBufferSize   int
	WriteBufferSize  int
	CheckOrigin      func(r *http.Request) bool
	Logger           *logging.Logger
	HandshakeTimeout time.Duration
	Client           ClientOptions
}

// ServerOption is a function that configures ServerOptions
type ServerOption func(*ServerOptions)

// WithLogger sets the logger for the server
func WithLogger(logger *logging.Logger) ServerOption {
	return func(o *ServerOptions) {
		o.Logger = logger
	}
}

// WithCheckOrigin sets the check origin function
func WithCheckOrigin(checkOrigin func(r *http.Request) bool) ServerOption {
	return func(o *ServerOptions) {
		o.CheckOrigin = checkOrigin
	}
}

// WithAllowedOrigins accepts only the listed Origin headers. An empty list
// accepts any origin.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(o *ServerOptions) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]struct{}, len(origins))
		for _, origin := range origins {
			allowed[strings.TrimSpace(origin)] = struct{}{}
		}
		o.CheckOrigin = func(r *http.Request) bool {
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		}
	}
}

// WithHandshakeTimeout bounds how long a client may take to send its auth frame.
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(o *ServerOptions) {
		o.HandshakeTimeout = d
	}
}

// WithClientOptions sets the options of every accepted client.
func WithClientOptions(opts ClientOptions) ServerOption {
	return func(o *ServerOptions) {
		o.Client = opts
	}
}

// Server upgrades HTTP requests and hands authenticated clients to a
// ConnectionHandler. Mount it on a route with a {namespace} parameter.
type Server struct {
	upgrader  websocket.Upgrader
	handler   ConnectionHandler
	logger    *logging.Logger
	options   ServerOptions
	accepting atomic.Bool
}

// NewServer creates a new WebSocket server
func NewServer(handler ConnectionHandler, opts ...ServerOption) *Server {
	options := ServerOptions{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		HandshakeTimeout: 5 * time.Second,
		Client:           DefaultClientOptions(),
	}

	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}

	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  options.ReadBufferSize,
			WriteBufferSize: options.WriteBufferSize,
			CheckOrigin:     options.CheckOrigin,
		},
		handler: handler,
		logger:  options.Logger,
		options: options,
	}
	s.accepting.Store(true)
	return s
}

// StopAccepting makes the server answer new upgrade requests with 503.
func (s *Server) StopAccepting() {
	s.accepting.Store(false)
}

// Accepting reports whether new connections are admitted.
func (s *Server) Accepting() bool {
	return s.accepting.Load()
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.accepting.Load() {
		http.Error(w, domain.ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}

	ns, ok := domain.ParseNamespace(chi.URLParam(r, "namespace"))
	if !ok {
		http.Error(w, "unknown namespace", http.StatusNotFound)
		return
	}

	handshake := auth.Handshake{
		Token:     bearerToken(r),
		SessionID: r.URL.Query().Get("sessionId"),
		Namespace: ns,
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade error",
			"error", err.Error(),
			"remote_addr", r.RemoteAddr,
		)
		return
	}

	if handshake.Token == "" {
		handshake, err = s.readAuthFrame(conn, handshake)
		if err != nil {
			s.reject(conn, err)
			return
		}
	}

	client := NewClient(xid.New().String(), conn, s.logger, s.options.Client)
	ctx := logging.WithLogger(r.Context(), s.logger.With(
		"connection_id", client.ID(),
		"namespace", string(ns),
	))

	session, err := s.handler.Open(ctx, client, handshake)
	if err != nil {
		s.reject(conn, err)
		return
	}

	client.Start(session.Receive)

	s.logger.Info("client connected",
		"connection_id", client.ID(),
		"namespace", string(ns),
		"remote_addr", r.RemoteAddr,
	)

	<-client.Done()

	reason := client.CloseReason()
	session.Closed(reason)

	s.logger.Info("client disconnected",
		"connection_id", client.ID(),
		"reason", string(reason),
	)
}

// readAuthFrame waits for the first frame, which must be an auth event.
func (s *Server) readAuthFrame(conn *websocket.Conn, h auth.Handshake) (auth.Handshake, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.options.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			return h, errors.Wrap(err, errors.ErrorTypeUnauthorized, errors.CodeAuthTimeout, "authentication timed out")
		}
		return h, errors.Wrap(err, errors.ErrorTypeUnauthorized, errors.CodeAuthFailed, "authentication failed")
	}

	frame, err := protocol.Unmarshal(data)
	if err != nil || frame.Event != protocol.EventAuth {
		return h, errors.New(errors.ErrorTypeUnauthorized, errors.CodeAuthFailed, "authentication failed").
			WithDetails("first frame must be auth")
	}

	payload, err := protocol.DecodePayload(protocol.EventAuth, frame.Payload)
	if err != nil {
		return h, errors.Wrap(err, errors.ErrorTypeUnauthorized, errors.CodeAuthFailed, "authentication failed")
	}

	req := payload.(*protocol.AuthRequest)
	h.Token = req.Token
	if req.SessionID != "" {
		h.SessionID = req.SessionID
	}
	return h, nil
}

// reject sends an error frame and closes a connection that was never served.
func (s *Server) reject(conn *websocket.Conn, err error) {
	defer conn.Close()

	code := websocket.CloseInternalServerErr
	reason := "internal error"
	payload := protocol.ErrorPayload{Code: errors.CodeInternal, Message: "internal error"}

	if e, ok := errors.As(err); ok {
		payload = protocol.ErrorPayload{Code: e.Code, Message: e.Message}
		switch e.Type {
		case errors.ErrorTypeUnauthorized:
			code, reason = websocket.ClosePolicyViolation, string(domain.CloseAuthFailed)
		case errors.ErrorTypeForbidden, errors.ErrorTypeNotFound:
			code, reason = websocket.ClosePolicyViolation, e.Code
		case errors.ErrorTypeUnavailable:
			code, reason = websocket.CloseTryAgainLater, e.Code
		}
	}

	s.logger.Info("connection rejected", "code", payload.Code, "error", err.Error())

	deadline := time.Now().Add(s.options.Client.WriteTimeout)
	if frame, ferr := protocol.Encode(protocol.EventError, payload); ferr == nil {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
