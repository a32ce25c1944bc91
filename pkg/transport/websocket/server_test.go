package websocket

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/gateway/internal/logging"
	"github.com/HMasataka/gateway/pkg/auth"
	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/errors"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoSession struct {
	client *Client
	mu     sync.Mutex
	got    []string
	closed chan domain.CloseReason
}

func (s *echoSession) Receive(ctx context.Context, data []byte) {
	s.mu.Lock()
	s.got = append(s.got, string(data))
	s.mu.Unlock()
	_ = s.client.Send(ctx, data)
}

func (s *echoSession) Closed(reason domain.CloseReason) {
	s.closed <- reason
}

func (s *echoSession) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type fakeHandler struct {
	mu         sync.Mutex
	handshakes []auth.Handshake
	sessions   chan *echoSession
	err        error
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{sessions: make(chan *echoSession, 4)}
}

func (h *fakeHandler) Open(ctx context.Context, client *Client, hs auth.Handshake) (Session, error) {
	logging.FromContext(ctx).Info("opening session")

	h.mu.Lock()
	h.handshakes = append(h.handshakes, hs)
	h.mu.Unlock()

	if h.err != nil {
		return nil, h.err
	}
	s := &echoSession{client: client, closed: make(chan domain.CloseReason, 1)}
	h.sessions <- s
	return s, nil
}

func (h *fakeHandler) lastHandshake() auth.Handshake {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handshakes[len(h.handshakes)-1]
}

func newTestServer(t *testing.T, handler ConnectionHandler, opts ...ServerOption) (*Server, string) {
	t.Helper()

	srv := NewServer(handler, opts...)
	r := chi.NewRouter()
	r.Handle("/ws", srv)
	r.Handle("/ws/{namespace}", srv)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Unmarshal(data)
	require.NoError(t, err)
	return f
}

func waitSession(t *testing.T, h *fakeHandler) *echoSession {
	t.Helper()
	select {
	case s := <-h.sessions:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not opened")
		return nil
	}
}

func waitClosed(t *testing.T, s *echoSession) domain.CloseReason {
	t.Helper()
	select {
	case r := <-s.closed:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("session was not closed")
		return ""
	}
}

func TestServer_BearerTokenHandshake(t *testing.T) {
	h := newFakeHandler()
	_, url := newTestServer(t, h)

	header := http.Header{"Authorization": []string{"Bearer tok-1"}}
	conn := dial(t, url+"/ws/chat?sessionId=s-1", header)
	s := waitSession(t, h)

	hs := h.lastHandshake()
	assert.Equal(t, "tok-1", hs.Token)
	assert.Equal(t, "s-1", hs.SessionID)
	assert.Equal(t, domain.NamespaceChat, hs.Namespace)

	frame, err := protocol.Encode(protocol.EventPing, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	echoed := readFrame(t, conn)
	assert.Equal(t, protocol.EventPing, echoed.Event)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	assert.Equal(t, domain.CloseClientLeft, waitClosed(t, s))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServer_OpenContextCarriesConnectionLogger(t *testing.T) {
	var out syncBuffer
	h := newFakeHandler()
	_, url := newTestServer(t, h, WithLogger(logging.NewWithWriter(logging.Config{Level: "info"}, &out)))

	dial(t, url+"/ws/chat?token=tok", nil)
	s := waitSession(t, h)

	assert.Contains(t, out.String(), "msg=\"opening session\"")
	assert.Contains(t, out.String(), "connection_id="+s.client.ID())
	assert.Contains(t, out.String(), "namespace=chat")
}

func TestServer_QueryTokenHandshake(t *testing.T) {
	h := newFakeHandler()
	_, url := newTestServer(t, h)

	dial(t, url+"/ws?token=tok-q", nil)
	waitSession(t, h)

	hs := h.lastHandshake()
	assert.Equal(t, "tok-q", hs.Token)
	assert.Equal(t, domain.NamespaceDefault, hs.Namespace)
}

func TestServer_AuthFrameHandshake(t *testing.T) {
	h := newFakeHandler()
	_, url := newTestServer(t, h)

	conn := dial(t, url+"/ws/notification", nil)
	frame, err := protocol.Encode(protocol.EventAuth, protocol.AuthRequest{Token: "tok-f", SessionID: "s-9"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	waitSession(t, h)
	hs := h.lastHandshake()
	assert.Equal(t, "tok-f", hs.Token)
	assert.Equal(t, "s-9", hs.SessionID)
	assert.Equal(t, domain.NamespaceNotification, hs.Namespace)
}

func TestServer_AuthFrameTimeout(t *testing.T) {
	h := newFakeHandler()
	_, url := newTestServer(t, h, WithHandshakeTimeout(100*time.Millisecond))

	conn := dial(t, url+"/ws/chat", nil)

	f := readFrame(t, conn)
	assert.Equal(t, protocol.EventError, f.Event)
	var p protocol.ErrorPayload
	require.NoError(t, f.Decode(&p))
	assert.Equal(t, errors.CodeAuthTimeout, p.Code)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestServer_FirstFrameMustBeAuth(t *testing.T) {
	h := newFakeHandler()
	_, url := newTestServer(t, h)

	conn := dial(t, url+"/ws/chat", nil)
	frame, err := protocol.Encode(protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomID: "general"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	f := readFrame(t, conn)
	var p protocol.ErrorPayload
	require.NoError(t, f.Decode(&p))
	assert.Equal(t, errors.CodeAuthFailed, p.Code)
}

func TestServer_RejectedHandshake(t *testing.T) {
	h := newFakeHandler()
	h.err = errors.New(errors.ErrorTypeUnauthorized, errors.CodeAuthFailed, "authentication failed")
	_, url := newTestServer(t, h)

	conn := dial(t, url+"/ws/chat?token=bad", nil)

	f := readFrame(t, conn)
	assert.Equal(t, protocol.EventError, f.Event)
	var p protocol.ErrorPayload
	require.NoError(t, f.Decode(&p))
	assert.Equal(t, errors.CodeAuthFailed, p.Code)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, string(domain.CloseAuthFailed), ce.Text)
}

func TestServer_UnknownNamespace(t *testing.T) {
	_, url := newTestServer(t, newFakeHandler())

	_, resp, err := websocket.DefaultDialer.Dial(url+"/ws/billing?token=t", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_StopAccepting(t *testing.T) {
	srv, url := newTestServer(t, newFakeHandler())
	require.True(t, srv.Accepting())

	srv.StopAccepting()
	assert.False(t, srv.Accepting())

	_, resp, err := websocket.DefaultDialer.Dial(url+"/ws/chat?token=t", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_AllowedOrigins(t *testing.T) {
	_, url := newTestServer(t, newFakeHandler(), WithAllowedOrigins([]string{"https://app.example.com"}))

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url+"/ws/chat?token=t", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url+"/ws/chat?token=t", header)
	require.NoError(t, err)
	conn.Close()
}

func TestClient_HeartbeatTimeout(t *testing.T) {
	h := newFakeHandler()
	opts := DefaultClientOptions()
	opts.HeartbeatInterval = time.Hour
	opts.HeartbeatTimeout = 150 * time.Millisecond
	_, url := newTestServer(t, h, WithClientOptions(opts))

	// The dialed side never reads, so no pong or frame ever arrives.
	dial(t, url+"/ws/chat?token=t", nil)
	s := waitSession(t, h)

	assert.Equal(t, domain.CloseHeartbeat, waitClosed(t, s))
}

func TestClient_PongKeepsConnectionAlive(t *testing.T) {
	h := newFakeHandler()
	opts := DefaultClientOptions()
	opts.HeartbeatInterval = 50 * time.Millisecond
	opts.HeartbeatTimeout = 200 * time.Millisecond
	_, url := newTestServer(t, h, WithClientOptions(opts))

	conn := dial(t, url+"/ws/chat?token=t", nil)
	s := waitSession(t, h)

	// Reading lets gorilla answer pings with pongs.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case r := <-s.closed:
		t.Fatalf("connection closed early: %s", r)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestClient_RateLimited(t *testing.T) {
	h := newFakeHandler()
	opts := DefaultClientOptions()
	opts.RateLimit = 0.001
	opts.Burst = 1
	limited := make(chan struct{}, 8)
	opts.OnRateLimited = func() { limited <- struct{}{} }
	_, url := newTestServer(t, h, WithClientOptions(opts))

	conn := dial(t, url+"/ws/chat?token=t", nil)
	s := waitSession(t, h)

	frame, err := protocol.Encode(protocol.EventPing, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	}

	assert.Equal(t, protocol.EventPing, readFrame(t, conn).Event)
	for i := 0; i < 2; i++ {
		f := readFrame(t, conn)
		require.Equal(t, protocol.EventError, f.Event)
		var p protocol.ErrorPayload
		require.NoError(t, f.Decode(&p))
		assert.Equal(t, errors.CodeRateLimited, p.Code)
	}
	assert.Equal(t, 1, s.received())
	assert.Len(t, limited, 2)
}

func TestClient_CloseFlushesQueuedFrames(t *testing.T) {
	h := newFakeHandler()
	_, url := newTestServer(t, h)

	conn := dial(t, url+"/ws/chat?token=t", nil)
	s := waitSession(t, h)

	frame, err := protocol.Encode(protocol.EventServerShutdown, protocol.ServerShutdown{Message: "bye"})
	require.NoError(t, err)
	require.NoError(t, s.client.Send(context.Background(), frame))
	require.NoError(t, s.client.Close(websocket.CloseGoingAway, string(domain.CloseShutdown)))

	assert.Equal(t, protocol.EventServerShutdown, readFrame(t, conn).Event)

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, string(domain.CloseShutdown), ce.Text)

	assert.Equal(t, domain.CloseShutdown, waitClosed(t, s))
	assert.ErrorIs(t, s.client.Send(context.Background(), frame), domain.ErrConnectionClosed)
}

func TestClient_DisconnectPolicyClosesSlowConsumer(t *testing.T) {
	opts := DefaultClientOptions()
	opts.OutboundLimit = 1
	opts.Backpressure = Disconnect

	// Without Start nothing drains the outbox.
	c := NewClient("slow", nil, nil, opts)
	require.NoError(t, c.Send(context.Background(), []byte(`{"event":"a"}`)))

	err := c.Send(context.Background(), []byte(`{"event":"b"}`))
	assert.ErrorIs(t, err, domain.ErrSlowConsumer)

	assert.Eventually(t, func() bool {
		return c.CloseReason() == domain.CloseSlowClient
	}, time.Second, 10*time.Millisecond)
	assert.Error(t, c.Context().Err())
}

func TestClient_DropOldestCountsDrops(t *testing.T) {
	opts := DefaultClientOptions()
	opts.OutboundLimit = 2
	drops := 0
	opts.OnDrop = func() { drops++ }

	c := NewClient("busy", nil, nil, opts)
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Send(context.Background(), []byte{byte('a' + i)}))
	}

	assert.Equal(t, 3, drops)
	assert.Equal(t, [][]byte{{'d'}, {'e'}}, c.outbox.drain())
}
