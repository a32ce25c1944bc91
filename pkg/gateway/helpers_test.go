package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/gateway/internal/config"
	"github.com/HMasataka/gateway/internal/logging"
	"github.com/HMasataka/gateway/pkg/auth"
	"github.com/HMasataka/gateway/pkg/backplane"
	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type testCluster struct {
	broker    *backplane.MemoryBroker
	validator *auth.StaticValidator
}

func newCluster() *testCluster {
	return &testCluster{
		broker:    backplane.NewMemoryBroker(),
		validator: auth.NewStaticValidator(clock.New()),
	}
}

func (c *testCluster) user(token, userID string, role domain.Role) {
	c.validator.Add(token, domain.Identity{UserID: userID, Role: role, DisplayName: strings.ToUpper(userID)}, time.Hour)
}

type testInstance struct {
	gw  *Gateway
	url string
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Gateway.ShutdownGracePeriod = 50 * time.Millisecond
	cfg.Gateway.HandshakeTimeout = time.Second
	cfg.Backplane.ReconnectBackoff = config.BackoffConfig{
		Initial: 10 * time.Millisecond,
		Max:     50 * time.Millisecond,
	}
	return cfg
}

func (c *testCluster) start(t *testing.T, mutate func(*config.Config), opts ...Option) *testInstance {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	opts = append([]Option{
		WithSessionValidator(c.validator),
		WithBackplane(backplane.NewMemoryBackplane(c.broker)),
		WithLogger(logging.Discard()),
	}, opts...)

	r := chi.NewRouter()
	gw, err := Initialize(context.Background(), r, cfg, opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
		ts.Close()
	})

	require.Eventually(t, gw.BackplaneConnected, waitFor, 5*time.Millisecond)
	return &testInstance{gw: gw, url: "ws" + strings.TrimPrefix(ts.URL, "http")}
}

type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan *protocol.Frame
	closed chan error

	mu        sync.Mutex
	sessionID string
	connID    string
}

func (i *testInstance) dial(t *testing.T, path, token string) *testClient {
	t.Helper()
	c := i.dialRaw(t, path+"?token="+token)
	status := c.expect(protocol.EventConnectionStatus)
	var cs protocol.ConnectionStatus
	require.NoError(t, status.Decode(&cs))
	c.mu.Lock()
	c.sessionID, c.connID = cs.SessionID, cs.ConnectionID
	c.mu.Unlock()
	return c
}

func (i *testInstance) dialRaw(t *testing.T, pathAndQuery string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(i.url+pathAndQuery, nil)
	require.NoError(t, err)

	c := &testClient{
		t:      t,
		conn:   conn,
		frames: make(chan *protocol.Frame, 128),
		closed: make(chan error, 1),
	}
	go c.readLoop()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.closed <- err
			close(c.frames)
			return
		}
		f, err := protocol.Unmarshal(data)
		if err == nil {
			c.frames <- f
		}
	}
}

func (c *testClient) emit(event string, payload any) {
	c.t.Helper()
	data, err := protocol.Encode(event, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

// expect returns the next frame for event, skipping unrelated ones.
func (c *testClient) expect(event string) *protocol.Frame {
	c.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %s", event)
			}
			if f.Event == event {
				return f
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// expectNone fails if a frame for event arrives within d.
func (c *testClient) expectNone(event string, d time.Duration) {
	c.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return
			}
			if f.Event == event {
				c.t.Fatalf("unexpected %s frame", event)
			}
		case <-deadline:
			return
		}
	}
}

// expectClose waits for the server to close the connection.
func (c *testClient) expectClose() error {
	c.t.Helper()
	select {
	case err := <-c.closed:
		return err
	case <-time.After(waitFor):
		c.t.Fatal("connection was not closed")
		return nil
	}
}

func (c *testClient) join(roomID string) protocol.JoinAck {
	c.t.Helper()
	c.emit(protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomID: roomID})
	var ack protocol.JoinAck
	require.NoError(c.t, c.expect(protocol.EventJoinRoom).Decode(&ack))
	return ack
}

// drop kills the TCP connection without a close handshake.
func (c *testClient) drop() {
	_ = c.conn.UnderlyingConn().Close()
}

func decodeError(t *testing.T, f *protocol.Frame) protocol.ErrorPayload {
	t.Helper()
	var p protocol.ErrorPayload
	require.NoError(t, f.Decode(&p))
	return p
}

func statusCode(t *testing.T, url string) int {
	t.Helper()
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	return resp.StatusCode
}
