package websocket

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"time"

	"github.com/HMasataka/gateway/internal/logging"
	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/errors"
	"github.com/HMasataka/gateway/pkg/transport/protocol"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ClientOptions represents websocket client options
type ClientOptions struct {
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxMessageSize    int64
	OutboundLimit     int
	Backpressure      BackpressurePolicy
	// RateLimit is inbound events per second; zero disables limiting.
	RateLimit rate.Limit
	Burst     int

	// OnDrop is called for every frame discarded under DropOldest.
	OnDrop func()
	// OnRateLimited is called for every inbound event rejected by the limiter.
	OnRateLimited func()
}

// DefaultClientOptions returns default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		MaxMessageSize:    64 * 1024,
		OutboundLimit:     256,
		Backpressure:      DropOldest,
		RateLimit:         20,
		Burst:             40,
	}
}

func (o ClientOptions) withDefaults() ClientOptions {
	def := DefaultClientOptions()
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = def.HeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	if o.OutboundLimit <= 0 {
		o.OutboundLimit = def.OutboundLimit
	}
	return o
}

// Receiver consumes inbound frames of one client, in arrival order.
type Receiver func(ctx context.Context, data []byte)

// Client implements domain.Client for WebSocket. Outbound frames go through
// a bounded outbox drained by a single write pump; inbound frames are read
// by a single read pump and handed to the Receiver one at a time.
type Client struct {
	id      string
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logging.Logger
	options ClientOptions
	outbox  *outbox
	limiter *rate.Limiter

	closeOnce   sync.Once
	mu          sync.Mutex
	closeCode   int
	closeReason domain.CloseReason

	wg   sync.WaitGroup
	done chan struct{}
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, logger *logging.Logger, options ClientOptions) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = logging.Discard()
	}
	options = options.withDefaults()

	c := &Client{
		id:      id,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.WithFields(map[string]any{"connection_id": id}),
		options: options,
		outbox:  newOutbox(options.OutboundLimit, options.Backpressure),
		done:    make(chan struct{}),
	}
	if options.RateLimit > 0 {
		c.limiter = rate.NewLimiter(options.RateLimit, options.Burst)
	}
	return c
}

// ID implements domain.Client
func (c *Client) ID() string {
	return c.id
}

// Send implements domain.Client. It never blocks on the network; when the
// outbox is full the backpressure policy applies.
func (c *Client) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dropped, err := c.outbox.push(frame)
	if stderrors.Is(err, domain.ErrSlowConsumer) {
		c.logger.Warn("closing slow consumer", "queued", c.outbox.len())
		go c.Close(websocket.ClosePolicyViolation, string(domain.CloseSlowClient))
		return err
	}
	if err != nil {
		return err
	}

	for i := 0; i < dropped; i++ {
		if c.options.OnDrop != nil {
			c.options.OnDrop()
		}
	}
	return nil
}

// Close implements domain.Client. Frames already queued are flushed before
// the close frame is written. Only the first call has any effect.
func (c *Client) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = domain.CloseReason(reason)
		c.mu.Unlock()

		c.outbox.close()
		c.cancel()
	})
	return nil
}

// CloseReason returns why the client closed. It is meaningful once Done is closed.
func (c *Client) CloseReason() domain.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// Context implements domain.Client
func (c *Client) Context() context.Context {
	return c.ctx
}

// Done is closed once both pumps have exited and the socket is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Start starts the client read and write pumps
func (c *Client) Start(receive Receiver) {
	c.wg.Add(2)
	go c.readPump(receive)
	go c.writePump()

	go func() {
		c.wg.Wait()
		close(c.done)
	}()
}

// readPump pumps messages from the websocket connection
func (c *Client) readPump(receive Receiver) {
	defer c.wg.Done()

	c.conn.SetReadLimit(c.options.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.options.HeartbeatTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.options.HeartbeatTimeout))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			c.Close(websocket.CloseNormalClosure, string(c.classifyReadError(err)))
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.options.HeartbeatTimeout))

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.rejectRateLimited()
			continue
		}

		receive(c.ctx, message)
	}
}

func (c *Client) classifyReadError(err error) domain.CloseReason {
	if c.ctx.Err() != nil {
		return c.CloseReason()
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		c.logger.Info("heartbeat timeout")
		return domain.CloseHeartbeat
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return domain.CloseClientLeft
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		c.logger.Warn("websocket read error", "error", err.Error())
	}
	return domain.CloseTransportLost
}

func (c *Client) rejectRateLimited() {
	if c.options.OnRateLimited != nil {
		c.options.OnRateLimited()
	}
	frame, err := protocol.Encode(protocol.EventError, protocol.ErrorPayload{
		Code:    errors.CodeRateLimited,
		Message: "too many events",
	})
	if err == nil {
		_ = c.Send(c.ctx, frame)
	}
}

// writePump pumps messages to the websocket connection
func (c *Client) writePump() {
	defer c.wg.Done()
	defer c.conn.Close()

	ticker := time.NewTicker(c.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.flush()
			c.writeClose()
			return

		case <-c.outbox.notify:
			if !c.flush() {
				c.Close(websocket.CloseAbnormalClosure, string(domain.CloseTransportLost))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping error", "error", err.Error())
				c.Close(websocket.CloseAbnormalClosure, string(domain.CloseTransportLost))
				return
			}
		}
	}
}

// flush writes every queued frame. It reports false on a write error.
func (c *Client) flush() bool {
	for _, frame := range c.outbox.drain() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.logger.Debug("websocket write error", "error", err.Error())
			return false
		}
	}
	return true
}

func (c *Client) writeClose() {
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()

	if code == 0 || code == websocket.CloseAbnormalClosure {
		return
	}
	msg := websocket.FormatCloseMessage(code, string(reason))
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.options.WriteTimeout))
}
