package backplane

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSBackplane carries envelopes over core NATS subjects. The client's own
// reconnect logic is disabled; each Subscribe call dials a fresh connection
// so the Bus owns the retry schedule.
type NATSBackplane struct {
	url  string
	opts []nats.Option

	mu sync.RWMutex
	nc *nats.Conn
}

// NewNATSBackplane creates a backplane for url. Extra options are appended
// to the gateway's defaults.
func NewNATSBackplane(url string, opts ...nats.Option) *NATSBackplane {
	return &NATSBackplane{url: url, opts: opts}
}

func (n *NATSBackplane) conn() *nats.Conn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nc
}

func (n *NATSBackplane) Publish(_ context.Context, channel string, payload []byte) error {
	nc := n.conn()
	if nc == nil || !nc.IsConnected() {
		return ErrConnectionLost
	}
	return nc.Publish(channel, payload)
}

func (n *NATSBackplane) Subscribe(ctx context.Context, channels []string, handler Handler) error {
	closed := make(chan struct{})
	opts := append([]nats.Option{
		nats.Name("gateway-backplane"),
		nats.NoReconnect(),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	}, n.opts...)

	nc, err := nats.Connect(n.url, opts...)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	// A single subscriber goroutine per subject keeps per-channel order.
	for _, ch := range channels {
		if _, err := nc.Subscribe(ch, func(m *nats.Msg) {
			handler.OnMessage(m.Subject, m.Data)
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	n.mu.Lock()
	n.nc = nc
	n.mu.Unlock()
	handler.OnSubscribed()

	select {
	case <-ctx.Done():
		return nil
	case <-closed:
		return ErrConnectionLost
	}
}

func (n *NATSBackplane) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nc != nil {
		n.nc.Close()
		n.nc = nil
	}
	return nil
}
