package backplane

import (
	"context"
	"sync"
	"sync/atomic"
)

type memoryMessage struct {
	channel string
	payload []byte
}

type memorySub struct {
	channels map[string]struct{}
	inbox    chan memoryMessage
	lost     chan struct{}
	lostOnce sync.Once
}

func (s *memorySub) drop() {
	s.lostOnce.Do(func() { close(s.lost) })
}

// MemoryBroker is an in-process pub/sub shared by several MemoryBackplanes,
// one per simulated gateway instance. Sever and Restore simulate an outage.
type MemoryBroker struct {
	mu      sync.RWMutex
	subs    map[*memorySub]struct{}
	severed bool
	dropped atomic.Int64
}

// NewMemoryBroker creates a connected broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[*memorySub]struct{})}
}

// Sever drops every subscription and rejects new traffic until Restore.
func (b *MemoryBroker) Sever() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.severed = true
	for s := range b.subs {
		s.drop()
		delete(b.subs, s)
	}
}

// Restore makes the broker reachable again.
func (b *MemoryBroker) Restore() {
	b.mu.Lock()
	b.severed = false
	b.mu.Unlock()
}

// Dropped returns how many deliveries were discarded because a
// subscriber's inbox was full.
func (b *MemoryBroker) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *MemoryBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *MemoryBroker) publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	if b.severed {
		b.mu.RUnlock()
		return ErrConnectionLost
	}
	targets := make([]*memorySub, 0, len(b.subs))
	for s := range b.subs {
		if _, ok := s.channels[channel]; ok {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	// A full inbox drops the message so a subscriber publishing from its own
	// handler can never wait on itself.
	msg := memoryMessage{channel: channel, payload: append([]byte(nil), payload...)}
	for _, s := range targets {
		select {
		case s.inbox <- msg:
		case <-s.lost:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

func (b *MemoryBroker) subscribe(channels []string) (*memorySub, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.severed {
		return nil, ErrConnectionLost
	}
	s := &memorySub{
		channels: make(map[string]struct{}, len(channels)),
		inbox:    make(chan memoryMessage, 256),
		lost:     make(chan struct{}),
	}
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	b.subs[s] = struct{}{}
	return s, nil
}

func (b *MemoryBroker) unsubscribe(s *memorySub) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.drop()
}

// MemoryBackplane is one instance's connection to a MemoryBroker.
type MemoryBackplane struct {
	broker *MemoryBroker
}

// NewMemoryBackplane connects to broker.
func NewMemoryBackplane(broker *MemoryBroker) *MemoryBackplane {
	return &MemoryBackplane{broker: broker}
}

func (m *MemoryBackplane) Publish(ctx context.Context, channel string, payload []byte) error {
	return m.broker.publish(ctx, channel, payload)
}

func (m *MemoryBackplane) Subscribe(ctx context.Context, channels []string, handler Handler) error {
	sub, err := m.broker.subscribe(channels)
	if err != nil {
		return err
	}
	handler.OnSubscribed()

	for {
		select {
		case <-ctx.Done():
			m.broker.unsubscribe(sub)
			return nil
		case <-sub.lost:
			return ErrConnectionLost
		case msg := <-sub.inbox:
			handler.OnMessage(msg.channel, msg.payload)
		}
	}
}

func (m *MemoryBackplane) Close() error {
	return nil
}
