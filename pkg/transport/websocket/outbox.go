package websocket

import (
	"sync"

	"github.com/HMasataka/gateway/pkg/domain"
)

// BackpressurePolicy decides what happens when a client's outbound queue is full.
type BackpressurePolicy string

const (
	// DropOldest discards the oldest queued frame to make room.
	DropOldest BackpressurePolicy = "drop-oldest"
	// Disconnect closes the client as a slow consumer.
	Disconnect BackpressurePolicy = "disconnect"
)

// ParseBackpressurePolicy maps a config value to a policy. Unknown values
// fall back to DropOldest.
func ParseBackpressurePolicy(s string) BackpressurePolicy {
	if BackpressurePolicy(s) == Disconnect {
		return Disconnect
	}
	return DropOldest
}

// outbox is a bounded per-connection queue drained by the write pump.
// Publishers never block on it.
type outbox struct {
	limit  int
	policy BackpressurePolicy

	mu     sync.Mutex
	items  [][]byte
	closed bool
	notify chan struct{}
}

func newOutbox(limit int, policy BackpressurePolicy) *outbox {
	if limit <= 0 {
		limit = 256
	}
	return &outbox{
		limit:  limit,
		policy: policy,
		items:  make([][]byte, 0, min(limit, 64)),
		notify: make(chan struct{}, 1),
	}
}

// push enqueues frame. It reports how many frames were discarded to make
// room, or ErrSlowConsumer when the queue is full under Disconnect.
func (o *outbox) push(frame []byte) (int, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0, domain.ErrConnectionClosed
	}

	dropped := 0
	if len(o.items) >= o.limit {
		if o.policy == Disconnect {
			o.mu.Unlock()
			return 0, domain.ErrSlowConsumer
		}
		o.items[0] = nil
		o.items = o.items[1:]
		dropped = 1
	}
	o.items = append(o.items, frame)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return dropped, nil
}

// drain removes and returns everything queued.
func (o *outbox) drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return nil
	}
	items := o.items
	o.items = make([][]byte, 0, min(o.limit, 64))
	return items
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// close rejects further pushes. Queued frames stay drainable.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}
