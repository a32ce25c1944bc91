// Package metrics aggregates connection and message counters for the gateway.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable, internally consistent view of the counters.
type Snapshot struct {
	TotalConnections    int64     `json:"totalConnections"`
	ActiveConnections   int64     `json:"activeConnections"`
	PeakConnections     int64     `json:"peakConnections"`
	MessagesSent        int64     `json:"messagesSent"`
	MessagesReceived    int64     `json:"messagesReceived"`
	MessagesDropped     int64     `json:"messagesDropped"`
	Errors              int64     `json:"errors"`
	Reconnects          int64     `json:"reconnects"`
	BackplaneReconnects int64     `json:"backplaneReconnects"`
	SessionsExpired     int64     `json:"sessionsExpired"`
	Uptime              float64   `json:"uptimeSeconds"`
	TakenAt             time.Time `json:"takenAt"`
}

// Recorder counts gateway activity. Increments are lock-free relative to
// each other; they only share the read side of gate, which Snapshot takes
// exclusively so a snapshot never observes a half-applied update.
type Recorder struct {
	gate sync.RWMutex

	totalConnections    int64
	activeConnections   int64
	peakConnections     int64
	messagesSent        int64
	messagesReceived    int64
	messagesDropped     int64
	errors              int64
	reconnects          int64
	backplaneReconnects int64
	sessionsExpired     int64

	startTime time.Time
}

// NewRecorder creates a recorder whose uptime starts now.
func NewRecorder() *Recorder {
	return &Recorder{startTime: time.Now()}
}

func (r *Recorder) add(counter *int64, delta int64) {
	r.gate.RLock()
	atomic.AddInt64(counter, delta)
	r.gate.RUnlock()
}

// ConnectionOpened counts a newly registered connection and tracks the peak.
func (r *Recorder) ConnectionOpened() {
	r.gate.RLock()
	defer r.gate.RUnlock()

	atomic.AddInt64(&r.totalConnections, 1)
	active := atomic.AddInt64(&r.activeConnections, 1)
	for {
		peak := atomic.LoadInt64(&r.peakConnections)
		if active <= peak || atomic.CompareAndSwapInt64(&r.peakConnections, peak, active) {
			return
		}
	}
}

// ConnectionClosed decrements the active gauge.
func (r *Recorder) ConnectionClosed() {
	r.add(&r.activeConnections, -1)
}

func (r *Recorder) MessageSent()        { r.add(&r.messagesSent, 1) }
func (r *Recorder) MessagesSent(n int)  { r.add(&r.messagesSent, int64(n)) }
func (r *Recorder) MessageReceived()    { r.add(&r.messagesReceived, 1) }
func (r *Recorder) MessageDropped()     { r.add(&r.messagesDropped, 1) }
func (r *Recorder) Error()              { r.add(&r.errors, 1) }
func (r *Recorder) Reconnect()          { r.add(&r.reconnects, 1) }
func (r *Recorder) BackplaneReconnect() { r.add(&r.backplaneReconnects, 1) }

// SessionExpired counts a suspended session whose reconnect window lapsed.
func (r *Recorder) SessionExpired() { r.add(&r.sessionsExpired, 1) }

// Snapshot returns a consistent copy of all counters.
func (r *Recorder) Snapshot() Snapshot {
	r.gate.Lock()
	defer r.gate.Unlock()

	now := time.Now()
	return Snapshot{
		TotalConnections:    r.totalConnections,
		ActiveConnections:   r.activeConnections,
		PeakConnections:     r.peakConnections,
		MessagesSent:        r.messagesSent,
		MessagesReceived:    r.messagesReceived,
		MessagesDropped:     r.messagesDropped,
		Errors:              r.errors,
		Reconnects:          r.reconnects,
		BackplaneReconnects: r.backplaneReconnects,
		SessionsExpired:     r.sessionsExpired,
		Uptime:              now.Sub(r.startTime).Seconds(),
		TakenAt:             now,
	}
}
