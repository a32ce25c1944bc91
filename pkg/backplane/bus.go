package backplane

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/gateway/internal/logging"
	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/errors"
	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

// Default reconnect backoff bounds.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// EnvelopeHandler applies an envelope received from another instance.
type EnvelopeHandler func(ctx context.Context, env *Envelope)

// BusOptions configures a Bus.
type BusOptions struct {
	InstanceID     string
	ChannelPrefix  string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Clock          clock.Clock
	Logger         *logging.Logger
	// OnReconnect is called each time the subscription is re-established
	// after a loss.
	OnReconnect func()
}

// Bus supervises a Backplane subscription. It reconnects with bounded
// exponential backoff, and while disconnected Publish fails fast instead of
// queueing.
type Bus struct {
	backplane  Backplane
	handler    EnvelopeHandler
	instanceID string
	channels   Channels
	initial    time.Duration
	max        time.Duration
	clock      clock.Clock
	logger     *logging.Logger

	onReconnect func()

	connected     atomic.Bool
	subscribed    atomic.Bool
	everConnected atomic.Bool
	reconnects    atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped bool
}

// NewBus creates a supervisor for backplane. handler receives envelopes from
// other instances.
func NewBus(backplane Backplane, handler EnvelopeHandler, opts BusOptions) *Bus {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = "gateway"
	}

	return &Bus{
		backplane:   backplane,
		handler:     handler,
		instanceID:  opts.InstanceID,
		channels:    NewChannels(opts.ChannelPrefix),
		initial:     opts.InitialBackoff,
		max:         opts.MaxBackoff,
		clock:       opts.Clock,
		logger:      opts.Logger.With("component", "backplane", "instance_id", opts.InstanceID),
		onReconnect: opts.OnReconnect,
	}
}

// InstanceID returns the ID stamped on outgoing envelopes.
func (b *Bus) InstanceID() string { return b.instanceID }

// Connected reports whether the subscription is currently live.
func (b *Bus) Connected() bool { return b.connected.Load() }

// Reconnects returns how many times the subscription was re-established.
func (b *Bus) Reconnects() int64 { return b.reconnects.Load() }

// Start runs the subscription loop in the background until Stop.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.group != nil || b.stopped {
		return nil
	}

	ctx, b.cancel = context.WithCancel(ctx)
	b.group, ctx = errgroup.WithContext(ctx)
	b.group.Go(func() error {
		b.run(ctx)
		return nil
	})
	return nil
}

// Stop unsubscribes and closes the backplane. It waits for the subscription
// loop to exit or ctx to expire, whichever comes first.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	cancel, group := b.cancel, b.group
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		done := make(chan struct{})
		go func() {
			_ = group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			b.logger.Warn("backplane subscription did not stop in time")
		}
	}

	b.connected.Store(false)
	return b.backplane.Close()
}

func (b *Bus) run(ctx context.Context) {
	wait := b.initial
	for {
		b.subscribed.Store(false)
		err := b.backplane.Subscribe(ctx, b.channels.All(), busHandler{b: b, ctx: ctx})
		b.connected.Store(false)

		if ctx.Err() != nil {
			return
		}
		if b.subscribed.Load() {
			wait = b.initial
		}

		attrs := []any{"retry_in", wait.String()}
		if err != nil {
			attrs = append(attrs, "error", err.Error())
		}
		b.logger.Warn("backplane subscription lost", attrs...)

		select {
		case <-ctx.Done():
			return
		case <-b.clock.After(wait):
		}

		wait = nextBackoff(wait, b.max)
	}
}

// nextBackoff doubles wait, capped at max.
func nextBackoff(wait, max time.Duration) time.Duration {
	wait *= 2
	if wait > max {
		return max
	}
	return wait
}

type busHandler struct {
	b   *Bus
	ctx context.Context
}

func (h busHandler) OnSubscribed() {
	b := h.b
	b.subscribed.Store(true)
	b.connected.Store(true)

	if !b.everConnected.Swap(true) {
		b.logger.Info("backplane subscribed", "channels", b.channels.All())
		return
	}

	n := b.reconnects.Add(1)
	b.logger.Info("backplane resubscribed", "reconnects", n)
	if b.onReconnect != nil {
		b.onReconnect()
	}
}

func (h busHandler) OnMessage(channel string, payload []byte) {
	b := h.b

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn("dropping malformed envelope", "channel", channel, "error", err.Error())
		return
	}
	if env.Origin == b.instanceID {
		return
	}
	b.handler(h.ctx, &env)
}

// Publish stamps env with this instance's ID and sends it on the channel
// matching its content.
func (b *Bus) Publish(ctx context.Context, env *Envelope) error {
	if !b.connected.Load() {
		return errors.New(errors.ErrorTypeUnavailable, errors.CodeBackplaneUnavailable, "backplane unavailable").
			WithDetails("not connected")
	}

	var channel string
	switch {
	case env.Control != nil:
		channel = b.channels.Control
	case env.Message != nil:
		ch, err := b.channels.forScope(env.Message.Scope.Kind)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, errors.CodeInvalidEnvelope, "cannot route envelope")
		}
		channel = ch
	default:
		return errors.New(errors.ErrorTypeInternal, errors.CodeInvalidEnvelope, "empty envelope")
	}

	env.Origin = b.instanceID
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, errors.CodeMarshalFailed, "failed to marshal envelope")
	}

	if err := b.backplane.Publish(ctx, channel, data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeUnavailable, errors.CodeBackplaneUnavailable, "backplane publish failed")
	}
	return nil
}

// PublishMessage publishes a routed message. It satisfies the room
// manager's publisher contract.
func (b *Bus) PublishMessage(ctx context.Context, msg *domain.Message, excludeConnID string) error {
	return b.Publish(ctx, &Envelope{Message: msg, Exclude: excludeConnID})
}

// PublishControl publishes a control instruction to every other instance.
func (b *Bus) PublishControl(ctx context.Context, ctl Control) error {
	return b.Publish(ctx, &Envelope{Control: &ctl})
}
