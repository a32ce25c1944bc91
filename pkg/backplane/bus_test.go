package backplane

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/errors"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	envs []*Envelope
}

func (r *recorder) handle(_ context.Context, env *Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *recorder) last() *Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.envs) == 0 {
		return nil
	}
	return r.envs[len(r.envs)-1]
}

type instance struct {
	bus *Bus
	rec *recorder
}

func startInstance(t *testing.T, broker *MemoryBroker, id string, clk clock.Clock, onReconnect func()) *instance {
	t.Helper()
	rec := &recorder{}
	bus := NewBus(NewMemoryBackplane(broker), rec.handle, BusOptions{
		InstanceID:     id,
		ChannelPrefix:  "test",
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Clock:          clk,
		OnReconnect:    onReconnect,
	})
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	require.Eventually(t, bus.Connected, time.Second, 5*time.Millisecond)
	return &instance{bus: bus, rec: rec}
}

func roomMessage(content string) *domain.Message {
	return &domain.Message{
		ID:      "m-" + content,
		Scope:   domain.RoomScope("chat:room1"),
		Event:   "chat:message",
		Payload: []byte(`{"content":"` + content + `"}`),
	}
}

func TestBus_CrossInstanceDelivery(t *testing.T) {
	broker := NewMemoryBroker()
	a := startInstance(t, broker, "a", clock.New(), nil)
	b := startInstance(t, broker, "b", clock.New(), nil)

	require.NoError(t, a.bus.PublishMessage(context.Background(), roomMessage("hello"), "conn-1"))

	require.Eventually(t, func() bool { return b.rec.count() == 1 }, time.Second, 5*time.Millisecond)
	env := b.rec.last()
	assert.Equal(t, "a", env.Origin)
	assert.Equal(t, "conn-1", env.Exclude)
	assert.Equal(t, "m-hello", env.Message.ID)

	// an instance never handles its own envelopes
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, a.rec.count())
}

func TestBus_ControlEnvelopes(t *testing.T) {
	broker := NewMemoryBroker()
	a := startInstance(t, broker, "a", clock.New(), nil)
	b := startInstance(t, broker, "b", clock.New(), nil)

	require.NoError(t, a.bus.PublishControl(context.Background(), Control{Action: ControlKick, UserID: "x", By: "root"}))

	require.Eventually(t, func() bool { return b.rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NotNil(t, b.rec.last().Control)
	assert.Equal(t, ControlKick, b.rec.last().Control.Action)
}

func TestBus_OutageAndRecovery(t *testing.T) {
	broker := NewMemoryBroker()
	clk := clock.NewMock()

	var mu sync.Mutex
	reconnects := 0
	a := startInstance(t, broker, "a", clk, func() {
		mu.Lock()
		reconnects++
		mu.Unlock()
	})
	b := startInstance(t, broker, "b", clk, nil)

	broker.Sever()
	require.Eventually(t, func() bool { return !a.bus.Connected() && !b.bus.Connected() }, time.Second, 5*time.Millisecond)

	err := a.bus.PublishMessage(context.Background(), roomMessage("lost"), "")
	assert.ErrorIs(t, err, errors.BackplaneUnavailable)

	broker.Restore()
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return a.bus.Connected() && b.bus.Connected()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.bus.PublishMessage(context.Background(), roomMessage("back"), ""))
	require.Eventually(t, func() bool { return b.rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "m-back", b.rec.last().Message.ID)

	assert.Equal(t, int64(1), a.bus.Reconnects())
	mu.Lock()
	assert.Equal(t, 1, reconnects)
	mu.Unlock()
}

func TestBus_StopIsIdempotent(t *testing.T) {
	broker := NewMemoryBroker()
	inst := startInstance(t, broker, "a", clock.New(), nil)

	require.NoError(t, inst.bus.Stop(context.Background()))
	require.NoError(t, inst.bus.Stop(context.Background()))
	assert.False(t, inst.bus.Connected())
	assert.Eventually(t, func() bool { return broker.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBus_RejectsEmptyEnvelope(t *testing.T) {
	broker := NewMemoryBroker()
	inst := startInstance(t, broker, "a", clock.New(), nil)

	assert.Error(t, inst.bus.Publish(context.Background(), &Envelope{}))
}

func TestNextBackoff(t *testing.T) {
	wait := time.Second
	var got []time.Duration
	for i := 0; i < 7; i++ {
		wait = nextBackoff(wait, 30*time.Second)
		got = append(got, wait)
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)
}

func TestChannels(t *testing.T) {
	c := NewChannels("gw")
	assert.Equal(t, []string{"gw.room", "gw.user", "gw.broadcast", "gw.control"}, c.All())

	ch, err := c.forScope(domain.ScopeUser)
	require.NoError(t, err)
	assert.Equal(t, "gw.user", ch)
}

func TestMemoryBroker_FullInboxDropsInsteadOfBlocking(t *testing.T) {
	broker := NewMemoryBroker()
	sub, err := broker.subscribe([]string{"gw.room"})
	require.NoError(t, err)
	capacity := cap(sub.inbox)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < capacity+10; i++ {
			assert.NoError(t, broker.publish(context.Background(), "gw.room", []byte("x")))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full inbox")
	}
	assert.Equal(t, int64(10), broker.Dropped())
	assert.Len(t, sub.inbox, capacity)

	broker.unsubscribe(sub)
}
