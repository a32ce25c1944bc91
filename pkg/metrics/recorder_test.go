package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_ConcurrentIncrements(t *testing.T) {
	r := NewRecorder()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.ConnectionOpened()
			r.MessageReceived()
			r.MessagesSent(3)
		}()
	}
	wg.Wait()

	snap := r.Snapshot()
	assert.Equal(t, int64(workers), snap.TotalConnections)
	assert.Equal(t, int64(workers), snap.ActiveConnections)
	assert.Equal(t, int64(workers), snap.PeakConnections)
	assert.Equal(t, int64(workers), snap.MessagesReceived)
	assert.Equal(t, int64(3*workers), snap.MessagesSent)
}

func TestRecorder_PeakSurvivesClose(t *testing.T) {
	r := NewRecorder()
	r.ConnectionOpened()
	r.ConnectionOpened()
	r.ConnectionClosed()
	r.ConnectionOpened()
	r.ConnectionClosed()
	r.ConnectionClosed()

	snap := r.Snapshot()
	assert.Equal(t, int64(0), snap.ActiveConnections)
	assert.Equal(t, int64(2), snap.PeakConnections)
	assert.Equal(t, int64(3), snap.TotalConnections)
}

func TestRecorder_SnapshotIsConsistent(t *testing.T) {
	r := NewRecorder()
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.ConnectionOpened()
			}
		}
	}()

	for i := 0; i < 200; i++ {
		snap := r.Snapshot()
		// opened increments total and active together under one gate hold
		require.Equal(t, snap.TotalConnections, snap.ActiveConnections)
		require.GreaterOrEqual(t, snap.PeakConnections, snap.ActiveConnections)
	}
	close(stop)
	wg.Wait()
}

func TestCollector(t *testing.T) {
	r := NewRecorder()
	r.ConnectionOpened()
	r.MessageDropped()
	r.SessionExpired()

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(r, prometheus.Labels{"instance": "test"})))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		m := mf.GetMetric()[0]
		if m.GetCounter() != nil {
			values[mf.GetName()] = m.GetCounter().GetValue()
		} else {
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}

	assert.Equal(t, 1.0, values["gateway_connections_total"])
	assert.Equal(t, 1.0, values["gateway_connections_active"])
	assert.Equal(t, 1.0, values["gateway_messages_dropped_total"])
	assert.Equal(t, 1.0, values["gateway_sessions_expired_total"])
}
