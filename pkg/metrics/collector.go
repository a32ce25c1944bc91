package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gateway"

type desc struct {
	d     *prometheus.Desc
	kind  prometheus.ValueType
	value func(Snapshot) float64
}

// Collector exposes Recorder snapshots to Prometheus. Each scrape reads one
// snapshot so all series come from the same instant.
type Collector struct {
	recorder *Recorder
	descs    []desc
}

// NewCollector creates a collector for r. constLabels are attached to every series.
func NewCollector(r *Recorder, constLabels prometheus.Labels) *Collector {
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, constLabels)
	}

	return &Collector{
		recorder: r,
		descs: []desc{
			{mk("connections_total", "Connections admitted since start."), prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.TotalConnections) }},
			{mk("connections_active", "Currently open connections."), prometheus.GaugeValue, func(s Snapshot) float64 { return float64(s.ActiveConnections) }},
			{mk("connections_peak", "Peak concurrent connections."), prometheus.GaugeValue, func(s Snapshot) float64 { return float64(s.PeakConnections) }},
			{mk("messages_sent_total", "Frames enqueued to clients."), prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.MessagesSent) }},
			{mk("messages_received_total", "Frames received from clients."), prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.MessagesReceived) }},
			{mk("messages_dropped_total", "Frames dropped by backpressure."), prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.MessagesDropped) }},
			{mk("errors_total", "Errors observed."), prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.Errors) }},
			{mk("reconnects_total", "Client sessions resumed."), prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.Reconnects) }},
			{mk("backplane_reconnects_total", "Backplane reconnections."), prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.BackplaneReconnects) }},
			{mk("sessions_expired_total", "Suspended sessions that were never resumed."), prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.SessionsExpired) }},
			{mk("uptime_seconds", "Seconds since the recorder was created."), prometheus.GaugeValue, func(s Snapshot) float64 { return s.Uptime }},
		},
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.recorder.Snapshot()
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.d, d.kind, d.value(snap))
	}
}
