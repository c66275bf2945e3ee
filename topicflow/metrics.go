/******************************************************************************
 *
 *  Description :
 *
 *    Live session stats: expvar publication and a prometheus collector
 *    over the latency trackers and the pending buffer.
 *
 *****************************************************************************/

package topicflow

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionStats is a point-in-time snapshot of session telemetry.
type SessionStats struct {
	Status             Status  `json:"status"`
	PendingRequests    int     `json:"pending_requests"`
	BufferLatencyP50Ms float64 `json:"buffer_latency_p50_ms"`
	BufferLatencyP95Ms float64 `json:"buffer_latency_p95_ms"`
	ServerLatencyP50Us float64 `json:"server_latency_p50_us"`
	ServerLatencyP95Us float64 `json:"server_latency_p95_us"`
}

// Stats returns the current telemetry snapshot.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		Status:             s.Status(),
		PendingRequests:    s.PendingCount(),
		BufferLatencyP50Ms: s.bufferLat.Percentile(50),
		BufferLatencyP95Ms: s.bufferLat.Percentile(95),
		ServerLatencyP50Us: s.serverLat.Percentile(50),
		ServerLatencyP95Us: s.serverLat.Percentile(95),
	}
}

// PublishExpvar exposes the stats snapshot as an expvar under the given
// name. Panics if the name is already published; call once per session.
func (s *Session) PublishExpvar(name string) {
	expvar.Publish(name, expvar.Func(func() any {
		return s.Stats()
	}))
}

type sessionCollector struct {
	s *Session

	connected     *prometheus.Desc
	pending       *prometheus.Desc
	bufferLatency *prometheus.Desc
	serverLatency *prometheus.Desc
}

// NewCollector returns a prometheus collector over the session's
// telemetry. Metric names are prefixed with namespace when non-empty.
func NewCollector(s *Session, namespace string) prometheus.Collector {
	return &sessionCollector{
		s: s,
		connected: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "session", "connected"),
			"Whether the session is in the connected state.",
			nil, nil),
		pending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "session", "pending_requests"),
			"Number of unsynced pending requests.",
			nil, nil),
		bufferLatency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "session", "buffer_latency_ms"),
			"Client-observed request acknowledgement latency in milliseconds.",
			[]string{"quantile"}, nil),
		serverLatency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "session", "server_latency_us"),
			"Server-reported processing time in microseconds.",
			[]string{"quantile"}, nil),
	}
}

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connected
	ch <- c.pending
	ch <- c.bufferLatency
	ch <- c.serverLatency
}

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.s.Stats()

	var up float64
	if st.Status == StatusConnected {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, up)
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(st.PendingRequests))
	ch <- prometheus.MustNewConstMetric(c.bufferLatency, prometheus.GaugeValue, st.BufferLatencyP50Ms, "0.5")
	ch <- prometheus.MustNewConstMetric(c.bufferLatency, prometheus.GaugeValue, st.BufferLatencyP95Ms, "0.95")
	ch <- prometheus.MustNewConstMetric(c.serverLatency, prometheus.GaugeValue, st.ServerLatencyP50Us, "0.5")
	ch <- prometheus.MustNewConstMetric(c.serverLatency, prometheus.GaugeValue, st.ServerLatencyP95Us, "0.95")
}
