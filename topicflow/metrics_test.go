package topicflow

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatsSnapshot(t *testing.T) {
	s := newTestSession(nil)
	s.Subscribe("room")
	s.bufferLat.Add(10)
	s.bufferLat.Add(20)
	s.serverLat.Add(300)

	st := s.Stats()
	if st.Status != StatusLoggedOut {
		t.Fatalf("status: %s", st.Status)
	}
	if st.PendingRequests != 1 {
		t.Fatalf("pending: %d", st.PendingRequests)
	}
	if st.BufferLatencyP50Ms < 10 || st.BufferLatencyP50Ms > 20 {
		t.Fatalf("buffer p50: %v", st.BufferLatencyP50Ms)
	}
	if st.ServerLatencyP95Us != 300 {
		t.Fatalf("server p95: %v", st.ServerLatencyP95Us)
	}
}

func TestCollectorRegistersAndCollects(t *testing.T) {
	s := newTestSession(nil)
	c := NewCollector(s, "topicflow")

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}
	// connected + pending + 2 quantiles per latency family.
	if got := testutil.CollectAndCount(c); got != 6 {
		t.Fatalf("collected metrics: %d", got)
	}
}
