package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRelayMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRelayMetrics(reg)

	m.CallStarted()
	m.ObserveFrame("inbound")
	m.ObserveFrame("outbound")
	m.ObserveDrop("overflow")
	m.ObserveHandshake(0.42)
	m.CallEnded("agent_completed")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 5 {
		t.Errorf("expected 5 metric families, got %d", len(families))
	}
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *RelayMetrics
	m.CallStarted()
	m.CallEnded("error")
	m.ObserveFrame("inbound")
	m.ObserveDrop("overflow")
	m.ObserveHandshake(1)
}
