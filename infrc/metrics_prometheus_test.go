package infrc

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherCounter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func findLabel(metric *dto.Metric, key string) string {
	for _, pair := range metric.GetLabel() {
		if pair.GetName() == key {
			return pair.GetValue()
		}
	}
	return ""
}

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	hook, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("new hook: %v", err)
	}

	attrs := map[string]string{labelDevice: "mlx5_0", labelRole: "client"}
	hook.HandshakeCompleted(attrs)
	hook.HandshakeRetried(attrs)
	hook.RequestSent(attrs)
	hook.RequestSent(attrs)
	hook.RequestQueued(attrs)
	hook.ResponseReceived(attrs)
	hook.ReplySent(attrs)
	hook.PacketDropped("unmatched_nonce", attrs)
	hook.CompletionFailed("send", errors.New("boom"), attrs)

	for name, want := range map[string]float64{
		"infrc_handshakes_completed_total": 1,
		"infrc_handshakes_retried_total":   1,
		"infrc_requests_sent_total":        2,
		"infrc_requests_queued_total":      1,
		"infrc_responses_received_total":   1,
		"infrc_replies_sent_total":         1,
		"infrc_packets_dropped_total":      1,
		"infrc_completion_failures_total":  1,
	} {
		if got := gatherCounter(t, reg, name); got != want {
			t.Errorf("%s: got %v want %v", name, got, want)
		}
	}
}

func TestPrometheusMetricsLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	hook, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("new hook: %v", err)
	}
	hook.PacketDropped("unknown_qp", map[string]string{labelDevice: "mlx5_0", labelRole: "server"})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "infrc_packets_dropped_total" {
			continue
		}
		metric := family.GetMetric()[0]
		if got := findLabel(metric, labelKind); got != "unknown_qp" {
			t.Fatalf("kind label: %q", got)
		}
		if got := findLabel(metric, labelRole); got != "server" {
			t.Fatalf("role label: %q", got)
		}
		return
	}
	t.Fatal("dropped-packet family not gathered")
}

func TestPrometheusMetricsReregistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg}); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg}); err != nil {
		t.Fatalf("second registration: %v", err)
	}
}
