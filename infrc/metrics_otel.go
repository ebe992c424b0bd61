package infrc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter               metric.Meter
	handshakesCompleted metric.Int64Counter
	handshakesRetried   metric.Int64Counter
	requestsSent        metric.Int64Counter
	requestsQueued      metric.Int64Counter
	responsesReceived   metric.Int64Counter
	repliesSent         metric.Int64Counter
	packetsDropped      metric.Int64Counter
	completionFailures  metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter
// measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/corestor/infrc-go/infrc"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	for _, inst := range []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"infrc.handshakes.completed", &o.handshakesCompleted},
		{"infrc.handshakes.retried", &o.handshakesRetried},
		{"infrc.requests.sent", &o.requestsSent},
		{"infrc.requests.queued", &o.requestsQueued},
		{"infrc.responses.received", &o.responsesReceived},
		{"infrc.replies.sent", &o.repliesSent},
		{"infrc.packets.dropped", &o.packetsDropped},
		{"infrc.completion.failures", &o.completionFailures},
	} {
		counter, err := meter.Int64Counter(inst.name)
		if err != nil {
			return nil, err
		}
		*inst.dst = counter
	}
	return o, nil
}

// HandshakeCompleted records one completed queue pair handshake.
func (o *OTelMetrics) HandshakeCompleted(attrs map[string]string) {
	o.handshakesCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// HandshakeRetried records one timed-out handshake attempt.
func (o *OTelMetrics) HandshakeRetried(attrs map[string]string) {
	o.handshakesRetried.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// RequestSent records one client request posted to the wire.
func (o *OTelMetrics) RequestSent(attrs map[string]string) {
	o.requestsSent.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// RequestQueued records one request deferred behind backpressure.
func (o *OTelMetrics) RequestQueued(attrs map[string]string) {
	o.requestsQueued.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ResponseReceived records one response matched to its request.
func (o *OTelMetrics) ResponseReceived(attrs map[string]string) {
	o.responsesReceived.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ReplySent records one server reply transmitted.
func (o *OTelMetrics) ReplySent(attrs map[string]string) {
	o.repliesSent.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// PacketDropped records one discarded inbound message.
func (o *OTelMetrics) PacketDropped(kind string, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.packetsDropped.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// CompletionFailed records one non-success work completion.
func (o *OTelMetrics) CompletionFailed(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.completionFailures.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelRole, attrs[labelRole]),
	}
	if v := attrs[labelDevice]; v != "" {
		kvs = append(kvs, attribute.String(labelDevice, v))
	}
	return kvs
}
