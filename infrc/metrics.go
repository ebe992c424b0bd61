package infrc

// Label keys shared by the metric adapters.
const (
	labelDevice    = "device"
	labelRole      = "role"
	labelOperation = "operation"
	labelStatus    = "status"
	labelKind      = "kind"
)

// MetricHook captures transport telemetry events. Adapters for Prometheus
// and OpenTelemetry live in this package; nil hooks disable collection.
type MetricHook interface {
	HandshakeCompleted(attrs map[string]string)
	HandshakeRetried(attrs map[string]string)
	RequestSent(attrs map[string]string)
	RequestQueued(attrs map[string]string)
	ResponseReceived(attrs map[string]string)
	ReplySent(attrs map[string]string)
	// PacketDropped counts discarded inbound traffic; kind is one of
	// "unmatched_nonce", "unknown_qp", "short_message".
	PacketDropped(kind string, attrs map[string]string)
	// CompletionFailed counts non-success work completions; kind is
	// "send" or "receive".
	CompletionFailed(kind string, err error, attrs map[string]string)
}

// TraceAttribute is a tracing attribute attached to transport spans.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans wrapping transport activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records transport lifecycle events for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

func (t *Transport) metricAttrs() map[string]string {
	role := "client"
	if t.serverConn != nil {
		role = "server"
	}
	return map[string]string{
		labelDevice: t.device,
		labelRole:   role,
	}
}

func (t *Transport) metricHandshakeCompleted() {
	if t.metrics != nil {
		t.metrics.HandshakeCompleted(t.metricAttrs())
	}
}

func (t *Transport) metricHandshakeRetried() {
	if t.metrics != nil {
		t.metrics.HandshakeRetried(t.metricAttrs())
	}
}

func (t *Transport) metricRequestSent() {
	if t.metrics != nil {
		t.metrics.RequestSent(t.metricAttrs())
	}
}

func (t *Transport) metricRequestQueued() {
	if t.metrics != nil {
		t.metrics.RequestQueued(t.metricAttrs())
	}
}

func (t *Transport) metricResponseReceived() {
	if t.metrics != nil {
		t.metrics.ResponseReceived(t.metricAttrs())
	}
}

func (t *Transport) metricReplySent() {
	if t.metrics != nil {
		t.metrics.ReplySent(t.metricAttrs())
	}
}

func (t *Transport) metricPacketDropped(kind string) {
	if t.metrics != nil {
		t.metrics.PacketDropped(kind, t.metricAttrs())
	}
}

func (t *Transport) metricCompletionFailed(kind string, err error) {
	if t.metrics != nil {
		t.metrics.CompletionFailed(kind, err, t.metricAttrs())
	}
}

func (t *Transport) spanEvent(name string, attrs ...TraceAttribute) {
	if t.span != nil {
		t.span.AddEvent(name, attrs...)
	}
}

func (t *Transport) spanError(err error) {
	if t.span != nil && err != nil {
		t.span.RecordError(err)
	}
}
