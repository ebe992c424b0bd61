package infrc

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	handshakesCompleted *prometheus.CounterVec
	handshakesRetried   *prometheus.CounterVec
	requestsSent        *prometheus.CounterVec
	requestsQueued      *prometheus.CounterVec
	responsesReceived   *prometheus.CounterVec
	repliesSent         *prometheus.CounterVec
	packetsDropped      *prometheus.CounterVec
	completionFailures  *prometheus.CounterVec
}

var (
	transportLabelKeys = []string{labelDevice, labelRole}
	droppedLabelKeys   = []string{labelDevice, labelRole, labelKind}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus
// counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		handshakesCompleted: counter("infrc_handshakes_completed_total",
			"Number of queue pair handshakes completed", transportLabelKeys),
		handshakesRetried: counter("infrc_handshakes_retried_total",
			"Number of handshake attempts that timed out and were retried", transportLabelKeys),
		requestsSent: counter("infrc_requests_sent_total",
			"Number of client requests posted to the wire", transportLabelKeys),
		requestsQueued: counter("infrc_requests_queued_total",
			"Number of client requests deferred behind receive-buffer backpressure", transportLabelKeys),
		responsesReceived: counter("infrc_responses_received_total",
			"Number of responses matched to outstanding requests", transportLabelKeys),
		repliesSent: counter("infrc_replies_sent_total",
			"Number of server replies transmitted", transportLabelKeys),
		packetsDropped: counter("infrc_packets_dropped_total",
			"Number of inbound messages discarded", droppedLabelKeys),
		completionFailures: counter("infrc_completion_failures_total",
			"Number of non-success work completions", droppedLabelKeys),
	}

	var err error
	if p.handshakesCompleted, err = registerCounterVec(reg, p.handshakesCompleted); err != nil {
		return nil, err
	}
	if p.handshakesRetried, err = registerCounterVec(reg, p.handshakesRetried); err != nil {
		return nil, err
	}
	if p.requestsSent, err = registerCounterVec(reg, p.requestsSent); err != nil {
		return nil, err
	}
	if p.requestsQueued, err = registerCounterVec(reg, p.requestsQueued); err != nil {
		return nil, err
	}
	if p.responsesReceived, err = registerCounterVec(reg, p.responsesReceived); err != nil {
		return nil, err
	}
	if p.repliesSent, err = registerCounterVec(reg, p.repliesSent); err != nil {
		return nil, err
	}
	if p.packetsDropped, err = registerCounterVec(reg, p.packetsDropped); err != nil {
		return nil, err
	}
	if p.completionFailures, err = registerCounterVec(reg, p.completionFailures); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PrometheusMetrics) HandshakeCompleted(attrs map[string]string) {
	p.handshakesCompleted.With(labels(attrs, transportLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) HandshakeRetried(attrs map[string]string) {
	p.handshakesRetried.With(labels(attrs, transportLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RequestSent(attrs map[string]string) {
	p.requestsSent.With(labels(attrs, transportLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RequestQueued(attrs map[string]string) {
	p.requestsQueued.With(labels(attrs, transportLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ResponseReceived(attrs map[string]string) {
	p.responsesReceived.With(labels(attrs, transportLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReplySent(attrs map[string]string) {
	p.repliesSent.With(labels(attrs, transportLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) PacketDropped(kind string, attrs map[string]string) {
	labs := labels(attrs, droppedLabelKeys...)
	labs[labelKind] = kind
	p.packetsDropped.With(labs).Inc()
}

func (p *PrometheusMetrics) CompletionFailed(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, droppedLabelKeys...)
	labs[labelKind] = kind
	p.completionFailures.With(labs).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
