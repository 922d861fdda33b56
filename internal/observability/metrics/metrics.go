package metrics

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics exposes counters/histograms for the send pipeline.
type PipelineMetrics struct {
	decisionTotal  *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	inboundTotal   *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		decisionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bloomtext",
			Subsystem: "compliance",
			Name:      "decision_total",
			Help:      "Compliance gate decisions by outcome and phase",
		}, []string{"decision", "phase"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bloomtext",
			Subsystem: "delivery",
			Name:      "outbound_total",
			Help:      "Outbound dispatch attempts by outcome",
		}, []string{"outcome"}),
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bloomtext",
			Subsystem: "delivery",
			Name:      "inbound_webhook_total",
			Help:      "Inbound carrier webhooks by event type",
		}, []string{"event_type"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bloomtext",
			Subsystem: "delivery",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of webhook processing after ack",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.decisionTotal, m.outboundTotal, m.inboundTotal, m.webhookLatency)
	return m
}

func (m *PipelineMetrics) ObserveDecision(decision, phase string) {
	if m == nil {
		return
	}
	m.decisionTotal.WithLabelValues(decision, phase).Inc()
}

func (m *PipelineMetrics) ObserveOutbound(outcome string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) ObserveInbound(eventType string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(eventType).Inc()
}

func (m *PipelineMetrics) ObserveWebhookLatency(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(eventType).Observe(seconds)
}
