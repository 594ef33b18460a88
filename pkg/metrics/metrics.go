// Package metrics holds the prometheus collectors exported by the controller.
//
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

// Metrics contains the controller's collectors.
type Metrics struct {
	NodesActive     prometheus.Gauge
	NodeEvents      *prometheus.CounterVec
	CallsSent       *prometheus.CounterVec
	EnvelopesSent   prometheus.Counter
	Responses       *prometheus.CounterVec
	PendingCalls    prometheus.Gauge
	FramingErrors   prometheus.Counter
	MessagesHandled *prometheus.CounterVec
}

// New creates the collectors without registering them.
func New() *Metrics {
	return &Metrics{
		NodesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nodes",
			Name:      "active",
			Help:      "Number of nodes currently in the registry",
		}),
		NodeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nodes",
			Name:      "events_total",
			Help:      "Node lifecycle events by kind (joined, explicit, heartbeat-timeout, duplicate, rejected)",
		}, []string{"kind"}),
		CallsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "sent_total",
			Help:      "Invocations by capability and mode (blocking, callback, scheduled, async)",
		}, []string{"capability", "mode"}),
		EnvelopesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "envelopes_sent_total",
			Help:      "Envelopes published on the downlink",
		}),
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "responses_total",
			Help:      "Responses by routing outcome (call_id, function, default, unroutable, absorbed)",
		}, []string{"route"}),
		PendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "pending",
			Help:      "Outstanding blocking correlation entries",
		}),
		FramingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "framing_errors_total",
			Help:      "Inbound messages dropped as malformed",
		}),
		MessagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_received_total",
			Help:      "Inbound envelopes by descriptor type",
		}, []string{"type"}),
	}
}

// NewRegistry creates a registry holding m plus the Go runtime collectors.
func NewRegistry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		m.NodesActive, m.NodeEvents, m.CallsSent, m.EnvelopesSent,
		m.Responses, m.PendingCalls, m.FramingErrors, m.MessagesHandled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) SetNodes(n int) {
	if m != nil {
		m.NodesActive.Set(float64(n))
	}
}

func (m *Metrics) NodeEvent(kind string) {
	if m != nil {
		m.NodeEvents.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) CallSent(capability, mode string, envelopes int) {
	if m != nil {
		m.CallsSent.WithLabelValues(capability, mode).Inc()
		m.EnvelopesSent.Add(float64(envelopes))
	}
}

func (m *Metrics) Response(route string) {
	if m != nil {
		m.Responses.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.PendingCalls.Set(float64(n))
	}
}

func (m *Metrics) FramingError() {
	if m != nil {
		m.FramingErrors.Inc()
	}
}

func (m *Metrics) Received(msgType string) {
	if m != nil {
		m.MessagesHandled.WithLabelValues(msgType).Inc()
	}
}
