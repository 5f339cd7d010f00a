package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mbean_remoting_client"

const (
	outcomeOK          = "ok"
	outcomeRemoteError = "remote_error"
	outcomeDecodeError = "decode_error"
	outcomeTimeout     = "timeout"
	outcomeCancelled   = "cancelled"
	outcomeClosed      = "closed"
)

// Collector is a prometheus.Collector for client calls. A nil *Collector
// records nothing.
type Collector struct {
	requests      *prometheus.CounterVec
	completions   *prometheus.CounterVec
	orphaned      prometheus.Counter
	notifications *prometheus.CounterVec
	inflight      *prometheus.GaugeVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "The number of requests sent.",
			}, []string{"mode"},
		),
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "completions_total",
				Help:      "The number of requests completed, by outcome.",
			}, []string{"mode", "outcome"},
		),
		orphaned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "orphaned_responses_total",
				Help:      "The number of responses that matched no pending request.",
			},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_total",
				Help:      "The number of notifications received.",
			}, []string{"result"},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "pending_requests",
				Help:      "The number of requests awaiting a response.",
			}, []string{"mode"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Collector) Describe(ch chan<- *prometheus.Desc) {
	m.requests.Describe(ch)
	m.completions.Describe(ch)
	m.orphaned.Describe(ch)
	m.notifications.Describe(ch)
	m.inflight.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Collector) Collect(ch chan<- prometheus.Metric) {
	m.requests.Collect(ch)
	m.completions.Collect(ch)
	m.orphaned.Collect(ch)
	m.notifications.Collect(ch)
	m.inflight.Collect(ch)
}

func (m *Collector) sent(p *pending) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(p.mode()).Inc()
	m.inflight.WithLabelValues(p.mode()).Inc()
}

func (m *Collector) completed(p *pending, outcome string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(p.mode(), outcome).Inc()
	m.inflight.WithLabelValues(p.mode()).Dec()
}

func (m *Collector) orphan() {
	if m == nil {
		return
	}
	m.orphaned.Inc()
}

func (m *Collector) notification(delivered bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !delivered {
		result = "dropped"
	}
	m.notifications.WithLabelValues(result).Inc()
}
