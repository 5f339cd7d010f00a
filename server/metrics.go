package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mbean_remoting_server"

// Collector is a prometheus.Collector for the server. A nil *Collector
// records nothing.
type Collector struct {
	requests      *prometheus.CounterVec
	sessions      prometheus.Gauge
	notifications *prometheus.CounterVec
}

func NewCollector() *Collector {
	return &Collector{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "The number of requests served, by operation and outcome.",
			}, []string{"operation", "outcome"},
		),
		sessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "sessions",
				Help:      "The number of open client sessions.",
			},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_total",
				Help:      "The number of notifications pushed to clients.",
			}, []string{"result"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Collector) Describe(ch chan<- *prometheus.Desc) {
	m.requests.Describe(ch)
	m.sessions.Describe(ch)
	m.notifications.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Collector) Collect(ch chan<- prometheus.Metric) {
	m.requests.Collect(ch)
	m.sessions.Collect(ch)
	m.notifications.Collect(ch)
}

func (m *Collector) served(operation string, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
}

func (m *Collector) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Collector) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Collector) notified(sent bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !sent {
		result = "failed"
	}
	m.notifications.WithLabelValues(result).Inc()
}
