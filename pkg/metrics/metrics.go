// Package metrics holds the prometheus instruments of the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leasequeue"

// Outcomes of a request.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
	OutcomeError  = "error"
)

// Metrics groups the instruments.
type Metrics struct {
	reg *prometheus.Registry

	Requests  *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Delivered prometheus.Counter
	Polls     *prometheus.CounterVec
}

// New creates the instruments on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests by verb and outcome.",
		}, []string{"verb", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request latency by verb.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"verb"}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "delivered_total",
			Help:      "Log messages buffered by the claim queue.",
		}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "polls_total",
			Help:      "Polls of the log consumer by outcome.",
		}, []string{"outcome"}),
	}
	m.reg.MustRegister(m.Requests, m.Duration, m.Delivered, m.Polls)
	return m
}

// Registry returns the registry holding the instruments.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the instruments in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
