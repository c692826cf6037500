// Package metrics exposes Prometheus counters for the ingestion pipeline
// on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docgraph"

// Collector holds all Prometheus metrics for the application. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	Statements *prometheus.CounterVec
	Documents  *prometheus.CounterVec
	Recovery   *prometheus.CounterVec
	ModelCalls *prometheus.HistogramVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Statements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "statements_total",
				Help:      "Statements submitted to the graph store, by outcome status",
			},
			[]string{"status"},
		),
		Documents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_total",
				Help:      "Documents processed, by result",
			},
			[]string{"result"},
		),
		Recovery: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_total",
				Help:      "Model responses decoded, by the strategy that succeeded",
			},
			[]string{"strategy"},
		),
		ModelCalls: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_call_duration_seconds",
				Help:      "Generative model call latency in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
			},
			[]string{"purpose", "status"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	c.registry.MustRegister(
		c.Statements, c.Documents, c.Recovery, c.ModelCalls,
		c.HTTPRequests, c.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Statement counts one statement outcome.
func (c *Collector) Statement(status string) {
	if c == nil {
		return
	}
	c.Statements.WithLabelValues(status).Inc()
}

// Document counts one processed document. result is "ok", "partial",
// "aborted", "failed" or "skipped".
func (c *Collector) Document(result string) {
	if c == nil {
		return
	}
	c.Documents.WithLabelValues(result).Inc()
}

// Recovered counts a decoded model response.
func (c *Collector) Recovered(strategy string) {
	if c == nil {
		return
	}
	c.Recovery.WithLabelValues(strategy).Inc()
}

// ModelCall observes one model call.
func (c *Collector) ModelCall(purpose string, d time.Duration, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.ModelCalls.WithLabelValues(purpose, status).Observe(d.Seconds())
}

// HTTPRequest observes one served request.
func (c *Collector) HTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
