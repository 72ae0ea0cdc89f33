// Package metrics collects and exposes Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the view of the collector used by the service layer.
type Recorder interface {
	RecordOperation(operation, outcome string)
}

// Collector implements Recorder on Prometheus.
type Collector struct {
	operations   *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	swept        *prometheus.CounterVec
}

// NewCollector builds a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_operations_total",
			Help: "Authentication operations by outcome.",
		}, []string{"operation", "outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_swept_records_total",
			Help: "Expired records removed by the sweeper.",
		}, []string{"table"}),
	}

	reg.MustRegister(c.operations, c.httpDuration, c.swept)
	return c
}

// RecordOperation counts one operation. outcome is "success" or an error kind.
func (c *Collector) RecordOperation(operation, outcome string) {
	c.operations.WithLabelValues(operation, outcome).Inc()
}

func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	c.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func (c *Collector) RecordSwept(table string, n int64) {
	c.swept.WithLabelValues(table).Add(float64(n))
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordOperation(string, string) {}
