package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/custodia-labs/calsynch/internal/core/domain"
)

const metricsNamespace = "calsynch"

// StatsSource provides the engine counters exported on /metrics
type StatsSource interface {
	Stats(ctx context.Context) []domain.Stat
	State() domain.EngineState
}

// Metrics owns the Prometheus registry served on /metrics
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates a registry with process, Go runtime, HTTP and engine metrics.
// source may be nil.
func NewMetrics(source StatsSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.duration,
	)
	if source != nil {
		m.registry.MustRegister(newEngineCollector(source))
	}
	return m
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(route string, code int, d time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(route).Observe(d.Seconds())
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// monotonic engine stats; the rest are gauges
var counterStats = map[string]bool{
	"pool_gets":               true,
	"pool_wait_ms":            true,
	"pool_get_failures":       true,
	"notifications_received":  true,
	"notifications_processed": true,
	"notifications_requeued":  true,
	"notifications_dropped":   true,
	"notifications_failed":    true,
}

var engineStates = []domain.EngineState{
	domain.EngineStopped,
	domain.EngineStarting,
	domain.EngineRunning,
	domain.EngineStopping,
}

// engineCollector turns the engine's flat stat list into metrics on every scrape
type engineCollector struct {
	source StatsSource
	state  *prometheus.Desc
}

func newEngineCollector(source StatsSource) *engineCollector {
	return &engineCollector{
		source: source,
		state: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "engine", "state"),
			"Engine lifecycle state, 1 for the current state.",
			[]string{"state"}, nil,
		),
	}
}

// Describe sends no descriptors: the stat list is only known at scrape time.
func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	current := c.source.State()
	for _, s := range engineStates {
		v := 0.0
		if s == current {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, string(s))
	}

	for _, stat := range c.source.Stats(ctx) {
		valueType := prometheus.GaugeValue
		name := prometheus.BuildFQName(metricsNamespace, "engine", stat.Name)
		if counterStats[stat.Name] {
			valueType = prometheus.CounterValue
			name += "_total"
		}
		desc := prometheus.NewDesc(name, "Engine stat "+stat.Name+".", nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, valueType, float64(stat.Value))
	}
}
