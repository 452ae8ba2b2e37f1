package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector provides Prometheus metrics for one edge node.
type Collector struct {
	registry *prometheus.Registry

	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	bytesServed     prometheus.Counter

	// Cache metrics
	cacheSizeBytes prometheus.Gauge
	cacheEntries   prometheus.Gauge

	// Origin metrics
	originFetches  *prometheus.CounterVec
	originFailures *prometheus.CounterVec

	// Edge function metrics
	functionExecutions *prometheus.CounterVec

	// Router metrics
	routerSelections *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry.
func NewCollector(nodeID string) *Collector {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"node": nodeID}

	c := &Collector{registry: registry}

	c.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "edge_requests_total",
		Help:        "Total requests handled by the edge node",
		ConstLabels: labels,
	}, []string{"cache_status"})

	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "edge_request_duration_seconds",
		Help:        "Duration of edge request handling",
		ConstLabels: labels,
		Buckets:     prometheus.DefBuckets,
	}, []string{"cache_status"})

	c.bytesServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "edge_bytes_served_total",
		Help:        "Total response bytes served to clients",
		ConstLabels: labels,
	})

	c.cacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "edge_cache_size_bytes",
		Help:        "Current byte size of the edge cache",
		ConstLabels: labels,
	})

	c.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "edge_cache_entries",
		Help:        "Current number of entries in the edge cache",
		ConstLabels: labels,
	})

	c.originFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "edge_origin_fetches_total",
		Help:        "Total fetches attempted against origins",
		ConstLabels: labels,
	}, []string{"origin"})

	c.originFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "edge_origin_failures_total",
		Help:        "Total origin fetch failures, including exhausted failovers",
		ConstLabels: labels,
	}, []string{"reason"})

	c.functionExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "edge_function_executions_total",
		Help:        "Total edge function step executions by outcome",
		ConstLabels: labels,
	}, []string{"function", "outcome"})

	c.routerSelections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "edge_router_selections_total",
		Help:        "Total router server selections by strategy",
		ConstLabels: labels,
	}, []string{"strategy", "outcome"})

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.bytesServed,
		c.cacheSizeBytes,
		c.cacheEntries,
		c.originFetches,
		c.originFailures,
		c.functionExecutions,
		c.routerSelections,
	)

	return c
}

func (c *Collector) ObserveRequest(cacheStatus string, duration time.Duration, bytes int) {
	c.requestsTotal.WithLabelValues(cacheStatus).Inc()
	c.requestDuration.WithLabelValues(cacheStatus).Observe(duration.Seconds())
	c.bytesServed.Add(float64(bytes))
}

func (c *Collector) SetCacheStats(sizeBytes int64, entries int) {
	c.cacheSizeBytes.Set(float64(sizeBytes))
	c.cacheEntries.Set(float64(entries))
}

func (c *Collector) ObserveOriginFetch(origin string) {
	c.originFetches.WithLabelValues(origin).Inc()
}

func (c *Collector) ObserveOriginFailure(reason string) {
	c.originFailures.WithLabelValues(reason).Inc()
}

func (c *Collector) ObserveFunctionExecution(function, outcome string) {
	c.functionExecutions.WithLabelValues(function, outcome).Inc()
}

func (c *Collector) ObserveRouterSelection(strategy, outcome string) {
	c.routerSelections.WithLabelValues(strategy, outcome).Inc()
}

// Handler exposes the collector's registry over HTTP.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
