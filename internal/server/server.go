// Package server orchestrates one edge node's request handling: edge
// function pipelines, cache consultation, ordered origin failover,
// cacheability decisions, and per-node telemetry.
package server

import (
	"context"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgewise/edge-delivery/internal/cache"
	"github.com/edgewise/edge-delivery/internal/edgefunc"
	"github.com/edgewise/edge-delivery/internal/origin"
	"github.com/edgewise/edge-delivery/internal/router"
	"github.com/edgewise/edge-delivery/pkg/metrics"
)

const (
	headerCacheStatus  = "x-cache"
	headerEdgeLocation = "x-edge-location"
)

// Options configures an edge server.
type Options struct {
	NodeID      string
	Location    router.Location
	DefaultTTL  time.Duration
	StaticTypes []string

	// ServeStale controls the stale policy: when true, entries past max-age
	// but before absolute expiry are served from cache with x-cache: STALE;
	// when false they are treated as misses and refetched.
	ServeStale     bool
	MaxConcurrency int64
	BandwidthMbps  float64
}

// Server is one edge node. It owns exactly one cache, zero or one edge
// function runtime, and an ordered origin pool.
type Server struct {
	opts      Options
	cache     *cache.Cache
	functions *edgefunc.Runtime // optional
	origins   *origin.Pool
	collector *metrics.Collector // optional
	logger    *zap.Logger
	started   time.Time

	// Rolling counters, all atomic.
	totalRequests   int64
	cacheHits       int64
	gatewayFailures int64
	respTimeNS      int64
	respCount       int64
	bytesServed     int64
	inflight        int64
}

func New(opts Options, contentCache *cache.Cache, functions *edgefunc.Runtime, origins *origin.Pool, collector *metrics.Collector, logger *zap.Logger) *Server {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1024
	}
	return &Server{
		opts:      opts,
		cache:     contentCache,
		functions: functions,
		origins:   origins,
		collector: collector,
		logger:    logger,
		started:   time.Now(),
	}
}

// HandleRequest runs one request through the full edge flow and always
// produces a response: cache faults and function failures are absorbed, and
// only total origin exhaustion surfaces as a gateway failure.
func (s *Server) HandleRequest(ctx context.Context, req *edgefunc.Request) *edgefunc.Response {
	start := time.Now()
	atomic.AddInt64(&s.totalRequests, 1)
	atomic.AddInt64(&s.inflight, 1)
	defer atomic.AddInt64(&s.inflight, -1)

	if s.functions != nil {
		req = s.functions.RunRequestPipeline(ctx, req)
		if req.Header(edgefunc.HeaderRateLimited) == "true" {
			return s.finish(start, "MISS", &edgefunc.Response{
				StatusCode: 429,
				Headers:    map[string]string{"content-type": "text/plain"},
				Body:       []byte("rate limit exceeded"),
			})
		}
	}

	entry, status := s.cache.Get(req.URL, req.Headers)
	if status == cache.StatusHit || (status == cache.StatusStale && s.opts.ServeStale) {
		atomic.AddInt64(&s.cacheHits, 1)
		resp := s.responseFromEntry(entry)
		resp.Headers[headerCacheStatus] = status.String()
		resp.Headers[headerEdgeLocation] = s.opts.NodeID
		return s.finish(start, status.String(), resp)
	}

	originResp, originAddr, err := s.origins.Fetch(ctx, req.Method, requestPath(req.URL), req.Headers)
	if err != nil {
		atomic.AddInt64(&s.gatewayFailures, 1)
		if s.collector != nil {
			s.collector.ObserveOriginFailure("all_origins_failed")
		}
		s.logger.Error("all origins unreachable",
			zap.String("url", req.URL),
			zap.Error(err))
		resp := &edgefunc.Response{
			StatusCode: 502,
			Headers: map[string]string{
				"content-type":     "text/plain",
				headerCacheStatus:  "MISS",
				headerEdgeLocation: s.opts.NodeID,
			},
			Body: []byte("bad gateway: all origins unreachable"),
		}
		return s.finish(start, "MISS", resp)
	}
	if s.collector != nil {
		s.collector.ObserveOriginFetch(originAddr)
	}

	if Cacheable(originResp, s.opts.StaticTypes) {
		newEntry := entryFromOrigin(originResp, time.Now(), s.opts.DefaultTTL)
		if !s.cache.Put(req.URL, req.Headers, newEntry) {
			// Capacity exhaustion is non-fatal; the response is simply
			// served uncached.
			s.logger.Warn("cache store failed",
				zap.String("url", req.URL),
				zap.Int64("entry_size", newEntry.Size))
		}
	}

	resp := &edgefunc.Response{
		StatusCode: originResp.StatusCode,
		Headers:    make(map[string]string, len(originResp.Headers)+2),
		Body:       originResp.Body,
	}
	for k, v := range originResp.Headers {
		resp.Headers[k] = v
	}

	if s.functions != nil {
		resp = s.functions.RunResponsePipeline(ctx, req, resp)
	}

	resp.Headers[headerCacheStatus] = "MISS"
	resp.Headers[headerEdgeLocation] = s.opts.NodeID
	return s.finish(start, "MISS", resp)
}

func (s *Server) responseFromEntry(entry *cache.Entry) *edgefunc.Response {
	headers := map[string]string{
		"content-type": entry.ContentType,
		"etag":         entry.ETag,
	}
	if entry.CacheControl != "" {
		headers["cache-control"] = entry.CacheControl
	}
	return &edgefunc.Response{
		StatusCode: 200,
		Headers:    headers,
		Body:       entry.Body,
	}
}

func (s *Server) finish(start time.Time, cacheStatus string, resp *edgefunc.Response) *edgefunc.Response {
	elapsed := time.Since(start)
	atomic.AddInt64(&s.respTimeNS, elapsed.Nanoseconds())
	atomic.AddInt64(&s.respCount, 1)
	atomic.AddInt64(&s.bytesServed, int64(len(resp.Body)))

	if s.collector != nil {
		s.collector.ObserveRequest(cacheStatus, elapsed, len(resp.Body))
		stats := s.cache.Stats()
		s.collector.SetCacheStats(stats.SizeBytes, stats.Entries)
	}
	return resp
}

// Stats is the node's read-only telemetry for the stats endpoint.
type Stats struct {
	NodeID        string      `json:"node_id"`
	TotalRequests int64       `json:"total_requests"`
	CacheHits     int64       `json:"cache_hits"`
	CacheHitRatio float64     `json:"cache_hit_ratio"`
	AvgResponseMS float64     `json:"avg_response_ms"`
	BytesServed   int64       `json:"bytes_served"`
	LoadPercent   float64     `json:"load_percent"`
	Cache         cache.Stats `json:"cache"`
}

func (s *Server) Stats() Stats {
	total := atomic.LoadInt64(&s.totalRequests)
	hits := atomic.LoadInt64(&s.cacheHits)

	stats := Stats{
		NodeID:        s.opts.NodeID,
		TotalRequests: total,
		CacheHits:     hits,
		AvgResponseMS: s.avgResponseMS(),
		BytesServed:   atomic.LoadInt64(&s.bytesServed),
		LoadPercent:   s.loadPercent(),
		Cache:         s.cache.Stats(),
	}
	if total > 0 {
		stats.CacheHitRatio = float64(hits) / float64(total)
	}
	return stats
}

// Metrics produces the telemetry snapshot consumed by the router. The server
// knows the snapshot's shape but not the router's selection logic.
func (s *Server) Metrics() router.ServerMetrics {
	return router.ServerMetrics{
		ID:                s.opts.NodeID,
		Location:          s.opts.Location,
		LoadPercent:       s.loadPercent(),
		AvgResponseTimeMS: s.avgResponseMS(),
		BandwidthPercent:  s.bandwidthPercent(),
		HealthScore:       s.healthScore(),
		UpdatedAt:         time.Now(),
	}
}

func (s *Server) avgResponseMS() float64 {
	count := atomic.LoadInt64(&s.respCount)
	if count == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&s.respTimeNS)) / float64(count) / 1e6
}

func (s *Server) loadPercent() float64 {
	load := float64(atomic.LoadInt64(&s.inflight)) / float64(s.opts.MaxConcurrency) * 100
	if load > 100 {
		load = 100
	}
	return load
}

func (s *Server) bandwidthPercent() float64 {
	if s.opts.BandwidthMbps <= 0 {
		return 0
	}
	elapsed := time.Since(s.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	mbps := float64(atomic.LoadInt64(&s.bytesServed)) * 8 / elapsed / 1e6
	percent := mbps / s.opts.BandwidthMbps * 100
	if percent > 100 {
		percent = 100
	}
	return percent
}

// healthScore degrades with the share of requests that ended in gateway
// failure. A node that cannot reach any origin drifts toward 0.
func (s *Server) healthScore() float64 {
	total := atomic.LoadInt64(&s.totalRequests)
	if total == 0 {
		return 1.0
	}
	failures := atomic.LoadInt64(&s.gatewayFailures)
	health := 1.0 - float64(failures)/float64(total)
	if health < 0 {
		return 0
	}
	return health
}

// requestPath reduces a request URL to the path+query sent to origins.
func requestPath(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Host != "" {
		path := parsed.Path
		if path == "" {
			path = "/"
		}
		if parsed.RawQuery != "" {
			path += "?" + parsed.RawQuery
		}
		return path
	}
	if rawURL == "" {
		return "/"
	}
	return rawURL
}
