package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/edgewise/edge-delivery/internal/cache"
	"github.com/edgewise/edge-delivery/internal/edgefunc"
	"github.com/edgewise/edge-delivery/internal/origin"
)

// scriptedFetcher serves canned responses per origin base address and
// records every URL it was asked for.
type scriptedFetcher struct {
	responses map[string]*origin.Response // base address -> response
	failures  map[string]error            // base address -> transport error
	calls     []string
}

func (f *scriptedFetcher) Fetch(_ context.Context, _, url string, _ map[string]string) (*origin.Response, error) {
	f.calls = append(f.calls, url)
	for base, err := range f.failures {
		if len(url) >= len(base) && url[:len(base)] == base {
			return nil, err
		}
	}
	for base, resp := range f.responses {
		if len(url) >= len(base) && url[:len(base)] == base {
			return resp, nil
		}
	}
	return nil, errors.New("unscripted origin")
}

func okResponse(body, contentType string, extra map[string]string) *origin.Response {
	headers := map[string]string{"content-type": contentType}
	for k, v := range extra {
		headers[k] = v
	}
	return &origin.Response{StatusCode: 200, Headers: headers, Body: []byte(body)}
}

func newTestServer(t *testing.T, fetcher origin.Fetcher, origins []string, capacity int64) *Server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	pool := origin.NewPool(origins, fetcher, origin.BreakerSettings{}, logger)
	contentCache := cache.New(capacity, logger)
	return New(Options{
		NodeID:      "edge-test-1",
		DefaultTTL:  time.Hour,
		StaticTypes: []string{"image/", "text/css", "application/javascript"},
		ServeStale:  true,
	}, contentCache, nil, pool, nil, logger)
}

func plainRequest(url string) *edgefunc.Request {
	return &edgefunc.Request{
		Method:    "GET",
		URL:       url,
		Headers:   map[string]string{},
		Timestamp: time.Now(),
	}
}

func TestMissThenHit(t *testing.T) {
	fetcher := &scriptedFetcher{
		responses: map[string]*origin.Response{
			"http://origin-a": okResponse("body-bytes", "image/png", nil),
		},
	}
	s := newTestServer(t, fetcher, []string{"http://origin-a"}, 1024)

	resp := s.HandleRequest(context.Background(), plainRequest("/logo.png"))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Headers["x-cache"])
	assert.Equal(t, "edge-test-1", resp.Headers["x-edge-location"])
	assert.Equal(t, []byte("body-bytes"), resp.Body)

	fetchesAfterMiss := len(fetcher.calls)

	resp = s.HandleRequest(context.Background(), plainRequest("/logo.png"))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Headers["x-cache"])
	assert.Equal(t, []byte("body-bytes"), resp.Body)
	assert.Equal(t, fetchesAfterMiss, len(fetcher.calls), "hit path must not contact any origin")
}

func TestOriginFailover(t *testing.T) {
	fetcher := &scriptedFetcher{
		failures: map[string]error{
			"http://origin-a": errors.New("connection refused"),
		},
		responses: map[string]*origin.Response{
			"http://origin-b": okResponse("from-b", "text/html", map[string]string{"cache-control": "no-store"}),
		},
	}
	s := newTestServer(t, fetcher, []string{"http://origin-a", "http://origin-b"}, 1024)

	resp := s.HandleRequest(context.Background(), plainRequest("/page"))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []byte("from-b"), resp.Body)
	assert.Equal(t, "MISS", resp.Headers["x-cache"])
	require.Len(t, fetcher.calls, 2)
	assert.Contains(t, fetcher.calls[0], "origin-a", "origins must be tried in configured order")
}

func TestAllOriginsFailedReturns502(t *testing.T) {
	fetcher := &scriptedFetcher{
		failures: map[string]error{
			"http://origin-a": errors.New("refused"),
			"http://origin-b": errors.New("refused"),
		},
	}
	s := newTestServer(t, fetcher, []string{"http://origin-a", "http://origin-b"}, 1024)

	resp := s.HandleRequest(context.Background(), plainRequest("/page"))
	assert.Equal(t, 502, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Headers["x-cache"])
	assert.Equal(t, 0, s.cache.Stats().Entries, "gateway failures are never cached")
}

func TestErrorStatusNotCached(t *testing.T) {
	fetcher := &scriptedFetcher{
		responses: map[string]*origin.Response{
			"http://origin-a": {StatusCode: 404, Headers: map[string]string{"content-type": "image/png"}, Body: []byte("nope")},
		},
	}
	s := newTestServer(t, fetcher, []string{"http://origin-a"}, 1024)

	resp := s.HandleRequest(context.Background(), plainRequest("/missing.png"))
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, 0, s.cache.Stats().Entries)
}

func TestNoStoreNotCached(t *testing.T) {
	fetcher := &scriptedFetcher{
		responses: map[string]*origin.Response{
			"http://origin-a": okResponse("secret", "image/png", map[string]string{"cache-control": "no-store"}),
		},
	}
	s := newTestServer(t, fetcher, []string{"http://origin-a"}, 1024)

	s.HandleRequest(context.Background(), plainRequest("/secret.png"))
	assert.Equal(t, 0, s.cache.Stats().Entries)
}

func TestStaticTypeCachedByDefaultPolicy(t *testing.T) {
	fetcher := &scriptedFetcher{
		responses: map[string]*origin.Response{
			"http://origin-a": okResponse("png-bytes", "image/png", nil),
		},
	}
	s := newTestServer(t, fetcher, []string{"http://origin-a"}, 1024)

	s.HandleRequest(context.Background(), plainRequest("/logo.png"))
	assert.Equal(t, 1, s.cache.Stats().Entries,
		"image without explicit cache headers caches under the static policy")
}

func TestDynamicContentNotCachedByDefault(t *testing.T) {
	fetcher := &scriptedFetcher{
		responses: map[string]*origin.Response{
			"http://origin-a": okResponse("{\"k\":1}", "application/json", nil),
		},
	}
	s := newTestServer(t, fetcher, []string{"http://origin-a"}, 1024)

	s.HandleRequest(context.Background(), plainRequest("/api/data"))
	assert.Equal(t, 0, s.cache.Stats().Entries)
}

func TestExplicitMaxAgeCachesDynamicContent(t *testing.T) {
	fetcher := &scriptedFetcher{
		responses: map[string]*origin.Response{
			"http://origin-a": okResponse("{\"k\":1}", "application/json", map[string]string{"cache-control": "max-age=60"}),
		},
	}
	s := newTestServer(t, fetcher, []string{"http://origin-a"}, 1024)

	s.HandleRequest(context.Background(), plainRequest("/api/data"))
	assert.Equal(t, 1, s.cache.Stats().Entries)
}

func TestCacheStoreFailureIsNonFatal(t *testing.T) {
	fetcher := &scriptedFetcher{
		responses: map[string]*origin.Response{
			"http://origin-a": okResponse("this body exceeds the tiny cache", "image/png", nil),
		},
	}
	s := newTestServer(t, fetcher, []string{"http://origin-a"}, 8)

	resp := s.HandleRequest(context.Background(), plainRequest("/big.png"))
	assert.Equal(t, 200, resp.StatusCode, "response served even when the cache cannot hold it")
	assert.Equal(t, 0, s.cache.Stats().Entries)
}

func TestRateLimitedRequestShortCircuits(t *testing.T) {
	fetcher := &scriptedFetcher{
		responses: map[string]*origin.Response{
			"http://origin-a": okResponse("content", "text/html", nil),
		},
	}
	logger := zaptest.NewLogger(t)
	pool := origin.NewPool([]string{"http://origin-a"}, fetcher, origin.BreakerSettings{}, logger)
	runtime := edgefunc.NewRuntime(logger)
	limited := edgefunc.RequestModifierFunc(func(_ context.Context, req *edgefunc.Request) (*edgefunc.Request, error) {
		req.SetHeader(edgefunc.HeaderRateLimited, "true")
		return req, nil
	})
	require.NoError(t, runtime.Register(edgefunc.Config{
		Name:     "limiter",
		Category: edgefunc.CategoryRateLimiting,
		Enabled:  true,
		Priority: 1,
		Timeout:  time.Second,
	}, limited))

	s := New(Options{NodeID: "edge-test-1", DefaultTTL: time.Hour},
		cache.New(1024, logger), runtime, pool, nil, logger)

	resp := s.HandleRequest(context.Background(), plainRequest("/page"))
	assert.Equal(t, 429, resp.StatusCode)
	assert.Empty(t, fetcher.calls, "rate-limited requests never reach an origin")
}

func TestResponsePipelineRunsOnMiss(t *testing.T) {
	fetcher := &scriptedFetcher{
		responses: map[string]*origin.Response{
			"http://origin-a": okResponse("content", "text/html", map[string]string{"cache-control": "no-store"}),
		},
	}
	logger := zaptest.NewLogger(t)
	pool := origin.NewPool([]string{"http://origin-a"}, fetcher, origin.BreakerSettings{}, logger)
	runtime := edgefunc.NewRuntime(logger)
	require.NoError(t, runtime.Register(edgefunc.Config{
		Name:     "security-headers",
		Category: edgefunc.CategoryResponseModifier,
		Enabled:  true,
		Priority: 1,
		Timeout:  time.Second,
	}, edgefunc.SecurityHeaders()))

	s := New(Options{NodeID: "edge-test-1", DefaultTTL: time.Hour},
		cache.New(1024, logger), runtime, pool, nil, logger)

	resp := s.HandleRequest(context.Background(), plainRequest("/page"))
	assert.Equal(t, "nosniff", resp.Headers["x-content-type-options"])
	assert.Equal(t, "MISS", resp.Headers["x-cache"])
}

func TestValidatorDeterministicWithoutETag(t *testing.T) {
	resp := okResponse("same-bytes", "text/css", nil)
	assert.Equal(t, validatorFor(resp), validatorFor(resp))

	withETag := okResponse("same-bytes", "text/css", map[string]string{"etag": `"origin-tag"`})
	assert.Equal(t, `"origin-tag"`, validatorFor(withETag))
}

func TestComputeExpiry(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ttl := time.Hour

	maxAge := okResponse("", "text/css", map[string]string{"cache-control": "max-age=120"})
	assert.Equal(t, now.Add(2*time.Minute), computeExpiry(maxAge, now, ttl))

	expires := okResponse("", "text/css", map[string]string{"expires": "Mon, 24 Aug 2026 13:30:00 GMT"})
	assert.Equal(t, time.Date(2026, 8, 24, 13, 30, 0, 0, time.UTC), computeExpiry(expires, now, ttl).UTC())

	garbage := okResponse("", "text/css", map[string]string{"expires": "not-a-date"})
	assert.Equal(t, now.Add(ttl), computeExpiry(garbage, now, ttl))

	bare := okResponse("", "text/css", nil)
	assert.Equal(t, now.Add(ttl), computeExpiry(bare, now, ttl))
}

func TestMetricsSnapshotShape(t *testing.T) {
	fetcher := &scriptedFetcher{
		responses: map[string]*origin.Response{
			"http://origin-a": okResponse("x", "image/png", nil),
		},
	}
	s := newTestServer(t, fetcher, []string{"http://origin-a"}, 1024)
	s.HandleRequest(context.Background(), plainRequest("/a.png"))

	m := s.Metrics()
	assert.Equal(t, "edge-test-1", m.ID)
	assert.Equal(t, 1.0, m.HealthScore)
	assert.False(t, m.UpdatedAt.IsZero())

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(0), stats.CacheHits)
}
