package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrAllOriginsFailed means every configured origin had a transport-level
// failure. The edge server turns this into a gateway-failure response; retry
// policy beyond the ordered failover is not this package's concern.
var ErrAllOriginsFailed = errors.New("all origins failed")

// Response is the transport-agnostic view of an origin reply.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

func (r *Response) Header(key string) string {
	return r.Headers[strings.ToLower(key)]
}

// Fetcher performs one fetch against a fully-resolved URL. An HTTP status of
// any kind is a successful fetch; only transport failures return an error.
type Fetcher interface {
	Fetch(ctx context.Context, method, url string, headers map[string]string) (*Response, error)
}

// HTTPFetcher is the net/http-backed Fetcher.
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, method, url string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read origin body: %w", err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[strings.ToLower(k)] = resp.Header.Get(k)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    respHeaders,
		Body:       body,
	}, nil
}

// BreakerSettings configures the per-origin circuit breakers.
type BreakerSettings struct {
	Enabled     bool
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
}

// Pool fetches from an ordered list of origin base addresses. The first
// origin that responds without a transport-level failure wins; each origin
// sits behind its own circuit breaker so a dead origin is skipped cheaply.
type Pool struct {
	origins  []string
	fetcher  Fetcher
	settings BreakerSettings
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex
	logger   *zap.Logger
}

func NewPool(origins []string, fetcher Fetcher, settings BreakerSettings, logger *zap.Logger) *Pool {
	return &Pool{
		origins:  origins,
		fetcher:  fetcher,
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Fetch tries each origin in configured order and returns the first
// transport-successful response along with the origin that served it.
func (p *Pool) Fetch(ctx context.Context, method, path string, headers map[string]string) (*Response, string, error) {
	var lastErr error

	for _, addr := range p.origins {
		url := strings.TrimSuffix(addr, "/") + path
		start := time.Now()

		resp, err := p.fetchGuarded(ctx, addr, method, url, headers)
		if err != nil {
			lastErr = err
			p.logger.Warn("origin attempt failed",
				zap.String("origin", addr),
				zap.String("path", path),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
			continue
		}

		p.logger.Debug("origin fetch completed",
			zap.String("origin", addr),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", time.Since(start)))
		return resp, addr, nil
	}

	if lastErr != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrAllOriginsFailed, lastErr)
	}
	return nil, "", ErrAllOriginsFailed
}

func (p *Pool) fetchGuarded(ctx context.Context, addr, method, url string, headers map[string]string) (*Response, error) {
	if !p.settings.Enabled {
		return p.fetcher.Fetch(ctx, method, url, headers)
	}

	cb := p.breaker(addr)
	result, err := cb.Execute(func() (interface{}, error) {
		return p.fetcher.Fetch(ctx, method, url, headers)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}

func (p *Pool) breaker(addr string) *gobreaker.CircuitBreaker {
	p.mu.RLock()
	cb, ok := p.breakers[addr]
	p.mu.RUnlock()
	if ok {
		return cb
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[addr]; ok {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: p.settings.MaxRequests,
		Interval:    p.settings.Interval,
		Timeout:     p.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Info("origin circuit breaker state changed",
				zap.String("origin", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	p.breakers[addr] = cb
	return cb
}
