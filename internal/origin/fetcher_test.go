package origin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubFetcher struct {
	fail  map[string]error
	calls []string
}

func (f *stubFetcher) Fetch(_ context.Context, _, url string, _ map[string]string) (*Response, error) {
	f.calls = append(f.calls, url)
	for prefix, err := range f.fail {
		if len(url) >= len(prefix) && url[:len(prefix)] == prefix {
			return nil, err
		}
	}
	return &Response{StatusCode: 200, Headers: map[string]string{"content-type": "text/plain"}, Body: []byte("ok")}, nil
}

func TestPoolUsesFirstHealthyOrigin(t *testing.T) {
	fetcher := &stubFetcher{}
	p := NewPool([]string{"http://a", "http://b"}, fetcher, BreakerSettings{}, zaptest.NewLogger(t))

	resp, addr, err := p.Fetch(context.Background(), "GET", "/x", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://a", addr)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"http://a/x"}, fetcher.calls)
}

func TestPoolFailsOver(t *testing.T) {
	fetcher := &stubFetcher{fail: map[string]error{"http://a": errors.New("refused")}}
	p := NewPool([]string{"http://a", "http://b"}, fetcher, BreakerSettings{}, zaptest.NewLogger(t))

	resp, addr, err := p.Fetch(context.Background(), "GET", "/x", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://b", addr)
	assert.Equal(t, []byte("ok"), resp.Body)
	assert.Equal(t, []string{"http://a/x", "http://b/x"}, fetcher.calls)
}

func TestPoolAllOriginsFailed(t *testing.T) {
	fetcher := &stubFetcher{fail: map[string]error{
		"http://a": errors.New("refused"),
		"http://b": errors.New("reset"),
	}}
	p := NewPool([]string{"http://a", "http://b"}, fetcher, BreakerSettings{}, zaptest.NewLogger(t))

	_, _, err := p.Fetch(context.Background(), "GET", "/x", nil)
	assert.ErrorIs(t, err, ErrAllOriginsFailed)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	fetcher := &stubFetcher{fail: map[string]error{"http://a": errors.New("refused")}}
	settings := BreakerSettings{
		Enabled:     true,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
	}
	p := NewPool([]string{"http://a"}, fetcher, settings, zaptest.NewLogger(t))

	// Trip the breaker, then confirm later attempts are short-circuited
	// without touching the fetcher.
	for i := 0; i < 5; i++ {
		_, _, err := p.Fetch(context.Background(), "GET", "/x", nil)
		require.Error(t, err)
	}
	callsWhenTripped := len(fetcher.calls)

	_, _, err := p.Fetch(context.Background(), "GET", "/x", nil)
	require.Error(t, err)
	assert.Equal(t, callsWhenTripped, len(fetcher.calls))
}
