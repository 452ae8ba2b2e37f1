package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/edgewise/edge-delivery/internal/cache"
	"github.com/edgewise/edge-delivery/internal/origin"
)

// Cacheable decides whether an origin response may be stored, evaluated in
// fixed order: error statuses never cache, explicit no-cache/no-store never
// cache, explicit freshness info always caches, and otherwise only the
// static-asset allow-list caches. Dynamic content is default-no-cache.
func Cacheable(resp *origin.Response, staticTypes []string) bool {
	if resp.StatusCode >= 400 {
		return false
	}

	cc := resp.Header("cache-control")
	if cache.HasDirective(cc, "no-cache") || cache.HasDirective(cc, "no-store") {
		return false
	}

	if resp.Header("expires") != "" {
		return true
	}
	if _, ok := cache.ParseMaxAge(cc); ok {
		return true
	}

	contentType := resp.Header("content-type")
	for _, allowed := range staticTypes {
		if strings.HasPrefix(contentType, allowed) {
			return true
		}
	}
	return false
}

// computeExpiry derives the absolute expiry: max-age wins, then a parsable
// expires header, then the configured default TTL. An unparsable expires
// header falls back to the default TTL rather than failing the request.
func computeExpiry(resp *origin.Response, now time.Time, defaultTTL time.Duration) time.Time {
	if maxAge, ok := cache.ParseMaxAge(resp.Header("cache-control")); ok {
		return now.Add(maxAge)
	}

	if expires := resp.Header("expires"); expires != "" {
		if t, err := http.ParseTime(expires); err == nil {
			return t
		}
	}
	return now.Add(defaultTTL)
}

// validatorFor returns the entry's validator token: the origin etag when
// present, otherwise a content-addressed hash so repeated identical fetches
// produce identical tokens.
func validatorFor(resp *origin.Response) string {
	if etag := resp.Header("etag"); etag != "" {
		return etag
	}
	return fmt.Sprintf("\"%x\"", xxhash.Sum64(resp.Body))
}

func entryFromOrigin(resp *origin.Response, now time.Time, defaultTTL time.Duration) *cache.Entry {
	return &cache.Entry{
		Body:         resp.Body,
		ContentType:  resp.Header("content-type"),
		ETag:         validatorFor(resp),
		LastModified: now,
		ExpiresAt:    computeExpiry(resp, now, defaultTTL),
		CacheControl: resp.Header("cache-control"),
		Size:         int64(len(resp.Body)),
	}
}
