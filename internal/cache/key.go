package cache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// representationHeaders is the subset of request headers that can change the
// cached representation of a URL. Anything outside this set (correlation IDs,
// cookies, tracing headers) must not influence the cache key.
var representationHeaders = []string{
	"accept-encoding",
	"accept-language",
}

// Key derives the cache key for a request. It is a pure function of the
// normalized URL and the canonicalized representation headers, so identical
// inputs always produce identical keys.
func Key(url string, headers map[string]string) uint64 {
	canonical := make(map[string]string)
	for k, v := range headers {
		lk := strings.ToLower(strings.TrimSpace(k))
		for _, rh := range representationHeaders {
			if lk == rh {
				canonical[lk] = strings.ToLower(strings.TrimSpace(v))
			}
		}
		if lk == "user-agent" {
			canonical["ua-class"] = classifyUserAgent(v)
		}
	}

	keys := make([]string, 0, len(canonical))
	for k := range canonical {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := xxhash.New()
	_, _ = d.WriteString(normalizeURL(url))
	for _, k := range keys {
		_, _ = d.WriteString(fmt.Sprintf("\n%s=%s", k, canonical[k]))
	}
	return d.Sum64()
}

// classifyUserAgent buckets user agents into coarse device classes. Caching
// per exact user-agent string would fragment the cache into near-singleton
// entries, so only the class participates in the key.
func classifyUserAgent(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "bot") || strings.Contains(lower, "crawler") || strings.Contains(lower, "spider"):
		return "bot"
	case strings.Contains(lower, "mobile") || strings.Contains(lower, "android") || strings.Contains(lower, "iphone"):
		return "mobile"
	default:
		return "desktop"
	}
}

func normalizeURL(url string) string {
	url = strings.TrimSpace(url)
	// Strip fragments; they never reach the origin.
	if i := strings.IndexByte(url, '#'); i >= 0 {
		url = url[:i]
	}
	return url
}
