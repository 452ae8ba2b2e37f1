package cache

import (
	"strconv"
	"strings"
	"time"
)

// HasDirective reports whether a cache-control header value contains the
// given directive, matching on directive name only.
func HasDirective(cacheControl, directive string) bool {
	for _, part := range strings.Split(cacheControl, ",") {
		name := part
		if i := strings.IndexByte(part, '='); i >= 0 {
			name = part[:i]
		}
		if strings.EqualFold(strings.TrimSpace(name), directive) {
			return true
		}
	}
	return false
}

// ParseMaxAge extracts the max-age directive from a cache-control header
// value. The second return value is false when the directive is absent or
// unparsable.
func ParseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(strings.ToLower(part), "max-age=") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(part[len("max-age="):]))
		if err != nil || seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}
