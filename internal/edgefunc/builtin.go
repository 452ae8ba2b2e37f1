package edgefunc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/edgewise/edge-delivery/internal/ratelimit"
)

// Built-in edge functions. Each is an independently-registered pipeline step;
// a failure in any one of them is isolated by the runtime and never blocks
// content delivery.

// HeaderRateLimited is set by the rate-limiting step when a client exceeds
// its budget. The edge server turns it into a 429 before touching the cache.
const HeaderRateLimited = "x-rate-limited"

// SecurityHeaders attaches baseline security response headers.
func SecurityHeaders() ResponseModifier {
	return ResponseModifierFunc(func(_ context.Context, _ *Request, resp *Response) (*Response, error) {
		resp.SetHeader("x-content-type-options", "nosniff")
		resp.SetHeader("x-frame-options", "DENY")
		resp.SetHeader("strict-transport-security", "max-age=31536000; includeSubDomains")
		resp.Modified = true
		return resp, nil
	})
}

// GeoHeaders copies the request's geolocation tags into forwarded headers so
// the origin and later steps can personalize by region.
func GeoHeaders() RequestModifier {
	return RequestModifierFunc(func(_ context.Context, req *Request) (*Request, error) {
		if req.Country != "" {
			req.SetHeader("x-edge-country", req.Country)
		}
		if req.Region != "" {
			req.SetHeader("x-edge-region", req.Region)
		}
		if req.City != "" {
			req.SetHeader("x-edge-city", req.City)
		}
		return req, nil
	})
}

// ABVariant deterministically assigns the client to one of the configured
// variants by hashing the client IP, so a client always lands in the same
// bucket. Variants come from the step environment as a comma-separated list.
func ABVariant(env map[string]string) RequestModifier {
	variants := []string{"control", "treatment"}
	if raw, ok := env["variants"]; ok && raw != "" {
		variants = strings.Split(raw, ",")
	}
	header := env["header"]
	if header == "" {
		header = "x-ab-variant"
	}
	return RequestModifierFunc(func(_ context.Context, req *Request) (*Request, error) {
		bucket := xxhash.Sum64String(req.ClientIP) % uint64(len(variants))
		req.SetHeader(header, strings.TrimSpace(variants[bucket]))
		return req, nil
	})
}

// JWTAuth validates a bearer token against an HMAC secret from the step
// environment. Authentication outcome is recorded in headers rather than
// failing the pipeline; enforcement is the server's decision.
func JWTAuth(env map[string]string) RequestModifier {
	secret := []byte(env["secret"])
	return RequestModifierFunc(func(_ context.Context, req *Request) (*Request, error) {
		auth := req.Header("authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			req.SetHeader("x-auth-status", "anonymous")
			return req, nil
		}

		token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			req.SetHeader("x-auth-status", "invalid")
			return req, nil
		}

		req.SetHeader("x-auth-status", "valid")
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, ok := claims["sub"].(string); ok {
				req.SetHeader("x-auth-subject", sub)
			}
		}
		return req, nil
	})
}

// RateLimit marks requests from clients that exceeded their per-window
// budget. Counter state lives in the injected store, never in the step.
func RateLimit(store ratelimit.Store, env map[string]string) RequestModifier {
	limit := int64(100)
	if raw, ok := env["limit"]; ok {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	window := time.Minute
	if raw, ok := env["window"]; ok {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			window = parsed
		}
	}
	return RequestModifierFunc(func(ctx context.Context, req *Request) (*Request, error) {
		count, err := store.Incr(ctx, req.ClientIP, window)
		if err != nil {
			return nil, fmt.Errorf("rate limit state: %w", err)
		}
		if count > limit {
			req.SetHeader(HeaderRateLimited, "true")
		}
		return req, nil
	})
}

// Personalize tags requests with a coarse device class so origins can adapt
// content without fragmenting the cache key per user agent.
func Personalize() RequestModifier {
	return RequestModifierFunc(func(_ context.Context, req *Request) (*Request, error) {
		ua := strings.ToLower(req.UserAgent)
		class := "desktop"
		switch {
		case strings.Contains(ua, "mobile") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone"):
			class = "mobile"
		case strings.Contains(ua, "bot"):
			class = "bot"
		}
		req.SetHeader("x-device-class", class)
		return req, nil
	})
}
