package edgefunc

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewise/edge-delivery/internal/ratelimit"
)

func TestABVariantIsStablePerClient(t *testing.T) {
	fn := ABVariant(map[string]string{"variants": "control,blue,green"})

	req := &Request{ClientIP: "203.0.113.7", Headers: map[string]string{}}
	out, err := fn.ModifyRequest(context.Background(), req)
	require.NoError(t, err)
	first := out.Header("x-ab-variant")
	require.NotEmpty(t, first)

	for i := 0; i < 10; i++ {
		again, err := fn.ModifyRequest(context.Background(), &Request{ClientIP: "203.0.113.7", Headers: map[string]string{}})
		require.NoError(t, err)
		assert.Equal(t, first, again.Header("x-ab-variant"))
	}
}

func TestGeoHeaders(t *testing.T) {
	fn := GeoHeaders()
	req := &Request{Country: "DE", City: "Berlin", Headers: map[string]string{}}

	out, err := fn.ModifyRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "DE", out.Header("x-edge-country"))
	assert.Equal(t, "Berlin", out.Header("x-edge-city"))
	assert.Empty(t, out.Header("x-edge-region"))
}

func TestRateLimitMarksOverBudgetClients(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	fn := RateLimit(store, map[string]string{"limit": "2", "window": "1m"})

	req := func() *Request { return &Request{ClientIP: "198.51.100.1", Headers: map[string]string{}} }

	for i := 0; i < 2; i++ {
		out, err := fn.ModifyRequest(context.Background(), req())
		require.NoError(t, err)
		assert.Empty(t, out.Header(HeaderRateLimited))
	}

	out, err := fn.ModifyRequest(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, "true", out.Header(HeaderRateLimited))
}

func TestJWTAuth(t *testing.T) {
	secret := "edge-test-secret"
	fn := JWTAuth(map[string]string{"secret": secret})

	t.Run("no token", func(t *testing.T) {
		out, err := fn.ModifyRequest(context.Background(), &Request{Headers: map[string]string{}})
		require.NoError(t, err)
		assert.Equal(t, "anonymous", out.Header("x-auth-status"))
	})

	t.Run("valid token", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "user-42",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		signed, err := token.SignedString([]byte(secret))
		require.NoError(t, err)

		req := &Request{Headers: map[string]string{"authorization": "Bearer " + signed}}
		out, err := fn.ModifyRequest(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "valid", out.Header("x-auth-status"))
		assert.Equal(t, "user-42", out.Header("x-auth-subject"))
	})

	t.Run("garbage token", func(t *testing.T) {
		req := &Request{Headers: map[string]string{"authorization": "Bearer not.a.jwt"}}
		out, err := fn.ModifyRequest(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "invalid", out.Header("x-auth-status"))
	})
}

func TestPersonalizeDeviceClass(t *testing.T) {
	fn := Personalize()

	mobile := &Request{UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile", Headers: map[string]string{}}
	out, err := fn.ModifyRequest(context.Background(), mobile)
	require.NoError(t, err)
	assert.Equal(t, "mobile", out.Header("x-device-class"))

	desktop := &Request{UserAgent: "Mozilla/5.0 (X11; Linux x86_64)", Headers: map[string]string{}}
	out, err = fn.ModifyRequest(context.Background(), desktop)
	require.NoError(t, err)
	assert.Equal(t, "desktop", out.Header("x-device-class"))
}
