package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCountsWithinWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		count, err := s.Incr(ctx, "client-1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}

	count, err := s.Incr(ctx, "client-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "keys are counted independently")
}

func TestMemoryStoreResetsAfterWindow(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now()
	s.now = func() time.Time { return base }
	ctx := context.Background()

	_, err := s.Incr(ctx, "client", time.Minute)
	require.NoError(t, err)
	_, err = s.Incr(ctx, "client", time.Minute)
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(61 * time.Second) }
	count, err := s.Incr(ctx, "client", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
