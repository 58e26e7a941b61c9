//go:build integration

package httpx

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedisLimiter(t *testing.T, image string) *redisRateLimiter {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	limiter, err := NewRedisRateLimiter(addr, "", 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(limiter.Close)
	return limiter.(*redisRateLimiter)
}

func TestRedisRateLimiterEnforcesWindow(t *testing.T) {
	for _, image := range []string{"redis:6.2-alpine", "redis:7-alpine"} {
		t.Run(image, func(t *testing.T) {
			rl := setupRedisLimiter(t, image)
			window := 30 * time.Second

			for i := 1; i <= 3; i++ {
				d := rl.Allow("ip:203.0.113.10", 3, window)
				require.True(t, d.allowed, "request %d", i)
				assert.Equal(t, i, d.count)
			}
			d := rl.Allow("ip:203.0.113.10", 3, window)
			assert.False(t, d.allowed)
			assert.Equal(t, 4, d.count)
			assert.WithinDuration(t, time.Now().Add(window), d.windowEnd, 2*time.Second)

			ttl, err := rl.client.PTTL(context.Background(), rl.prefix+"ip:203.0.113.10").Result()
			require.NoError(t, err)
			assert.Greater(t, ttl, time.Duration(0))

			assert.True(t, rl.Allow("ip:198.51.100.1", 3, window).allowed)
		})
	}
}

func TestRedisRateLimiterRestoresMissingExpiry(t *testing.T) {
	rl := setupRedisLimiter(t, "redis:6.2-alpine")
	ctx := context.Background()
	key := rl.prefix + "user:u-1"
	require.NoError(t, rl.client.Set(ctx, key, 7, 0).Err())

	d := rl.Allow("user:u-1", 10, time.Minute)
	assert.True(t, d.allowed)
	assert.Equal(t, 8, d.count)

	ttl, err := rl.client.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
