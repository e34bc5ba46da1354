package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClaim_SingleWinner(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	msgID := uuid.NewString()

	a := NewStore(client, 5*time.Second, "instance-a")
	b := NewStore(client, 5*time.Second, "instance-b")

	won, err := a.Claim(ctx, "catalog.reservation", msgID)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = b.Claim(ctx, "catalog.reservation", msgID)
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, b.Release(ctx, "catalog.reservation", msgID))
	won, err = b.Claim(ctx, "catalog.reservation", msgID)
	require.NoError(t, err)
	assert.False(t, won, "release by a non-owner is a no-op")

	require.NoError(t, a.Release(ctx, "catalog.reservation", msgID))
	won, err = b.Claim(ctx, "catalog.reservation", msgID)
	require.NoError(t, err)
	assert.True(t, won)
	require.NoError(t, b.Release(ctx, "catalog.reservation", msgID))
}

func TestKey(t *testing.T) {
	s := NewStore(nil, time.Second, "x")
	assert.Equal(t, "claim:order.stock-outcome:m-1", s.Key("order.stock-outcome", "m-1"))
}
