package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnova.app/backend/internal/quota"
)

// Runs against a real server: LEARNOVA_TEST_REDIS_ADDR=localhost:6379 go test ./internal/store
func TestRedisAnonymousStore(t *testing.T) {
	addr := os.Getenv("LEARNOVA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEARNOVA_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	anon := NewRedisAnonymousStore(client, 2)
	visitor := "test-" + uuid.NewString()
	t.Cleanup(func() { _ = anon.Clear(ctx, visitor) })

	remaining, err := anon.Remaining(ctx, visitor)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	remaining, err = anon.Reserve(ctx, visitor)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	remaining, err = anon.Reserve(ctx, visitor)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	_, err = anon.Reserve(ctx, visitor)
	assert.ErrorIs(t, err, quota.ErrAuthRequired)

	remaining, err = anon.Release(ctx, visitor)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	require.NoError(t, anon.Clear(ctx, visitor))
	remaining, err = anon.Remaining(ctx, visitor)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}
