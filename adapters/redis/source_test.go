package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-dispatch-lite/core"
	"go-dispatch-lite/core/drivertest"
)

func newSource(t *testing.T) *Source {
	t.Helper()
	addr := os.Getenv("DISPATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DISPATCH_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	src, err := NewRedisSource(ctx, addr, "", 0, "dispatch-test:"+uuid.NewString()+":")
	require.NoError(t, err)

	t.Cleanup(func() {
		keys, _ := src.client.Keys(ctx, src.prefix+"*").Result()
		if len(keys) > 0 {
			src.client.Del(ctx, keys...)
		}
		_ = src.Close()
	})
	return src
}

func TestRedisSource(t *testing.T) {
	drivertest.Run(t, func(t *testing.T) core.Driver {
		return newSource(t)
	})
}

func TestDelayedJobIsPromoted(t *testing.T) {
	ctx := context.Background()
	src := newSource(t)
	now := time.Now().UTC()
	src.now = func() time.Time { return now }

	j := core.NewJob("later").SetAvailableAt(now.Add(time.Minute))
	require.NoError(t, src.Push(ctx, j))

	got, err := src.Pop(ctx, core.DefaultQueue)
	require.NoError(t, err)
	assert.Nil(t, got)

	size, err := src.Size(ctx, core.DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	now = now.Add(time.Minute)
	got, err = src.Pop(ctx, core.DefaultQueue)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, 1, got.Attempts)
}

func TestNewRedisSourceUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewRedisSource(ctx, "127.0.0.1:1", "", 0, "")
	require.Error(t, err)
	assert.True(t, core.IsStorage(err))
}
