package redis

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/syncstore/credentials"
)

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNilClient)
}

// Runs against a real server only when SYNCSTORE_REDIS_ADDR is set.
func TestStoreAgainstRedis(t *testing.T) {
	addr := os.Getenv("SYNCSTORE_REDIS_ADDR")
	if addr == "" {
		t.Skip("SYNCSTORE_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()

	s, err := New(Config{Client: client, Key: "syncstore:test:" + t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Clear(ctx) })

	set, err := s.Load(ctx)
	require.NoError(t, err)
	require.False(t, set.Present())

	require.NoError(t, s.Save(ctx, credentials.Set{Access: "a1", Refresh: "r1"}))
	require.NoError(t, s.Save(ctx, credentials.Set{Access: "a2"}))

	set, err = s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, credentials.Set{Access: "a2"}, set)

	require.NoError(t, s.Clear(ctx))
	set, err = s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, credentials.Set{}, set)
}
