package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func setupBackingStoreRedis(t *testing.T) *RedisClient {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewRedisClient(RedisClientOptions{
		RedisURL:  fmt.Sprintf("redis://%s/0", mr.Addr()),
		DB:        RedisDBState,
		Namespace: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisBackingStore_PersistThenLoadRoundTrips(t *testing.T) {
	client := setupBackingStoreRedis(t)
	store := NewRedisBackingStore(client)

	entry := StateEntry{Key: "agent-1:status", Value: "ready", Version: 1, Timestamp: time.Now()}
	require.NoError(t, store.Persist(context.Background(), entry))

	loaded, err := store.Load(context.Background(), "agent-1:status")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, entry.Key, loaded.Key)
	require.Equal(t, entry.Version, loaded.Version)
}

func TestRedisBackingStore_LoadMissingKeyReturnsNilWithoutError(t *testing.T) {
	client := setupBackingStoreRedis(t)
	store := NewRedisBackingStore(client)

	loaded, err := store.Load(context.Background(), "never-persisted")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestRedisBackingStore_PersistOverwritesPreviousValue(t *testing.T) {
	client := setupBackingStoreRedis(t)
	store := NewRedisBackingStore(client)

	require.NoError(t, store.Persist(context.Background(), StateEntry{Key: "k", Value: "v1", Version: 1, Timestamp: time.Now()}))
	require.NoError(t, store.Persist(context.Background(), StateEntry{Key: "k", Value: "v2", Version: 2, Timestamp: time.Now()}))

	loaded, err := store.Load(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "v2", loaded.Value)
	require.Equal(t, int64(2), loaded.Version)
}
