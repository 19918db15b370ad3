package core

import (
	"context"
	"encoding/json"
	"fmt"
)

// RedisBackingStore adapts RedisClient to the DurableBackingStore port
// StateStore mirrors writes to (spec §6). Each StateEntry is marshaled as
// JSON; Load returns the most recently persisted entry for a key, not its
// full version history (durability is a cold-start recovery aid, not a
// replacement for StateStore's in-memory history).
type RedisBackingStore struct {
	client *RedisClient
}

// NewRedisBackingStore wraps client as a DurableBackingStore.
func NewRedisBackingStore(client *RedisClient) *RedisBackingStore {
	return &RedisBackingStore{client: client}
}

// Persist writes entry to Redis under its key, with no expiry: durable
// state outlives any single process.
func (r *RedisBackingStore) Persist(ctx context.Context, entry StateEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return &FrameworkError{Op: "RedisBackingStore.Persist", Kind: string(KindFatalInternal), ID: entry.Key, Err: err}
	}
	if err := r.client.Set(ctx, entry.Key, string(data), 0); err != nil {
		return &FrameworkError{Op: "RedisBackingStore.Persist", Kind: string(KindTransientFailure), ID: entry.Key, Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
	}
	return nil
}

// Load retrieves the most recently persisted entry for key, if any.
func (r *RedisBackingStore) Load(ctx context.Context, key string) (*StateEntry, error) {
	raw, err := r.client.Get(ctx, key)
	if err != nil {
		return nil, nil
	}
	var entry StateEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, &FrameworkError{Op: "RedisBackingStore.Load", Kind: string(KindFatalInternal), ID: key, Err: err}
	}
	return &entry, nil
}
