package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ResourceType partitions the StateStore keyspace (spec §3).
type ResourceType string

const (
	ResourceState   ResourceType = "STATE"
	ResourceMonitor ResourceType = "MONITOR"
	ResourceContext ResourceType = "CONTEXT"
	ResourceCache   ResourceType = "CACHE"
	ResourceMetric  ResourceType = "METRIC"
)

// StateEntry is an immutable, versioned record. Updates to a key append a
// new version; nothing is ever mutated in place.
type StateEntry struct {
	Key          string
	Value        interface{}
	ResourceType ResourceType
	Version      int64
	Timestamp    time.Time
	Metadata     map[string]interface{}
}

// DurableBackingStore is the optional port StateStore mirrors writes to
// (spec §6). StateStore only calls Persist; it never calls Load, so nothing
// is read back from the backing store on start. No implementation is
// required; when nil the StateStore behaves as pure in-memory storage.
type DurableBackingStore interface {
	Persist(ctx context.Context, entry StateEntry) error
	Load(ctx context.Context, key string) (*StateEntry, error)
}

type keyState struct {
	mu      sync.Mutex
	history []StateEntry
	latest  atomic.Value // holds StateEntry
}

// StateStore is the versioned key-value store (C2). Per-key mutations are
// serialized by a per-key mutex; get_state reads an atomic snapshot of the
// latest entry so reads never queue behind a writer's lock.
type StateStore struct {
	keys sync.Map // string -> *keyState

	// globalMu protects snapshot()/restore() consistency: writers take a
	// read lock (allowing concurrent writers across distinct keys) and
	// snapshot takes the exclusive lock to get a consistent point-in-time
	// view across all keys.
	globalMu sync.RWMutex

	bus     *EventBus
	backing DurableBackingStore
	logger  Logger
}

// NewStateStore constructs a StateStore bound to the given EventBus. bus may
// be nil if STATE_CHANGED/STATE_RESTORED events are not needed (e.g. tests).
func NewStateStore(bus *EventBus, backing DurableBackingStore, logger Logger) *StateStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/state")
	}
	return &StateStore{bus: bus, backing: backing, logger: logger}
}

func (s *StateStore) keyStateFor(key string) *keyState {
	v, _ := s.keys.LoadOrStore(key, &keyState{})
	return v.(*keyState)
}

// SetState appends a new version for key and returns it.
func (s *StateStore) SetState(ctx context.Context, key string, value interface{}, resourceType ResourceType, metadata map[string]interface{}) (int64, error) {
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()

	ks := s.keyStateFor(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	var oldValue interface{}
	if len(ks.history) > 0 {
		oldValue = ks.history[len(ks.history)-1].Value
	}

	version := int64(len(ks.history) + 1)
	entry := StateEntry{
		Key:          key,
		Value:        value,
		ResourceType: resourceType,
		Version:      version,
		Timestamp:    time.Now(),
		Metadata:     metadata,
	}
	ks.history = append(ks.history, entry)
	ks.latest.Store(entry)

	if s.backing != nil {
		if err := s.backing.Persist(ctx, entry); err != nil {
			s.logger.WarnWithContext(ctx, "durable backing store persist failed", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
		}
	}

	if s.bus != nil {
		_ = s.bus.Emit(ctx, EventStateChanged, map[string]interface{}{
			"key":       key,
			"old_value": oldValue,
			"new_value": value,
			"version":   version,
		}, PriorityNormal)
	}

	return version, nil
}

// GetState returns the newest version of key, or (nil, false) if unknown.
func (s *StateStore) GetState(key string) (interface{}, bool) {
	v, ok := s.keys.Load(key)
	if !ok {
		return nil, false
	}
	ks := v.(*keyState)
	e, ok := ks.latest.Load().(StateEntry)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// GetStateEntry is like GetState but returns the full versioned entry.
func (s *StateStore) GetStateEntry(key string) (StateEntry, bool) {
	v, ok := s.keys.Load(key)
	if !ok {
		return StateEntry{}, false
	}
	ks := v.(*keyState)
	e, ok := ks.latest.Load().(StateEntry)
	return e, ok
}

// GetStateHistory returns all versions of key in ascending order, bounded by
// limit (0 = unlimited, returning the most recent `limit` versions).
func (s *StateStore) GetStateHistory(key string, limit int) []StateEntry {
	v, ok := s.keys.Load(key)
	if !ok {
		return nil
	}
	ks := v.(*keyState)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	out := make([]StateEntry, len(ks.history))
	copy(out, ks.history)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// GetStatesByPrefix returns the latest entry for every key sharing prefix.
func (s *StateStore) GetStatesByPrefix(prefix string) map[string]StateEntry {
	out := make(map[string]StateEntry)
	s.keys.Range(func(k, v interface{}) bool {
		key := k.(string)
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			return true
		}
		ks := v.(*keyState)
		if e, ok := ks.latest.Load().(StateEntry); ok {
			out[key] = e
		}
		return true
	})
	return out
}

// Snapshot captures a consistent point-in-time view of every key's latest
// entry. Blocks new writes across all keys for the duration of the copy.
func (s *StateStore) Snapshot() map[string]StateEntry {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	out := make(map[string]StateEntry)
	s.keys.Range(func(k, v interface{}) bool {
		ks := v.(*keyState)
		if e, ok := ks.latest.Load().(StateEntry); ok {
			out[k.(string)] = e
		}
		return true
	})
	return out
}

// Restore replaces the latest entry for every key present in the snapshot.
// restore(snapshot()) is the identity on StateStore (spec §8): history gains
// no new synthetic version, the captured entries simply become latest again.
func (s *StateStore) Restore(ctx context.Context, snapshot map[string]StateEntry) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	for key, entry := range snapshot {
		ks := s.keyStateFor(key)
		ks.mu.Lock()
		found := false
		for i, e := range ks.history {
			if e.Version == entry.Version {
				found = true
				_ = i
				break
			}
		}
		if !found {
			ks.history = append(ks.history, entry)
		}
		ks.latest.Store(entry)
		ks.mu.Unlock()
	}

	if s.bus != nil {
		_ = s.bus.Emit(ctx, EventStateRestored, map[string]interface{}{
			"keys": len(snapshot),
		}, PriorityNormal)
	}
}
