package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-relay/core"
)

// DefaultStateTTL bounds how long an idle target keeps throttle state.
const DefaultStateTTL = 24 * time.Hour

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[core.ThrottleKey]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[core.ThrottleKey]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key core.ThrottleKey) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[normalizeKey(key)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Key = normalizeKey(state.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.Key] = state
	return nil
}

// KVStateStore keeps throttle state in the shared store so every relay process
// sees the same windows.
type KVStateStore struct {
	Store core.KVStore
	TTL   time.Duration
}

func NewKVStateStore(store core.KVStore) *KVStateStore {
	return &KVStateStore{Store: store, TTL: DefaultStateTTL}
}

func (s *KVStateStore) Get(ctx context.Context, key core.ThrottleKey) (State, error) {
	if s == nil || s.Store == nil {
		return State{}, fmt.Errorf("ratelimit: kv state store requires a store")
	}
	key = normalizeKey(key)
	entry, err := s.Store.Get(ctx, core.ThrottleStateKey(key.Target, key.BucketKey))
	if errors.Is(err, core.ErrKeyNotFound) {
		return State{}, ErrStateNotFound
	}
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(entry.Value, &state); err != nil {
		return State{}, fmt.Errorf("ratelimit: decode state: %w", err)
	}
	return state, nil
}

func (s *KVStateStore) Upsert(ctx context.Context, state State) error {
	if s == nil || s.Store == nil {
		return fmt.Errorf("ratelimit: kv state store requires a store")
	}
	state.Key = normalizeKey(state.Key)
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("ratelimit: encode state: %w", err)
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return s.Store.Put(ctx, core.ThrottleStateKey(state.Key.Target, state.Key.BucketKey), encoded, ttl)
}

var (
	_ StateStore = (*MemoryStateStore)(nil)
	_ StateStore = (*KVStateStore)(nil)
)
