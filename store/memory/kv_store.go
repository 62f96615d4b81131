package memstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-relay/core"
)

type item struct {
	value     []byte
	counter   int64
	expiresAt *time.Time
}

// KVStore is a process-local core.KVStore. A single mutex serializes every
// operation, which makes Increment and CompareAndSwap atomic.
type KVStore struct {
	mu    sync.Mutex
	items map[string]item
	Now   func() time.Time
}

func NewKVStore() *KVStore {
	return &KVStore{
		items: map[string]item{},
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *KVStore) Get(_ context.Context, key string) (core.KVEntry, error) {
	if s == nil {
		return core.KVEntry{}, fmt.Errorf("memstore: store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.liveLocked(key)
	if !ok {
		return core.KVEntry{}, core.ErrKeyNotFound
	}
	return toEntry(key, current), nil
}

func (s *KVStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil {
		return fmt.Errorf("memstore: store is nil")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("memstore: key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = item{value: copyBytes(value), expiresAt: s.expiry(ttl)}
	return nil
}

func (s *KVStore) List(_ context.Context, prefix string) ([]string, error) {
	if s == nil {
		return nil, fmt.Errorf("memstore: store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	keys := make([]string, 0)
	for key, current := range s.items {
		if !strings.HasPrefix(key, prefix) || expired(current, now) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *KVStore) Delete(_ context.Context, key string) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("memstore: store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveLocked(key); !ok {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

func (s *KVStore) CompareAndSwap(
	_ context.Context,
	key string,
	expected []byte,
	next []byte,
	ttl time.Duration,
) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("memstore: store is nil")
	}
	if strings.TrimSpace(key) == "" {
		return false, fmt.Errorf("memstore: key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.liveLocked(key)
	switch {
	case expected == nil && ok:
		return false, nil
	case expected != nil && (!ok || !bytes.Equal(current.value, expected)):
		return false, nil
	}
	s.items[key] = item{value: copyBytes(next), counter: current.counter, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *KVStore) Increment(_ context.Context, key string, delta int64) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("memstore: store is nil")
	}
	if strings.TrimSpace(key) == "" {
		return 0, fmt.Errorf("memstore: key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, _ := s.liveLocked(key)
	next, err := core.AddCounter(current.counter, delta)
	if err != nil {
		return current.counter, fmt.Errorf("memstore: increment %s: %w", key, err)
	}
	s.items[key] = withCounter(current, next)
	return next, nil
}

// IncrementAll stages every delta under one lock and commits only when all of
// them fit, so a failing step leaves every counter untouched.
func (s *KVStore) IncrementAll(_ context.Context, deltas []core.CounterDelta) ([]int64, error) {
	if s == nil {
		return nil, fmt.Errorf("memstore: store is nil")
	}
	for _, delta := range deltas {
		if strings.TrimSpace(delta.Key) == "" {
			return nil, fmt.Errorf("memstore: key is required")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]item, len(deltas))
	started := make(map[string]int64, len(deltas))
	results := make([]int64, len(deltas))
	for i, delta := range deltas {
		if delta.FirstOf != "" {
			if before, ok := started[delta.FirstOf]; !ok || before != 0 {
				continue
			}
		}
		current, ok := staged[delta.Key]
		if !ok {
			current, _ = s.liveLocked(delta.Key)
			started[delta.Key] = current.counter
		}
		next, err := core.AddCounter(current.counter, delta.Delta)
		if err != nil {
			return nil, fmt.Errorf("memstore: increment %s: %w", delta.Key, err)
		}
		staged[delta.Key] = withCounter(current, next)
		results[i] = next
	}
	for key, current := range staged {
		s.items[key] = current
	}
	return results, nil
}

// PurgeExpired removes and returns every expired key under prefix.
func (s *KVStore) PurgeExpired(_ context.Context, prefix string) ([]core.KVEntry, error) {
	if s == nil {
		return nil, fmt.Errorf("memstore: store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	purged := make([]core.KVEntry, 0)
	for key, current := range s.items {
		if !strings.HasPrefix(key, prefix) || !expired(current, now) {
			continue
		}
		purged = append(purged, toEntry(key, current))
		delete(s.items, key)
	}
	sort.Slice(purged, func(i, j int) bool { return purged[i].Key < purged[j].Key })
	return purged, nil
}

func (s *KVStore) liveLocked(key string) (item, bool) {
	current, ok := s.items[key]
	if !ok || expired(current, s.now()) {
		return item{}, false
	}
	return current, true
}

func (s *KVStore) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	at := s.now().Add(ttl)
	return &at
}

func (s *KVStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func expired(current item, now time.Time) bool {
	return current.expiresAt != nil && !now.Before(*current.expiresAt)
}

func toEntry(key string, current item) core.KVEntry {
	entry := core.KVEntry{
		Key:     key,
		Value:   copyBytes(current.value),
		Counter: current.counter,
	}
	if current.expiresAt != nil {
		at := *current.expiresAt
		entry.ExpiresAt = &at
	}
	return entry
}

func withCounter(current item, counter int64) item {
	current.counter = counter
	current.value = []byte(strconv.FormatInt(counter, 10))
	return current
}

func copyBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

var _ core.KVStore = (*KVStore)(nil)
