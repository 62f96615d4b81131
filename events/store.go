// Package events keeps the append-only, TTL-bounded log of accepted events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-relay/core"
)

// Store writes events under event:<id> in the shared store.
type Store struct {
	kv  core.KVStore
	ids core.IDGenerator
	ttl time.Duration
}

func NewStore(kv core.KVStore, ids core.IDGenerator, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = core.DefaultEventTTL
	}
	return &Store{kv: kv, ids: ids, ttl: ttl}
}

func (s *Store) Append(ctx context.Context, event core.Event) (core.Event, error) {
	if s == nil || s.kv == nil || s.ids == nil {
		return core.Event{}, fmt.Errorf("events: store is not configured")
	}
	event.ID = s.ids.NewID()
	if event.Data == nil {
		event.Data = map[string]any{}
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return core.Event{}, fmt.Errorf("events: encode event: %w", err)
	}
	if err := s.kv.Put(ctx, core.EventKey(event.ID), encoded, s.ttl); err != nil {
		return core.Event{}, fmt.Errorf("events: write event %s: %w", event.ID, err)
	}
	return event, nil
}

func (s *Store) Get(ctx context.Context, id string) (core.Event, error) {
	if s == nil || s.kv == nil {
		return core.Event{}, fmt.Errorf("events: store is not configured")
	}
	entry, err := s.kv.Get(ctx, core.EventKey(id))
	if errors.Is(err, core.ErrKeyNotFound) {
		return core.Event{}, fmt.Errorf("%w: %s", core.ErrEventNotFound, strings.TrimSpace(id))
	}
	if err != nil {
		return core.Event{}, err
	}
	return decodeEvent(entry.Value)
}

// Recent returns up to limit events, newest first. Snowflake ids sort by
// creation time, so ordering needs no secondary index.
func (s *Store) Recent(ctx context.Context, limit int) ([]core.Event, error) {
	if s == nil || s.kv == nil {
		return nil, fmt.Errorf("events: store is not configured")
	}
	keys, err := s.kv.List(ctx, core.KeyPrefixEvent)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, core.KeyPrefixEvent))
	}
	sort.Slice(ids, func(i, j int) bool { return newer(ids[i], ids[j]) })

	out := make([]core.Event, 0, min(limit, len(ids)))
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		event, err := s.Get(ctx, id)
		if errors.Is(err, core.ErrEventNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

func newer(a string, b string) bool {
	left, leftErr := strconv.ParseInt(a, 10, 64)
	right, rightErr := strconv.ParseInt(b, 10, 64)
	if leftErr == nil && rightErr == nil {
		return left > right
	}
	return a > b
}

func decodeEvent(raw []byte) (core.Event, error) {
	var event core.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return core.Event{}, fmt.Errorf("events: decode event: %w", err)
	}
	return event, nil
}

var _ core.EventStore = (*Store)(nil)
