package events

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-relay/core"
)

const eventCacheKeyPrefix = "go-relay::event::v1"

// CachedStore serves Get from a read-through cache. Events never change after
// Append, so there is nothing to invalidate.
type CachedStore struct {
	base  core.EventStore
	cache repositorycache.CacheService
}

func NewCachedStore(base core.EventStore, cacheService repositorycache.CacheService) (*CachedStore, error) {
	if base == nil {
		return nil, fmt.Errorf("events: base event store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("events: cache service is required")
	}
	return &CachedStore{base: base, cache: cacheService}, nil
}

func EventCacheKey(id string) string {
	return eventCacheKeyPrefix + "::" + url.PathEscape(strings.TrimSpace(id))
}

func (s *CachedStore) Append(ctx context.Context, event core.Event) (core.Event, error) {
	return s.base.Append(ctx, event)
}

func (s *CachedStore) Get(ctx context.Context, id string) (core.Event, error) {
	id = strings.TrimSpace(id)
	event, err := repositorycache.GetOrFetch(ctx, s.cache, EventCacheKey(id), func(ctx context.Context) (core.Event, error) {
		return s.base.Get(ctx, id)
	})
	if err != nil {
		return core.Event{}, err
	}
	return cloneEvent(event), nil
}

func (s *CachedStore) Recent(ctx context.Context, limit int) ([]core.Event, error) {
	return s.base.Recent(ctx, limit)
}

func cloneEvent(event core.Event) core.Event {
	cloned := event
	if event.Data != nil {
		cloned.Data = make(map[string]any, len(event.Data))
		for key, value := range event.Data {
			cloned.Data[key] = value
		}
	}
	return cloned
}

var _ core.EventStore = (*CachedStore)(nil)
