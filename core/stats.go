package core

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// IncrementStat bumps a stats counter. Stats are advisory so callers usually
// log the error instead of failing.
func IncrementStat(ctx context.Context, store KVStore, name string) error {
	if store == nil {
		return nil
	}
	_, err := store.Increment(ctx, StatKey(name), 1)
	return err
}

func readCounter(ctx context.Context, store KVStore, key string) (int64, error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return entry.Counter, nil
}

// ReadCounter returns the counter at key, treating a missing key as zero.
func ReadCounter(ctx context.Context, store KVStore, key string) (int64, error) {
	if store == nil {
		return 0, nil
	}
	return readCounter(ctx, store, key)
}

func collectStats(ctx context.Context, store KVStore) (Stats, error) {
	stats := Stats{Events: EventStats{ByKind: map[string]int64{}}}

	counters := []struct {
		name   string
		target *int64
	}{
		{StatEventsTotal, &stats.Events.Total},
		{StatDeliveryDelivered, &stats.Delivery.Delivered},
		{StatDeliveryQueued, &stats.Delivery.Queued},
		{StatRetryRedelivered, &stats.Delivery.Redelivered},
		{StatRetryExpired, &stats.Delivery.Expired},
	}
	for _, counter := range counters {
		value, err := readCounter(ctx, store, StatKey(counter.name))
		if err != nil {
			return Stats{}, err
		}
		*counter.target = value
	}

	kindPrefix := StatKey(StatEventsKindPrefix)
	kindKeys, err := store.List(ctx, kindPrefix)
	if err != nil {
		return Stats{}, err
	}
	sort.Strings(kindKeys)
	for _, key := range kindKeys {
		value, err := readCounter(ctx, store, key)
		if err != nil {
			return Stats{}, err
		}
		stats.Events.ByKind[strings.TrimPrefix(key, kindPrefix)] = value
	}

	queueKeys, err := store.List(ctx, KeyPrefixQueue)
	if err != nil {
		return Stats{}, err
	}
	stats.QueueDepth = len(queueKeys)
	return stats, nil
}
