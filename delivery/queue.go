package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-relay/core"
)

// RetryQueue stores failed deliveries under queue:<target>:<nanos> in the
// shared store. Entries carry a fixed expiry; rewrites keep it.
type RetryQueue struct {
	store core.KVStore
	ttl   time.Duration
	now   func() time.Time
	last  atomic.Int64
}

func NewRetryQueue(store core.KVStore, ttl time.Duration) *RetryQueue {
	if ttl <= 0 {
		ttl = core.DefaultRetryTTL
	}
	return &RetryQueue{
		store: store,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the queue clock. Key uniqueness does not depend on it.
func (q *RetryQueue) WithClock(now func() time.Time) *RetryQueue {
	if now != nil {
		q.now = now
	}
	return q
}

// nextStamp returns a strictly increasing nanosecond stamp for this process.
func (q *RetryQueue) nextStamp() int64 {
	for {
		prev := q.last.Load()
		next := q.now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if q.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func (q *RetryQueue) Enqueue(ctx context.Context, req core.DeliveryRequest, cause error) (core.RetryEntry, error) {
	if q == nil || q.store == nil {
		return core.RetryEntry{}, fmt.Errorf("delivery: retry queue requires a store")
	}
	now := q.now().UTC()
	entry := core.RetryEntry{
		Key:        core.QueueKey(req.Target, q.nextStamp()),
		Target:     strings.TrimSpace(req.Target),
		Path:       req.Path,
		Payload:    jsonPayload(req.Payload),
		EventID:    req.EventID,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(q.ttl),
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return core.RetryEntry{}, fmt.Errorf("delivery: encode retry entry: %w", err)
	}
	if err := q.store.Put(ctx, entry.Key, encoded, q.ttl); err != nil {
		return core.RetryEntry{}, fmt.Errorf("delivery: enqueue retry entry: %w", err)
	}
	return entry, nil
}

func (q *RetryQueue) Keys(ctx context.Context) ([]string, error) {
	return q.store.List(ctx, core.KeyPrefixQueue)
}

// Load returns the entry and the raw bytes it was decoded from, for a later
// Reschedule compare-and-swap.
func (q *RetryQueue) Load(ctx context.Context, key string) (core.RetryEntry, []byte, error) {
	stored, err := q.store.Get(ctx, key)
	if err != nil {
		return core.RetryEntry{}, nil, err
	}
	entry, err := DecodeEntry(stored.Value)
	if err != nil {
		return core.RetryEntry{}, nil, err
	}
	entry.Key = key
	return entry, stored.Value, nil
}

// Reschedule rewrites entry with its remaining TTL. It returns false when the
// entry changed underneath (another sweeper won) or has no time left.
func (q *RetryQueue) Reschedule(ctx context.Context, entry core.RetryEntry, previous []byte) (bool, error) {
	remaining := entry.ExpiresAt.Sub(q.now())
	if remaining <= 0 {
		return false, nil
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("delivery: encode retry entry: %w", err)
	}
	return q.store.CompareAndSwap(ctx, entry.Key, previous, encoded, remaining)
}

func (q *RetryQueue) Remove(ctx context.Context, key string) (bool, error) {
	return q.store.Delete(ctx, key)
}

// PurgeExpired drops expired entries and returns what could be decoded from
// them.
func (q *RetryQueue) PurgeExpired(ctx context.Context) ([]core.RetryEntry, error) {
	purged, err := q.store.PurgeExpired(ctx, core.KeyPrefixQueue)
	if err != nil {
		return nil, err
	}
	entries := make([]core.RetryEntry, 0, len(purged))
	for _, stored := range purged {
		entry, decodeErr := DecodeEntry(stored.Value)
		if decodeErr != nil {
			entry = core.RetryEntry{}
		}
		entry.Key = stored.Key
		entries = append(entries, entry)
	}
	return entries, nil
}

func DecodeEntry(raw []byte) (core.RetryEntry, error) {
	var entry core.RetryEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return core.RetryEntry{}, fmt.Errorf("delivery: decode retry entry: %w", err)
	}
	return entry, nil
}

// jsonPayload keeps JSON bodies as-is and quotes anything else so the entry
// stays encodable.
func jsonPayload(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("{}")
	}
	if json.Valid(payload) {
		return append(json.RawMessage(nil), payload...)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}
