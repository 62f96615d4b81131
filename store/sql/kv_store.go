package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-relay/core"
)

const (
	liveCondition = "(?TableAlias.expires_at IS NULL OR ?TableAlias.expires_at > ?)"

	createIfAbsentSQL = `INSERT INTO relay_kv (id, entry_key, value, counter, expires_at, created_at, updated_at)
VALUES (?, ?, ?, 0, ?, ?, ?)
ON CONFLICT (entry_key) DO UPDATE SET
	value = excluded.value,
	counter = 0,
	expires_at = excluded.expires_at,
	updated_at = excluded.updated_at
WHERE relay_kv.expires_at IS NOT NULL AND relay_kv.expires_at <= ?`

	replaceIfEqualSQL = `UPDATE relay_kv
SET value = ?, expires_at = ?, updated_at = ?
WHERE entry_key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?)`

	incrementSQL = `INSERT INTO relay_kv (id, entry_key, counter, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (entry_key) DO UPDATE SET
	counter = CASE WHEN relay_kv.expires_at IS NULL OR relay_kv.expires_at > ?
		THEN relay_kv.counter + excluded.counter ELSE excluded.counter END,
	value = CASE WHEN relay_kv.expires_at IS NULL OR relay_kv.expires_at > ?
		THEN relay_kv.value ELSE NULL END,
	expires_at = CASE WHEN relay_kv.expires_at IS NULL OR relay_kv.expires_at > ?
		THEN relay_kv.expires_at ELSE NULL END,
	updated_at = excluded.updated_at
WHERE (relay_kv.expires_at IS NOT NULL AND relay_kv.expires_at <= ?)
	OR relay_kv.counter BETWEEN ? AND ?
RETURNING counter`

	purgeExpiredSQL = `DELETE FROM relay_kv
WHERE substr(entry_key, 1, ?) = ? AND expires_at IS NOT NULL AND expires_at <= ?
RETURNING id, entry_key, value, counter, expires_at, created_at, updated_at`
)

// KVStore is a core.KVStore backed by the relay_kv table. Increment and
// CompareAndSwap are single statements, so they stay atomic under
// concurrent writers on both Postgres and SQLite.
type KVStore struct {
	db   *bun.DB
	repo repository.Repository[*kvRecord]
	Now  func() time.Time
}

func NewKVStore(db *bun.DB) (*KVStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*kvRecord](db, kvHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid kv repository wiring: %w", err)
		}
	}
	return &KVStore{
		db:   db,
		repo: repo,
		Now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *KVStore) Get(ctx context.Context, key string) (core.KVEntry, error) {
	if err := s.ready(); err != nil {
		return core.KVEntry{}, err
	}
	now := s.now()
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("entry_key", "=", key),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where(liveCondition, now)
		}),
	)
	if err != nil {
		return core.KVEntry{}, err
	}
	if len(records) == 0 {
		return core.KVEntry{}, core.ErrKeyNotFound
	}
	return records[0].toEntry(), nil
}

func (s *KVStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("sqlstore: key is required")
	}
	now := s.now()
	record := &kvRecord{
		ID:        uuid.NewString(),
		Key:       key,
		Value:     value,
		ExpiresAt: expiry(now, ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (entry_key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("counter = 0").
		Set("expires_at = EXCLUDED.expires_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *KVStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var records []kvRecord
	err := s.db.NewSelect().
		Model(&records).
		Column("entry_key").
		Where("substr(?TableAlias.entry_key, 1, ?) = ?", prefixLength(prefix), prefix).
		Where(liveCondition, s.now()).
		OrderExpr("?TableAlias.entry_key ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(records))
	for _, record := range records {
		keys = append(keys, record.Key)
	}
	return keys, nil
}

func (s *KVStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	res, err := s.db.NewDelete().
		Model((*kvRecord)(nil)).
		Where("?TableAlias.entry_key = ?", key).
		Where(liveCondition, s.now()).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *KVStore) CompareAndSwap(
	ctx context.Context,
	key string,
	expected []byte,
	next []byte,
	ttl time.Duration,
) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if strings.TrimSpace(key) == "" {
		return false, fmt.Errorf("sqlstore: key is required")
	}
	now := s.now()
	expiresAt := nullableTime(expiry(now, ttl))
	if next == nil {
		next = []byte{}
	}

	var (
		query string
		args  []any
	)
	if expected == nil {
		// An expired row counts as absent and is overwritten in place.
		query = createIfAbsentSQL
		args = []any{uuid.NewString(), key, next, expiresAt, now, now, now}
	} else {
		query = replaceIfEqualSQL
		args = []any{next, expiresAt, now, key, expected, now}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *KVStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(key) == "" {
		return 0, fmt.Errorf("sqlstore: key is required")
	}
	return incrementIn(ctx, s.db, key, delta, s.now())
}

// IncrementAll runs every step in one transaction. Any failure, overflow
// included, rolls the whole batch back.
func (s *KVStore) IncrementAll(ctx context.Context, deltas []core.CounterDelta) ([]int64, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	for _, delta := range deltas {
		if strings.TrimSpace(delta.Key) == "" {
			return nil, fmt.Errorf("sqlstore: key is required")
		}
	}
	now := s.now()
	results := make([]int64, len(deltas))
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		started := make(map[string]int64, len(deltas))
		for i, delta := range deltas {
			if delta.FirstOf != "" {
				if before, ok := started[delta.FirstOf]; !ok || before != 0 {
					results[i] = 0
					continue
				}
			}
			counter, err := incrementIn(ctx, tx, delta.Key, delta.Delta, now)
			if err != nil {
				return err
			}
			if _, seen := started[delta.Key]; !seen {
				started[delta.Key] = counter - delta.Delta
			}
			results[i] = counter
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// incrementIn applies one delta. The conflict branch only updates a live row
// whose counter stays in range, so an overflowing delta returns no row.
func incrementIn(ctx context.Context, db bun.IDB, key string, delta int64, now time.Time) (int64, error) {
	low, high := int64(math.MinInt64), int64(math.MaxInt64)
	if delta > 0 {
		high -= delta
	} else {
		low -= delta
	}
	var counter int64
	err := db.NewRaw(incrementSQL, uuid.NewString(), key, delta, now, now, now, now, now, now, low, high).Scan(ctx, &counter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sqlstore: increment %s: %w", key, core.ErrCounterOverflow)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlstore: increment %s: %w", key, err)
	}
	return counter, nil
}

// PurgeExpired deletes expired rows under prefix and returns what it removed.
// Concurrent purges never report the same row twice.
func (s *KVStore) PurgeExpired(ctx context.Context, prefix string) ([]core.KVEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var records []kvRecord
	if err := s.db.NewRaw(purgeExpiredSQL, prefixLength(prefix), prefix, s.now()).Scan(ctx, &records); err != nil {
		return nil, err
	}
	entries := make([]core.KVEntry, 0, len(records))
	for i := range records {
		entries = append(entries, records[i].toEntry())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *KVStore) ready() error {
	if s == nil || s.db == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: kv store is not configured")
	}
	return nil
}

func (s *KVStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *kvRecord) toEntry() core.KVEntry {
	entry := core.KVEntry{
		Key:     r.Key,
		Value:   append([]byte(nil), r.Value...),
		Counter: r.Counter,
	}
	// Counter rows carry no value of their own.
	if len(entry.Value) == 0 && r.Counter != 0 {
		entry.Value = []byte(strconv.FormatInt(r.Counter, 10))
	}
	if r.ExpiresAt != nil {
		at := r.ExpiresAt.UTC()
		entry.ExpiresAt = &at
	}
	return entry
}

func expiry(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	at := now.Add(ttl)
	return &at
}

func nullableTime(at *time.Time) any {
	if at == nil {
		return nil
	}
	return *at
}

// prefixLength is in characters, matching substr on both dialects. LIKE is
// avoided because SQLite folds ASCII case.
func prefixLength(prefix string) int {
	return utf8.RuneCountInString(prefix)
}

