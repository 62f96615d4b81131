package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goliatone/go-relay/core"
)

var ErrSweepInProgress = errors.New("delivery: sweep already in progress")

// Attempter is the part of Client the sweeper needs.
type Attempter interface {
	Attempt(ctx context.Context, target string, path string, payload []byte) (AttemptResult, error)
}

// Sweeper drains the retry queue. It talks to the rest of the system only
// through the shared store.
type Sweeper struct {
	queue     *RetryQueue
	attempter Attempter
	store     core.KVStore
	policy    RetryPolicy
	observer  core.Observer
	batchSize int
	interval  time.Duration
	now       func() time.Time
	running   sync.Mutex
}

type SweeperOption func(*Sweeper)

func WithSweepObserver(observer core.Observer) SweeperOption {
	return func(s *Sweeper) {
		s.observer = observer
	}
}

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) SweeperOption {
	return func(s *Sweeper) {
		if policy != nil {
			s.policy = policy
		}
	}
}

func NewSweeper(cfg core.SweepConfig, store core.KVStore, queue *RetryQueue, attempter Attempter, opts ...SweeperOption) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = core.DefaultSweepInterval
	}
	sweeper := &Sweeper{
		queue:     queue,
		attempter: attempter,
		store:     store,
		policy:    NewRetryPolicy(cfg),
		observer:  core.NewObserver(nil, nil),
		batchSize: cfg.BatchSize,
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sweeper)
		}
	}
	return sweeper
}

// Sweep purges expired entries, then attempts every due entry once. Only one
// sweep runs at a time per process.
func (s *Sweeper) Sweep(ctx context.Context) (report core.SweepReport, err error) {
	if !s.running.TryLock() {
		return core.SweepReport{}, ErrSweepInProgress
	}
	defer s.running.Unlock()

	startedAt := time.Now()
	defer func() {
		s.observer.Observe(ctx, startedAt, "sweep", err, map[string]any{
			"scanned":   report.Scanned,
			"attempted": report.Attempted,
			"delivered": report.Delivered,
			"failed":    report.Failed,
			"skipped":   report.Skipped,
			"expired":   report.Expired,
		})
	}()

	expired, err := s.queue.PurgeExpired(ctx)
	if err != nil {
		return report, err
	}
	for _, entry := range expired {
		report.Expired++
		s.reportExpired(ctx, entry)
	}

	keys, err := s.queue.Keys(ctx)
	if err != nil {
		return report, err
	}
	report.Scanned = len(keys)

	for _, key := range keys {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if s.batchSize > 0 && report.Attempted >= s.batchSize {
			report.Skipped++
			continue
		}
		entry, raw, loadErr := s.queue.Load(ctx, key)
		if errors.Is(loadErr, core.ErrKeyNotFound) {
			continue
		}
		if loadErr != nil {
			s.observer.Warn(ctx, "retry entry unreadable", map[string]any{"queue_key": key, "error": loadErr.Error()})
			report.Skipped++
			continue
		}
		if !entry.Due(s.now()) {
			report.Skipped++
			continue
		}
		s.attemptEntry(ctx, entry, raw, &report)
	}
	return report, nil
}

func (s *Sweeper) attemptEntry(ctx context.Context, entry core.RetryEntry, raw []byte, report *core.SweepReport) {
	_, attemptErr := s.attempter.Attempt(ctx, entry.Target, entry.Path, entry.Payload)
	if attemptErr != nil && Deferred(attemptErr) {
		report.Skipped++
		return
	}
	report.Attempted++

	if attemptErr == nil {
		deleted, err := s.queue.Remove(ctx, entry.Key)
		if err != nil {
			s.observer.Error(ctx, "retry entry delete failed", map[string]any{"queue_key": entry.Key, "error": err.Error()})
			return
		}
		// A concurrent sweep that already removed the entry owns the count.
		if !deleted {
			return
		}
		report.Delivered++
		s.observer.Count(ctx, "relay.retry.redelivered", 1, map[string]string{"target": entry.Target})
		s.bumpStat(ctx, core.StatRetryRedelivered)
		return
	}

	report.Failed++
	now := s.now()
	next := now.Add(s.policy.NextDelay(entry.Attempts + 1))
	entry.Attempts++
	entry.LastError = attemptErr.Error()
	entry.NextAttemptAt = &next
	if _, err := s.queue.Reschedule(ctx, entry, raw); err != nil {
		s.observer.Error(ctx, "retry entry reschedule failed", map[string]any{"queue_key": entry.Key, "error": err.Error()})
	}
}

// reportExpired makes TTL loss visible. The event itself stays in the event
// store and can be replayed from there.
func (s *Sweeper) reportExpired(ctx context.Context, entry core.RetryEntry) {
	s.observer.Warn(ctx, "retry entry expired", map[string]any{
		"queue_key":   entry.Key,
		"target":      entry.Target,
		"path":        entry.Path,
		"event_id":    entry.EventID,
		"attempts":    entry.Attempts,
		"last_error":  entry.LastError,
		"enqueued_at": entry.EnqueuedAt,
	})
	s.observer.Count(ctx, "relay.retry.expired", 1, map[string]string{"target": entry.Target})
	s.bumpStat(ctx, core.StatRetryExpired)
}

func (s *Sweeper) bumpStat(ctx context.Context, name string) {
	if err := core.IncrementStat(ctx, s.store, name); err != nil {
		s.observer.Warn(ctx, "stats counter update failed", map[string]any{"stat": name, "error": err.Error()})
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) && ctx.Err() == nil {
		s.observer.Error(ctx, "retry sweep failed", map[string]any{"error": err.Error()})
	}
}

var _ core.Sweeper = (*Sweeper)(nil)
