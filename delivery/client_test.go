package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/ratelimit"
	memstore "github.com/goliatone/go-relay/store/memory"
	"github.com/goliatone/go-relay/transport"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type downstream struct {
	server *httptest.Server
	status atomic.Int32
	hits   atomic.Int32
	header map[string]string
}

func newDownstream(t *testing.T, status int) *downstream {
	t.Helper()
	d := &downstream{header: map[string]string{}}
	d.status.Store(int32(status))
	d.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.hits.Add(1)
		for key, value := range d.header {
			w.Header().Set(key, value)
		}
		w.WriteHeader(int(d.status.Load()))
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(d.server.Close)
	return d
}

type fixture struct {
	clock   *testClock
	store   *memstore.KVStore
	queue   *RetryQueue
	client  *Client
	sweeper *Sweeper
	metrics *recordingMetrics
}

func newFixture(t *testing.T, target *downstream, breaker core.BreakerConfig, opts ...ClientOption) *fixture {
	t.Helper()
	clock := newTestClock()
	store := memstore.NewKVStore()
	store.Now = clock.Now
	queue := NewRetryQueue(store, time.Hour).WithClock(clock.Now)
	metrics := &recordingMetrics{}
	observer := core.NewObserver(nil, metrics)

	targets := map[string]string{}
	if target != nil {
		targets["crm"] = target.server.URL
	}
	client := NewClient(core.DeliveryConfig{
		Timeout: 2 * time.Second,
		Targets: targets,
		Breaker: breaker,
	}, transport.NewRESTAdapter(http.DefaultClient), queue, append([]ClientOption{WithObserver(observer)}, opts...)...)

	sweeper := NewSweeper(core.SweepConfig{
		Interval:       time.Minute,
		InitialBackoff: 10 * time.Second,
		MaxBackoff:     time.Minute,
	}, store, queue, client, WithSweepClock(clock.Now), WithSweepObserver(observer))

	return &fixture{clock: clock, store: store, queue: queue, client: client, sweeper: sweeper, metrics: metrics}
}

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
}

func (m *recordingMetrics) IncCounter(_ context.Context, name string, value int64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = map[string]int64{}
	}
	m.counters[name] += value
}

func (m *recordingMetrics) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func (m *recordingMetrics) count(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func TestClient_DeliverSuccess(t *testing.T) {
	target := newDownstream(t, http.StatusOK)
	f := newFixture(t, target, core.BreakerConfig{})

	result, err := f.client.Deliver(context.Background(), core.DeliveryRequest{
		Target:  "crm",
		Path:    "/events",
		Payload: []byte(`{"id":"1"}`),
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !result.Delivered() || result.StatusCode != http.StatusOK {
		t.Fatalf("expected delivered 200, got %+v", result)
	}
	if result.Response != `{"path":"/events"}` {
		t.Fatalf("expected response body, got %q", result.Response)
	}
	keys, _ := f.queue.Keys(context.Background())
	if len(keys) != 0 {
		t.Fatalf("expected empty queue, got %v", keys)
	}
}

func TestClient_DeliverFailureQueuesEntry(t *testing.T) {
	target := newDownstream(t, http.StatusBadGateway)
	f := newFixture(t, target, core.BreakerConfig{})

	result, err := f.client.Deliver(context.Background(), core.DeliveryRequest{
		Target:  "crm",
		Path:    "/events",
		Payload: []byte(`{"id":"1"}`),
		EventID: "evt-1",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if result.Status != core.DeliveryStatusQueued || !strings.HasPrefix(result.QueueKey, "queue:crm:") {
		t.Fatalf("expected queued result, got %+v", result)
	}

	entry, _, err := f.queue.Load(context.Background(), result.QueueKey)
	if err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.Target != "crm" || entry.Path != "/events" || string(entry.Payload) != `{"id":"1"}` || entry.EventID != "evt-1" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.Attempts != 0 || !entry.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)) {
		t.Fatalf("expected fresh entry with 1h expiry, got %+v", entry)
	}
	stored, _ := f.store.Get(context.Background(), result.QueueKey)
	if stored.ExpiresAt == nil || !stored.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)) {
		t.Fatalf("expected store ttl of 1h, got %v", stored.ExpiresAt)
	}
}

func TestClient_UnknownTargetIsQueued(t *testing.T) {
	f := newFixture(t, nil, core.BreakerConfig{})
	result, err := f.client.Deliver(context.Background(), core.DeliveryRequest{Target: "ghost", Path: "/x", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if result.Status != core.DeliveryStatusQueued || !strings.Contains(result.Error, "unknown target") {
		t.Fatalf("expected queued unknown target, got %+v", result)
	}
}

type failingStore struct {
	*memstore.KVStore
}

func (failingStore) Put(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}

func TestClient_DeliverReturnsErrorOnlyWhenQueueFails(t *testing.T) {
	queue := NewRetryQueue(failingStore{memstore.NewKVStore()}, time.Hour)
	client := NewClient(core.DeliveryConfig{}, transport.NewRESTAdapter(nil), queue)
	_, err := client.Deliver(context.Background(), core.DeliveryRequest{Target: "ghost", Payload: []byte(`{}`)})
	if err == nil || !strings.Contains(err.Error(), "store down") {
		t.Fatalf("expected enqueue failure, got %v", err)
	}
}

func TestClient_BreakerOpensPerTarget(t *testing.T) {
	target := newDownstream(t, http.StatusInternalServerError)
	f := newFixture(t, target, core.BreakerConfig{
		Enabled:          true,
		MinRequests:      2,
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
	})

	for i := 0; i < 2; i++ {
		if _, err := f.client.Attempt(context.Background(), "crm", "/", []byte(`{}`)); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}
	_, err := f.client.Attempt(context.Background(), "crm", "/", []byte(`{}`))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if !Deferred(err) {
		t.Fatalf("expected open circuit to count as deferred")
	}
	if hits := target.hits.Load(); hits != 2 {
		t.Fatalf("expected downstream to be hit twice, got %d", hits)
	}
}

func TestClient_ThrottledTargetIsDeferred(t *testing.T) {
	target := newDownstream(t, http.StatusTooManyRequests)
	target.header["Retry-After"] = "60"
	policy := ratelimit.NewAdaptivePolicy(ratelimit.NewMemoryStateStore())
	f := newFixture(t, target, core.BreakerConfig{}, WithThrottlePolicy(policy))

	result, err := f.client.Deliver(context.Background(), core.DeliveryRequest{Target: "crm", Path: "/", Payload: []byte(`{}`)})
	if err != nil || result.Status != core.DeliveryStatusQueued {
		t.Fatalf("expected queued result, got %+v %v", result, err)
	}

	_, err = f.client.Attempt(context.Background(), "crm", "/", []byte(`{}`))
	var throttled ratelimit.ThrottledError
	if !errors.As(err, &throttled) || !Deferred(err) {
		t.Fatalf("expected throttled error, got %v", err)
	}
	if hits := target.hits.Load(); hits != 1 {
		t.Fatalf("expected throttled attempt not to reach downstream, got %d hits", hits)
	}
}

func TestRetryQueue_KeysAreUniqueAndOrdered(t *testing.T) {
	fixed := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	queue := NewRetryQueue(memstore.NewKVStore(), time.Hour).WithClock(func() time.Time { return fixed })

	var wg sync.WaitGroup
	keys := make([]string, 200)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := queue.Enqueue(context.Background(), core.DeliveryRequest{Target: "crm", Payload: []byte(`{}`)}, nil)
			if err != nil {
				t.Errorf("enqueue: %v", err)
				return
			}
			keys[i] = entry.Key
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, key := range keys {
		if seen[key] {
			t.Fatalf("duplicate key %s", key)
		}
		seen[key] = true
	}
	listed, _ := queue.Keys(context.Background())
	if len(listed) != len(keys) {
		t.Fatalf("expected %d keys, got %d", len(keys), len(listed))
	}
	for i := 1; i < len(listed); i++ {
		if listed[i-1] >= listed[i] {
			t.Fatalf("expected strictly increasing keys, got %s then %s", listed[i-1], listed[i])
		}
	}
}
