package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}

type testKVStore struct {
	mu      sync.Mutex
	entries map[string]KVEntry
}

func newTestKVStore() *testKVStore {
	return &testKVStore{entries: map[string]KVEntry{}}
}

func (s *testKVStore) Get(_ context.Context, key string) (KVEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return KVEntry{}, ErrKeyNotFound
	}
	return entry, nil
}

func (s *testKVStore) Put(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = KVEntry{Key: key, Value: append([]byte(nil), value...)}
	return nil
}

func (s *testKVStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := []string{}
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *testKVStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (s *testKVStore) CompareAndSwap(_ context.Context, key string, expected []byte, next []byte, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[key]
	if expected == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(current.Value, expected) {
		return false, nil
	}
	s.entries[key] = KVEntry{Key: key, Value: append([]byte(nil), next...)}
	return true, nil
}

func (s *testKVStore) Increment(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[key]
	entry.Key = key
	entry.Counter += delta
	s.entries[key] = entry
	return entry.Counter, nil
}

func (s *testKVStore) IncrementAll(ctx context.Context, deltas []CounterDelta) ([]int64, error) {
	results := make([]int64, len(deltas))
	for i, delta := range deltas {
		if delta.FirstOf != "" {
			continue
		}
		value, err := s.Increment(ctx, delta.Key, delta.Delta)
		if err != nil {
			return nil, err
		}
		results[i] = value
	}
	return results, nil
}

func (s *testKVStore) PurgeExpired(context.Context, string) ([]KVEntry, error) {
	return nil, nil
}

type testNormalizer struct {
	next int
}

func (n *testNormalizer) Normalize(kind EventKind, body []byte, receivedAt time.Time) Event {
	n.next++
	return Event{
		ID:         fmt.Sprintf("evt_%d", n.next),
		Kind:       kind,
		Object:     "Account",
		Action:     "update",
		Data:       map[string]any{"raw": string(body)},
		ReceivedAt: receivedAt,
	}
}

type testEventStore struct {
	events []Event
	err    error
}

func (s *testEventStore) Append(_ context.Context, event Event) (Event, error) {
	if s.err != nil {
		return Event{}, s.err
	}
	s.events = append(s.events, event)
	return event, nil
}

func (s *testEventStore) Get(_ context.Context, id string) (Event, error) {
	for _, event := range s.events {
		if event.ID == id {
			return event, nil
		}
	}
	return Event{}, ErrEventNotFound
}

func (s *testEventStore) Recent(_ context.Context, limit int) ([]Event, error) {
	out := []Event{}
	for index := len(s.events) - 1; index >= 0 && len(out) < limit; index-- {
		out = append(out, s.events[index])
	}
	return out, nil
}

type testRouter struct {
	target string
}

func (r testRouter) Route(Event) string {
	return r.target
}

type testDeliverer struct {
	requests []DeliveryRequest
	status   DeliveryStatus
	err      error
}

func (d *testDeliverer) Deliver(_ context.Context, req DeliveryRequest) (DeliveryResult, error) {
	d.requests = append(d.requests, req)
	if d.err != nil {
		return DeliveryResult{}, d.err
	}
	status := d.status
	if status == "" {
		status = DeliveryStatusDelivered
	}
	return DeliveryResult{Status: status, Target: req.Target, Path: req.Path, StatusCode: 200}, nil
}

type testVerifier struct {
	want string
}

func (v testVerifier) VerifyHeader(_ []byte, header string) error {
	if header == "" {
		return SignatureError(RelayErrorSignatureMalformed, "relay: signature header is missing")
	}
	if header != v.want {
		return SignatureError(RelayErrorSignatureMismatch, "relay: signature mismatch")
	}
	return nil
}

type testWebhookLog struct {
	seen map[string]bool
}

func (l *testWebhookLog) Record(_ context.Context, entry WebhookLogEntry) (bool, error) {
	if l.seen == nil {
		l.seen = map[string]bool{}
	}
	if l.seen[entry.EventID] {
		return false, nil
	}
	l.seen[entry.EventID] = true
	return true, nil
}

type testMeter struct {
	calls map[string]int64
}

func (m *testMeter) TrackUsage(_ context.Context, req UsageRequest) (UsageSnapshot, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return UsageSnapshot{}, BadInputError("agentId", "agentId is required")
	}
	if m.calls == nil {
		m.calls = map[string]int64{}
	}
	m.calls[req.AgentID]++
	return UsageSnapshot{AgentID: req.AgentID, Calls: m.calls[req.AgentID]}, nil
}

func (m *testMeter) Usage(_ context.Context, agentID string, period string) (UsageSnapshot, error) {
	if err := ValidatePeriod(period); err != nil {
		return UsageSnapshot{}, err
	}
	return UsageSnapshot{AgentID: agentID, Period: period, Calls: m.calls[agentID]}, nil
}

type testAggregator struct {
	modes []string
}

func (a *testAggregator) Overview(_ context.Context, period string) (BillingOverview, error) {
	a.modes = append(a.modes, OverviewModeAggregate)
	return BillingOverview{Period: period, Mode: OverviewModeAggregate}, nil
}

func (a *testAggregator) Scan(_ context.Context, period string) (BillingOverview, error) {
	a.modes = append(a.modes, OverviewModeScan)
	return BillingOverview{Period: period, Mode: OverviewModeScan}, nil
}

type testServiceParts struct {
	store      *testKVStore
	events     *testEventStore
	deliverer  *testDeliverer
	meter      *testMeter
	aggregator *testAggregator
	webhookLog *testWebhookLog
}

var errStoreDown = errors.New("store down")

func fixedNow() time.Time {
	return time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)
}

func newTestService(cfg Config, extra ...Option) (*Service, *testServiceParts, error) {
	parts := &testServiceParts{
		store:      newTestKVStore(),
		deliverer:  &testDeliverer{},
		meter:      &testMeter{},
		aggregator: &testAggregator{},
		webhookLog: &testWebhookLog{},
	}
	parts.events = &testEventStore{}
	opts := []Option{
		WithLogger(stubLogger{}),
		WithLoggerProvider(stubLoggerProvider{logger: stubLogger{}}),
		WithStore(parts.store),
		WithNormalizer(&testNormalizer{}),
		WithEventStore(parts.events),
		WithRouter(testRouter{target: "crm"}),
		WithDeliverer(parts.deliverer),
		WithUsageMeter(parts.meter),
		WithBillingAggregator(parts.aggregator),
		WithWebhookLog(parts.webhookLog),
		WithClock(fixedNow),
	}
	svc, err := NewService(cfg, append(opts, extra...)...)
	return svc, parts, err
}
