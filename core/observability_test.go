package core

import (
	"context"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type capturedHistogram struct {
	name  string
	value float64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   []capturedCounter
	histograms []capturedHistogram
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, capturedHistogram{name: name, value: value, tags: cloneTags(tags)})
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu       *sync.Mutex
	records  *[]capturedLog
	defaults map[string]any
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records, defaults: map[string]any{}}
}

func (l *captureLogger) WithFields(fields map[string]any) Logger {
	merged := cloneFieldMap(l.defaults)
	for key, value := range fields {
		merged[key] = value
	}
	return &captureLogger{mu: l.mu, records: l.records, defaults: merged}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return &captureLogger{mu: l.mu, records: l.records, defaults: cloneFieldMap(l.defaults)}
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := cloneFieldMap(l.defaults)
	for index := 0; index+1 < len(args); index += 2 {
		key, ok := args[index].(string)
		if !ok {
			continue
		}
		fields[key] = args[index+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) snapshot() []capturedLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := *l.records
	out := make([]capturedLog, len(items))
	copy(out, items)
	return out
}

func cloneFieldMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	output := make(map[string]any, len(input))
	for key, value := range input {
		output[key] = value
	}
	return output
}

func TestServiceObservability_IngestSuccess(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	svc, _, err := newTestService(DefaultConfig(),
		WithMetricsRecorder(metrics),
		WithLoggerProvider(stubLoggerProvider{logger: logger}),
		WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	_, err = svc.Ingest(context.Background(), IngestRequest{
		Kind: EventKindPlatformEvent,
		Body: []byte(`{"Id":"a1"}`),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if !hasCounter(metrics.counters, "relay.ingest.total", "success") {
		t.Fatalf("expected relay.ingest.total success counter")
	}
	if !hasHistogram(metrics.histograms, "relay.ingest.duration_ms", "success") {
		t.Fatalf("expected relay.ingest.duration_ms histogram")
	}
	records := logger.snapshot()
	if !hasLog(records, "info", "ingest succeeded", "ingest") {
		t.Fatalf("expected ingest succeeded structured log")
	}
	last := records[len(records)-1]
	if last.fields["event_id"] != "evt_1" || last.fields["target"] != "crm" {
		t.Fatalf("expected event and target fields, got %#v", last.fields)
	}
}

func TestServiceObservability_TriggerFailure(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	svc, _, err := newTestService(DefaultConfig(),
		WithMetricsRecorder(metrics),
		WithLoggerProvider(stubLoggerProvider{logger: logger}),
		WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	_, err = svc.Trigger(context.Background(), TriggerRequest{Target: "missing", Action: "sync"})
	if err == nil {
		t.Fatalf("expected trigger error for unknown target")
	}
	if !hasCounter(metrics.counters, "relay.trigger.total", "failure") {
		t.Fatalf("expected trigger failure counter")
	}
	if !hasLog(logger.snapshot(), "error", "trigger failed", "trigger") {
		t.Fatalf("expected trigger failure log")
	}
}

func TestObserver_TagsKnownFields(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	observer := NewObserver(newCaptureLogger(), metrics)

	observer.Observe(
		context.Background(),
		time.Now().Add(-10*time.Millisecond),
		"Retry Sweep",
		goerrors.New("target down", goerrors.CategoryExternal),
		map[string]any{"target": "crm", "status_code": 502, "attempts": 3},
	)

	if len(metrics.counters) != 1 {
		t.Fatalf("expected one counter, got %d", len(metrics.counters))
	}
	counter := metrics.counters[0]
	if counter.name != "relay.retry_sweep.total" {
		t.Fatalf("expected normalized operation name, got %q", counter.name)
	}
	if counter.tags["target"] != "crm" || counter.tags["status_code"] != "502" || counter.tags["status"] != "failure" {
		t.Fatalf("unexpected tags %#v", counter.tags)
	}
	if _, ok := counter.tags["attempts"]; ok {
		t.Fatalf("expected unbounded fields to stay out of metric tags")
	}
}

func TestObserver_NilCollaboratorsAreSafe(t *testing.T) {
	observer := Observer{}
	observer.Observe(context.Background(), time.Now(), "ingest", nil, nil)
	observer.Warn(context.Background(), "nothing to see", nil)

	if NewObserver(nil, nil).Metrics == nil {
		t.Fatalf("expected nop metrics recorder")
	}
}

func hasCounter(items []capturedCounter, name string, status string) bool {
	for _, item := range items {
		if item.name == name && item.tags["status"] == status {
			return true
		}
	}
	return false
}

func hasHistogram(items []capturedHistogram, name string, status string) bool {
	for _, item := range items {
		if item.name == name && item.tags["status"] == status {
			return true
		}
	}
	return false
}

func hasLog(items []capturedLog, level string, message string, eventType string) bool {
	for _, item := range items {
		if item.level != level {
			continue
		}
		if item.msg != message {
			continue
		}
		if item.fields["event_type"] == eventType {
			return true
		}
	}
	return false
}
