package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// KVEntry is a single stored key. Value carries opaque payload bytes and
// Counter carries the atomic integer maintained by Increment.
type KVEntry struct {
	Key       string
	Value     []byte
	Counter   int64
	ExpiresAt *time.Time
}

func (e KVEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// KVStore is the only shared state in the system. Expired keys are invisible to
// Get and List; they stay physically present until PurgeExpired reports them.
type KVStore interface {
	Get(ctx context.Context, key string) (KVEntry, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) (bool, error)
	// CompareAndSwap replaces the value only when it currently equals expected.
	// A nil expected means "create only if absent".
	CompareAndSwap(ctx context.Context, key string, expected []byte, next []byte, ttl time.Duration) (bool, error)
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	// IncrementAll applies every delta in order as one unit: either all of
	// them land or none do. Results line up with deltas.
	IncrementAll(ctx context.Context, deltas []CounterDelta) ([]int64, error)
	PurgeExpired(ctx context.Context, prefix string) ([]KVEntry, error)
}

// CounterDelta is one step of an IncrementAll batch. When FirstOf names an
// earlier key of the same batch, the delta only applies if that key started
// the batch at zero; a skipped step reports 0.
type CounterDelta struct {
	Key     string
	Delta   int64
	FirstOf string
}

type Normalizer interface {
	Normalize(kind EventKind, body []byte, receivedAt time.Time) Event
}

// SignatureVerifier checks a raw body against a signature header value and
// returns a categorized error when it does not verify.
type SignatureVerifier interface {
	VerifyHeader(body []byte, header string) error
}

type EventStore interface {
	Append(ctx context.Context, event Event) (Event, error)
	Get(ctx context.Context, id string) (Event, error)
	Recent(ctx context.Context, limit int) ([]Event, error)
}

type Router interface {
	Route(event Event) string
}

// Deliverer returns an error only when a failed delivery could not be queued.
type Deliverer interface {
	Deliver(ctx context.Context, req DeliveryRequest) (DeliveryResult, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (SweepReport, error)
}

type UsageMeter interface {
	TrackUsage(ctx context.Context, req UsageRequest) (UsageSnapshot, error)
	Usage(ctx context.Context, agentID string, period string) (UsageSnapshot, error)
}

type BillingAggregator interface {
	Overview(ctx context.Context, period string) (BillingOverview, error)
	Scan(ctx context.Context, period string) (BillingOverview, error)
}

type WebhookLog interface {
	// Record stores the entry once; a replay returns false.
	Record(ctx context.Context, entry WebhookLogEntry) (bool, error)
}

type IDGenerator interface {
	NewID() string
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type TransportRequest struct {
	Method               string
	URL                  string
	Headers              map[string]string
	Body                 []byte
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type TransportAdapter interface {
	Kind() string
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

// ThrottleKey identifies a downstream bucket tracked by the rate-limit policy.
type ThrottleKey struct {
	Target    string
	BucketKey string
}

type ResponseMeta struct {
	StatusCode int
	Headers    map[string]string
	RetryAfter *time.Duration
	Metadata   map[string]any
}

type ThrottlePolicy interface {
	BeforeCall(ctx context.Context, key ThrottleKey) error
	AfterCall(ctx context.Context, key ThrottleKey, res ResponseMeta) error
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}
