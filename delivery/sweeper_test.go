package delivery

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/goliatone/go-relay/core"
)

func TestSweeper_RetryConvergence(t *testing.T) {
	ctx := context.Background()
	target := newDownstream(t, http.StatusServiceUnavailable)
	f := newFixture(t, target, core.BreakerConfig{})

	result, err := f.client.Deliver(ctx, core.DeliveryRequest{Target: "crm", Path: "/events", Payload: []byte(`{"n":1}`)})
	if err != nil || result.Status != core.DeliveryStatusQueued {
		t.Fatalf("expected queued delivery, got %+v %v", result, err)
	}

	report, err := f.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Attempted != 1 || report.Failed != 1 || report.Delivered != 0 {
		t.Fatalf("expected one failed attempt, got %+v", report)
	}
	entry, _, err := f.queue.Load(ctx, result.QueueKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if entry.Attempts != 1 || entry.LastError == "" || entry.NextAttemptAt == nil {
		t.Fatalf("expected rescheduled entry, got %+v", entry)
	}
	if !entry.NextAttemptAt.Equal(f.clock.Now().Add(10 * time.Second)) {
		t.Fatalf("expected first backoff of 10s, got %s", entry.NextAttemptAt.Sub(f.clock.Now()))
	}

	// Not yet due.
	report, _ = f.sweeper.Sweep(ctx)
	if report.Attempted != 0 || report.Skipped != 1 {
		t.Fatalf("expected entry to be skipped before it is due, got %+v", report)
	}

	target.status.Store(http.StatusOK)
	f.clock.Advance(11 * time.Second)
	report, err = f.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Delivered != 1 {
		t.Fatalf("expected redelivery, got %+v", report)
	}
	hitsAfterSuccess := target.hits.Load()

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		report, _ = f.sweeper.Sweep(ctx)
		if report.Scanned != 0 || report.Delivered != 0 {
			t.Fatalf("expected empty queue after success, got %+v", report)
		}
	}
	if target.hits.Load() != hitsAfterSuccess {
		t.Fatalf("expected no redelivery after success")
	}
	redelivered, _ := core.ReadCounter(ctx, f.store, core.StatKey(core.StatRetryRedelivered))
	if redelivered != 1 {
		t.Fatalf("expected one redelivery counted, got %d", redelivered)
	}
}

func TestSweeper_RescheduleKeepsRemainingTTL(t *testing.T) {
	ctx := context.Background()
	target := newDownstream(t, http.StatusInternalServerError)
	f := newFixture(t, target, core.BreakerConfig{})

	result, _ := f.client.Deliver(ctx, core.DeliveryRequest{Target: "crm", Path: "/", Payload: []byte(`{}`)})
	originalExpiry := f.clock.Now().Add(time.Hour)

	f.clock.Advance(20 * time.Minute)
	if _, err := f.sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	stored, err := f.store.Get(ctx, result.QueueKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.ExpiresAt == nil || !stored.ExpiresAt.Equal(originalExpiry) {
		t.Fatalf("expected expiry to stay %s, got %v", originalExpiry, stored.ExpiresAt)
	}
}

func TestSweeper_ExpiredEntriesAreReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, core.BreakerConfig{})

	if _, err := f.client.Deliver(ctx, core.DeliveryRequest{Target: "ghost", Path: "/", Payload: []byte(`{}`), EventID: "evt-9"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	f.clock.Advance(2 * time.Hour)

	report, err := f.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Expired != 1 || report.Scanned != 0 {
		t.Fatalf("expected one expired entry, got %+v", report)
	}
	if got := f.metrics.count("relay.retry.expired"); got != 1 {
		t.Fatalf("expected expiry metric, got %d", got)
	}
	expired, _ := core.ReadCounter(ctx, f.store, core.StatKey(core.StatRetryExpired))
	if expired != 1 {
		t.Fatalf("expected expiry stat, got %d", expired)
	}
}

type stubAttempter struct {
	attempt func(ctx context.Context, target string, path string, payload []byte) (AttemptResult, error)
}

func (s stubAttempter) Attempt(ctx context.Context, target string, path string, payload []byte) (AttemptResult, error) {
	return s.attempt(ctx, target, path, payload)
}

func TestSweeper_LostDeleteRaceIsNotCounted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, core.BreakerConfig{})
	entry, err := f.queue.Enqueue(ctx, core.DeliveryRequest{Target: "crm", Path: "/", Payload: []byte(`{}`)}, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sweeper := NewSweeper(core.SweepConfig{}, f.store, f.queue, stubAttempter{
		attempt: func(ctx context.Context, _ string, _ string, _ []byte) (AttemptResult, error) {
			// Another sweeper finishes the same entry first.
			_, _ = f.store.Delete(ctx, entry.Key)
			return AttemptResult{StatusCode: 200}, nil
		},
	}, WithSweepClock(f.clock.Now))

	report, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Attempted != 1 || report.Delivered != 0 {
		t.Fatalf("expected attempt without counted delivery, got %+v", report)
	}
}

func TestSweeper_IsSingleFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, core.BreakerConfig{})
	if _, err := f.queue.Enqueue(ctx, core.DeliveryRequest{Target: "crm", Payload: []byte(`{}`)}, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	sweeper := NewSweeper(core.SweepConfig{}, f.store, f.queue, stubAttempter{
		attempt: func(context.Context, string, string, []byte) (AttemptResult, error) {
			close(entered)
			<-release
			return AttemptResult{}, errors.New("still down")
		},
	}, WithSweepClock(f.clock.Now))

	done := make(chan error, 1)
	go func() {
		_, err := sweeper.Sweep(ctx)
		done <- err
	}()
	<-entered

	if _, err := sweeper.Sweep(ctx); !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("expected concurrent sweep to be rejected, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first sweep: %v", err)
	}
}

func TestSweeper_DeferredTargetsAreSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, core.BreakerConfig{})
	entry, _ := f.queue.Enqueue(ctx, core.DeliveryRequest{Target: "crm", Payload: []byte(`{}`)}, nil)

	sweeper := NewSweeper(core.SweepConfig{}, f.store, f.queue, stubAttempter{
		attempt: func(context.Context, string, string, []byte) (AttemptResult, error) {
			return AttemptResult{}, ErrCircuitOpen
		},
	}, WithSweepClock(f.clock.Now))

	report, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Skipped != 1 || report.Attempted != 0 {
		t.Fatalf("expected deferred entry to be skipped, got %+v", report)
	}
	stored, _, _ := f.queue.Load(ctx, entry.Key)
	if stored.Attempts != 0 {
		t.Fatalf("expected attempts to stay 0, got %d", stored.Attempts)
	}
}

type stubJobDelivery struct {
	msg    *core.JobExecutionMessage
	acked  bool
	nacked *core.JobNackOptions
}

func (d *stubJobDelivery) Message() *core.JobExecutionMessage { return d.msg }

func (d *stubJobDelivery) Ack(context.Context) error {
	d.acked = true
	return nil
}

func (d *stubJobDelivery) Nack(_ context.Context, opts core.JobNackOptions) error {
	d.nacked = &opts
	return nil
}

func TestSweeper_HandleJob(t *testing.T) {
	f := newFixture(t, nil, core.BreakerConfig{})

	sweepJob := &stubJobDelivery{msg: SweepJobMessage(f.clock.Now(), time.Minute)}
	f.sweeper.HandleJob(context.Background(), sweepJob)
	if !sweepJob.acked {
		t.Fatalf("expected sweep job to be acked")
	}

	other := &stubJobDelivery{msg: &core.JobExecutionMessage{JobID: "something.else"}}
	f.sweeper.HandleJob(context.Background(), other)
	if other.nacked == nil || !other.nacked.DeadLetter {
		t.Fatalf("expected unknown job to be dead lettered, got %+v", other.nacked)
	}
}

func TestSweepJobMessage_SharesKeyWithinInterval(t *testing.T) {
	base := time.Date(2026, 4, 1, 10, 0, 5, 0, time.UTC)
	first := SweepJobMessage(base, time.Minute)
	second := SweepJobMessage(base.Add(30*time.Second), time.Minute)
	third := SweepJobMessage(base.Add(70*time.Second), time.Minute)
	if first.IdempotencyKey != second.IdempotencyKey {
		t.Fatalf("expected same key inside an interval")
	}
	if first.IdempotencyKey == third.IdempotencyKey {
		t.Fatalf("expected a new key for the next interval")
	}
}
