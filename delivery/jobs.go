package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-relay/core"
)

const (
	SweepJobID     = "relay.retry.sweep"
	sweepJobScript = "relay/retry/sweep"
)

// SweepJobMessage builds the queue message for one sweep. Messages inside the
// same interval share an idempotency key so a busy queue collapses them.
func SweepJobMessage(now time.Time, interval time.Duration) *core.JobExecutionMessage {
	if interval <= 0 {
		interval = core.DefaultSweepInterval
	}
	bucket := now.UTC().Truncate(interval).Unix()
	return &core.JobExecutionMessage{
		JobID:          SweepJobID,
		ScriptPath:     sweepJobScript,
		Parameters:     map[string]any{"scheduled_at": now.UTC().Format(time.RFC3339)},
		IdempotencyKey: fmt.Sprintf("%s:%d", SweepJobID, bucket),
		DedupPolicy:    "drop",
	}
}

// Schedule enqueues a sweep job on every tick until ctx is done. It is the
// producer side for deployments that run sweeps on queue workers.
func (s *Sweeper) Schedule(ctx context.Context, enqueuer core.JobEnqueuer) error {
	if enqueuer == nil {
		return fmt.Errorf("delivery: job enqueuer is required")
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := enqueuer.Enqueue(ctx, SweepJobMessage(s.now(), s.interval)); err != nil && ctx.Err() == nil {
			s.observer.Error(ctx, "sweep job enqueue failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Consume runs sweeps for sweep jobs pulled from dequeuer. Other job ids are
// nacked to the dead letter queue.
func (s *Sweeper) Consume(ctx context.Context, dequeuer core.JobDequeuer) error {
	if dequeuer == nil {
		return fmt.Errorf("delivery: job dequeuer is required")
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		delivery, err := dequeuer.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if delivery == nil {
			continue
		}
		s.HandleJob(ctx, delivery)
	}
}

func (s *Sweeper) HandleJob(ctx context.Context, delivery core.JobDelivery) {
	msg := delivery.Message()
	if msg == nil || msg.JobID != SweepJobID {
		jobID := ""
		if msg != nil {
			jobID = msg.JobID
		}
		if err := delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: "unsupported job " + jobID}); err != nil {
			s.observer.Error(ctx, "job nack failed", map[string]any{"job_id": jobID, "error": err.Error()})
		}
		return
	}

	_, err := s.Sweep(ctx)
	switch {
	case err == nil, errors.Is(err, ErrSweepInProgress):
		// A sweep already running covers this job.
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			s.observer.Error(ctx, "job ack failed", map[string]any{"job_id": msg.JobID, "error": ackErr.Error()})
		}
	default:
		if nackErr := delivery.Nack(ctx, core.JobNackOptions{
			Delay:   s.interval,
			Requeue: true,
			Reason:  err.Error(),
		}); nackErr != nil {
			s.observer.Error(ctx, "job nack failed", map[string]any{"job_id": msg.JobID, "error": nackErr.Error()})
		}
	}
}
