package cli

import (
	"context"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

// localQueue is a single-process go-job queue for sweep jobs. Jobs dropped by
// the drop dedup policy while one with the same idempotency key is pending
// are discarded.
type localQueue struct {
	ch   chan *job.ExecutionMessage
	hook worker.Hook

	mu      sync.Mutex
	pending map[string]bool
	dead    []*job.ExecutionMessage
}

func newLocalQueue(capacity int, hook worker.Hook) *localQueue {
	if capacity <= 0 {
		capacity = 16
	}
	return &localQueue{
		ch:      make(chan *job.ExecutionMessage, capacity),
		hook:    hook,
		pending: map[string]bool{},
	}
}

func (q *localQueue) Enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if msg == nil {
		return nil
	}
	key := msg.IdempotencyKey
	q.mu.Lock()
	if key != "" && q.pending[key] {
		q.mu.Unlock()
		return nil
	}
	if key != "" {
		q.pending[key] = true
	}
	q.mu.Unlock()

	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		q.release(key)
		return ctx.Err()
	}
}

func (q *localQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	select {
	case msg := <-q.ch:
		delivery := &localDelivery{queue: q, msg: msg, startedAt: time.Now()}
		if q.hook != nil {
			q.hook.OnStart(ctx, worker.Event{Delivery: delivery, Message: msg, StartedAt: delivery.startedAt})
		}
		return delivery, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *localQueue) release(key string) {
	if key == "" {
		return
	}
	q.mu.Lock()
	delete(q.pending, key)
	q.mu.Unlock()
}

func (q *localQueue) deadLetters() []*job.ExecutionMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*job.ExecutionMessage(nil), q.dead...)
}

type localDelivery struct {
	queue     *localQueue
	msg       *job.ExecutionMessage
	attempt   int
	startedAt time.Time
}

func (d *localDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

func (d *localDelivery) Ack(ctx context.Context) error {
	d.queue.release(d.msg.IdempotencyKey)
	if d.queue.hook != nil {
		d.queue.hook.OnSuccess(ctx, d.event(nil, 0))
	}
	return nil
}

func (d *localDelivery) Nack(ctx context.Context, opts queue.NackOptions) error {
	d.attempt++
	var reason error
	if opts.Reason != "" {
		reason = nackReason(opts.Reason)
	}
	if opts.DeadLetter || !opts.Requeue {
		d.queue.release(d.msg.IdempotencyKey)
		d.queue.mu.Lock()
		d.queue.dead = append(d.queue.dead, d.msg)
		d.queue.mu.Unlock()
		if d.queue.hook != nil {
			d.queue.hook.OnFailure(ctx, d.event(reason, 0))
		}
		return nil
	}
	if d.queue.hook != nil {
		d.queue.hook.OnRetry(ctx, d.event(reason, opts.Delay))
	}
	go func(msg *job.ExecutionMessage, delay time.Duration) {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			d.queue.ch <- msg
		case <-ctx.Done():
			d.queue.release(msg.IdempotencyKey)
		}
	}(d.msg, opts.Delay)
	return nil
}

func (d *localDelivery) event(err error, delay time.Duration) worker.Event {
	return worker.Event{
		Delivery:  d,
		Message:   d.msg,
		Attempt:   d.attempt,
		Delay:     delay,
		Err:       err,
		StartedAt: d.startedAt,
		Duration:  time.Since(d.startedAt),
	}
}

type nackReason string

func (r nackReason) Error() string {
	return string(r)
}

var (
	_ queue.Enqueuer = (*localQueue)(nil)
	_ queue.Dequeuer = (*localQueue)(nil)
	_ queue.Delivery = (*localDelivery)(nil)
)
