package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/ratelimit"
)

var (
	ErrUnknownTarget = errors.New("delivery: unknown target")
	ErrCircuitOpen   = errors.New("delivery: circuit open")
)

const maxResponseExcerpt = 2048

// StatusError is a completed exchange with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("delivery: target responded with status %d", e.StatusCode)
}

type AttemptResult struct {
	StatusCode int
	Body       []byte
}

// Client posts payloads to configured targets and hands failures to the
// retry queue.
type Client struct {
	transport core.TransportAdapter
	queue     *RetryQueue
	breakers  *BreakerSet
	throttle  core.ThrottlePolicy
	targets   map[string]string
	timeout   time.Duration
	observer  core.Observer
}

type ClientOption func(*Client)

func WithThrottlePolicy(policy core.ThrottlePolicy) ClientOption {
	return func(c *Client) {
		c.throttle = policy
	}
}

func WithBreakers(breakers *BreakerSet) ClientOption {
	return func(c *Client) {
		c.breakers = breakers
	}
}

func WithObserver(observer core.Observer) ClientOption {
	return func(c *Client) {
		c.observer = observer
	}
}

func NewClient(cfg core.DeliveryConfig, transport core.TransportAdapter, queue *RetryQueue, opts ...ClientOption) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = core.DefaultDeliveryTimeout
	}
	client := &Client{
		transport: transport,
		queue:     queue,
		breakers:  NewBreakerSet(cfg.Breaker),
		targets:   copyTargets(cfg.Targets),
		timeout:   timeout,
		observer:  core.NewObserver(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

// Deliver makes one attempt and queues the request on any failure. The error
// is non-nil only when the queue write failed.
func (c *Client) Deliver(ctx context.Context, req core.DeliveryRequest) (result core.DeliveryResult, err error) {
	startedAt := time.Now()
	req.Target = strings.TrimSpace(req.Target)
	result = core.DeliveryResult{Target: req.Target, Path: req.Path}
	defer func() {
		c.observer.Observe(ctx, startedAt, "deliver", err, map[string]any{
			"target":          req.Target,
			"path":            req.Path,
			"event_id":        req.EventID,
			"status_code":     result.StatusCode,
			"delivery_status": string(result.Status),
		})
	}()

	attempt, attemptErr := c.Attempt(ctx, req.Target, req.Path, req.Payload)
	result.StatusCode = attempt.StatusCode
	if attemptErr == nil {
		result.Status = core.DeliveryStatusDelivered
		result.Response = excerpt(attempt.Body)
		return result, nil
	}

	entry, err := c.queue.Enqueue(ctx, req, attemptErr)
	if err != nil {
		result.Error = attemptErr.Error()
		return result, err
	}
	result.Status = core.DeliveryStatusQueued
	result.QueueKey = entry.Key
	result.Error = attemptErr.Error()
	c.observer.Warn(ctx, "delivery queued for retry", map[string]any{
		"target":    req.Target,
		"queue_key": entry.Key,
		"error":     attemptErr.Error(),
	})
	return result, nil
}

// Attempt performs a single POST without queueing. Sweeps call it directly so
// a failed retry is never queued a second time.
func (c *Client) Attempt(ctx context.Context, target string, path string, payload []byte) (AttemptResult, error) {
	target = strings.TrimSpace(target)
	endpoint, ok := c.targetURL(target, path)
	if !ok {
		return AttemptResult{}, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	key := core.ThrottleKey{Target: target}
	if c.throttle != nil {
		if err := c.throttle.BeforeCall(ctx, key); err != nil {
			return AttemptResult{}, err
		}
	}

	var result AttemptResult
	err := c.breakers.For(target).Execute(func() error {
		res, err := c.transport.Do(ctx, core.TransportRequest{
			Method:  http.MethodPost,
			URL:     endpoint,
			Body:    payload,
			Timeout: c.timeout,
		})
		if err != nil {
			return err
		}
		result = AttemptResult{StatusCode: res.StatusCode, Body: res.Body}
		if c.throttle != nil {
			if throttleErr := c.throttle.AfterCall(ctx, key, core.ResponseMeta{
				StatusCode: res.StatusCode,
				Headers:    res.Headers,
				Metadata:   res.Metadata,
			}); throttleErr != nil {
				c.observer.Warn(ctx, "throttle state update failed", map[string]any{
					"target": target,
					"error":  throttleErr.Error(),
				})
			}
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			return StatusError{StatusCode: res.StatusCode, Body: excerpt(res.Body)}
		}
		return nil
	})
	return result, err
}

// Deferred reports whether err means no request was sent: the target is
// throttled or its circuit is open.
func Deferred(err error) bool {
	var throttled ratelimit.ThrottledError
	return errors.Is(err, ErrCircuitOpen) || errors.As(err, &throttled)
}

func (c *Client) targetURL(target string, path string) (string, bool) {
	cfg := core.Config{Delivery: core.DeliveryConfig{Targets: c.targets}}
	return cfg.TargetURL(target, path)
}

func excerpt(body []byte) string {
	if len(body) > maxResponseExcerpt {
		return string(body[:maxResponseExcerpt])
	}
	return string(body)
}

func copyTargets(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for name, base := range in {
		out[strings.TrimSpace(name)] = base
	}
	return out
}

var _ core.Deliverer = (*Client)(nil)
