package delivery

import (
	"time"

	"github.com/goliatone/go-relay/core"
)

type RetryPolicy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialRetryPolicy doubles the delay per attempt, capped at Max.
type ExponentialRetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

func NewRetryPolicy(cfg core.SweepConfig) ExponentialRetryPolicy {
	return ExponentialRetryPolicy{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff}
}

func (p ExponentialRetryPolicy) NextDelay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = 15 * time.Second
	}
	maximum := p.Max
	if maximum <= 0 {
		maximum = 10 * time.Minute
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}
