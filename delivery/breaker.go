package delivery

import (
	"errors"
	"strings"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/goliatone/go-relay/core"
)

type CircuitBreaker interface {
	Execute(fn func() error) error
}

type noopBreaker struct{}

func (noopBreaker) Execute(fn func() error) error {
	return fn()
}

type gobreakerWrapper struct {
	cb *gobreaker.CircuitBreaker
}

func (g *gobreakerWrapper) Execute(fn func() error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

func newGobreaker(target string, cfg core.BreakerConfig) CircuitBreaker {
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = minRequests
	}
	settings := gobreaker.Settings{
		Name:        "relay-target-" + target,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	}
	return &gobreakerWrapper{cb: gobreaker.NewCircuitBreaker(settings)}
}

// BreakerSet hands out one breaker per target, so a failing target does not
// open the circuit for the others.
type BreakerSet struct {
	cfg      core.BreakerConfig
	mu       sync.Mutex
	breakers map[string]CircuitBreaker
}

func NewBreakerSet(cfg core.BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: map[string]CircuitBreaker{}}
}

func (s *BreakerSet) For(target string) CircuitBreaker {
	if s == nil || !s.cfg.Enabled {
		return noopBreaker{}
	}
	target = strings.TrimSpace(target)
	s.mu.Lock()
	defer s.mu.Unlock()
	breaker, ok := s.breakers[target]
	if !ok {
		breaker = newGobreaker(target, s.cfg)
		s.breakers[target] = breaker
	}
	return breaker
}
