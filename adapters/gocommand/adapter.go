// Package gocommand wires relay commands and queries into the go-command
// registry and dispatcher, optionally mirroring them into a go-job queue
// registry so workers can run them by message type.
package gocommand

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

const QueueResolverKey = "queue"

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) Register(handler any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(handler)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

// Bus owns a registry and every dispatcher subscription made through it.
// Subscriptions are process global in go-command, so Close must run before a
// second bus takes over the same message types.
type Bus struct {
	adapter       *RegistryAdapter
	queueRegistry *jobqueuecommand.Registry

	mu            sync.Mutex
	subscriptions []commanddispatcher.Subscription
	initialized   bool
}

type BusOption func(*Bus)

// WithQueueRegistry mirrors every registered handler into queueRegistry on
// Initialize.
func WithQueueRegistry(queueRegistry *jobqueuecommand.Registry) BusOption {
	return func(b *Bus) {
		b.queueRegistry = queueRegistry
	}
}

func WithRegistry(registry *command.Registry) BusOption {
	return func(b *Bus) {
		b.adapter = NewRegistryAdapter(registry)
	}
}

func NewBus(opts ...BusOption) (*Bus, error) {
	bus := &Bus{}
	for _, opt := range opts {
		if opt != nil {
			opt(bus)
		}
	}
	if bus.adapter == nil {
		bus.adapter = NewRegistryAdapter(nil)
	}
	if bus.queueRegistry != nil {
		if err := bus.adapter.AddResolver(QueueResolverKey, jobqueuecommand.QueueResolver(bus.queueRegistry)); err != nil {
			return nil, err
		}
	}
	return bus, nil
}

func (b *Bus) Adapter() *RegistryAdapter {
	if b == nil {
		return nil
	}
	return b.adapter
}

func (b *Bus) QueueRegistry() *jobqueuecommand.Registry {
	if b == nil {
		return nil
	}
	return b.queueRegistry
}

func (b *Bus) Initialize() error {
	if b == nil {
		return fmt.Errorf("gocommand: bus is not configured")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	if err := b.adapter.Initialize(); err != nil {
		return err
	}
	b.initialized = true
	return nil
}

func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	subscriptions := b.subscriptions
	b.subscriptions = nil
	b.mu.Unlock()
	for _, subscription := range subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
}

func (b *Bus) track(subscription commanddispatcher.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = append(b.subscriptions, subscription)
}

// Handle subscribes cmd to the dispatcher and registers it.
func Handle[T any](bus *Bus, cmd command.Commander[T], runnerOpts ...runner.Option) error {
	if bus == nil || bus.adapter == nil {
		return fmt.Errorf("gocommand: bus is not configured")
	}
	if cmd == nil {
		return fmt.Errorf("gocommand: command is required")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := bus.adapter.Register(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return err
	}
	bus.track(subscription)
	return nil
}

func HandleQuery[T any, R any](bus *Bus, qry command.Querier[T, R], runnerOpts ...runner.Option) error {
	if bus == nil || bus.adapter == nil {
		return fmt.Errorf("gocommand: bus is not configured")
	}
	if qry == nil {
		return fmt.Errorf("gocommand: query is required")
	}
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := bus.adapter.Register(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return err
	}
	bus.track(subscription)
	return nil
}

// Dispatch validates msg before handing it to the dispatcher.
func Dispatch[T any](ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

// DispatchResult dispatches msg and returns the value its handler stored in
// the result collector.
func DispatchResult[T any, R any](ctx context.Context, msg T) (R, error) {
	var zero R
	collector := command.NewResult[R]()
	if err := Dispatch(command.ContextWithResult(ctx, collector), msg); err != nil {
		return zero, err
	}
	value, ok := collector.Load()
	if !ok {
		return zero, nil
	}
	return value, nil
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}
