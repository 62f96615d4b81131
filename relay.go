// Package relay assembles the webhook relay: ingest, routing, delivery with a
// retry queue, and usage metering, all sharing one KV store.
package relay

import (
	"context"
	"fmt"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/goliatone/go-relay/adapters/gologger"
	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/delivery"
	"github.com/goliatone/go-relay/events"
	"github.com/goliatone/go-relay/metering"
	"github.com/goliatone/go-relay/metrics"
	"github.com/goliatone/go-relay/ratelimit"
	"github.com/goliatone/go-relay/routing"
	memstore "github.com/goliatone/go-relay/store/memory"
	"github.com/goliatone/go-relay/transport"
	"github.com/goliatone/go-relay/webhooks"
)

type Config = core.Config

type Service = core.Service

type KVStore = core.KVStore

const defaultEventCacheTTL = 5 * time.Minute

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// Runtime is a fully wired relay. Every component reads and writes through
// Store, so several runtimes over the same store behave as one deployment.
type Runtime struct {
	Config     Config
	Service    *core.Service
	Facade     *Facade
	Store      core.KVStore
	Events     core.EventStore
	Router     *routing.Table
	Queue      *delivery.RetryQueue
	Client     *delivery.Client
	Sweeper    *delivery.Sweeper
	Meter      *metering.Meter
	Aggregator *metering.Aggregator
	Metrics    *metrics.PrometheusRecorder
	Logger     glog.Logger
}

type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	store          core.KVStore
	logger         glog.Logger
	loggerProvider glog.LoggerProvider
	metrics        *metrics.PrometheusRecorder
	httpClient     transport.HTTPDoer
	ids            core.IDGenerator
	configProvider core.ConfigProvider
	eventCacheTTL  time.Duration
	now            func() time.Time
}

func WithStore(store core.KVStore) RuntimeOption {
	return func(o *runtimeOptions) {
		o.store = store
	}
}

func WithLogger(logger glog.Logger) RuntimeOption {
	return func(o *runtimeOptions) {
		o.logger = logger
	}
}

func WithLoggerProvider(provider glog.LoggerProvider) RuntimeOption {
	return func(o *runtimeOptions) {
		o.loggerProvider = provider
	}
}

func WithMetrics(recorder *metrics.PrometheusRecorder) RuntimeOption {
	return func(o *runtimeOptions) {
		o.metrics = recorder
	}
}

func WithHTTPClient(client transport.HTTPDoer) RuntimeOption {
	return func(o *runtimeOptions) {
		o.httpClient = client
	}
}

func WithIDGenerator(ids core.IDGenerator) RuntimeOption {
	return func(o *runtimeOptions) {
		o.ids = ids
	}
}

func WithConfigProvider(provider core.ConfigProvider) RuntimeOption {
	return func(o *runtimeOptions) {
		o.configProvider = provider
	}
}

// WithEventCacheTTL sets how long GetEvent answers stay cached. Zero disables
// the cache.
func WithEventCacheTTL(ttl time.Duration) RuntimeOption {
	return func(o *runtimeOptions) {
		o.eventCacheTTL = ttl
	}
}

func WithClock(now func() time.Time) RuntimeOption {
	return func(o *runtimeOptions) {
		o.now = now
	}
}

// New resolves cfg and wires every component with the defaults: an in-memory
// store, snowflake ids, Prometheus metrics on a private registry and a nop
// logger.
func New(cfg Config, opts ...RuntimeOption) (*Runtime, error) {
	options := runtimeOptions{eventCacheTTL: defaultEventCacheTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	resolved, err := core.ResolveConfig(context.Background(), cfg, options.configProvider, nil)
	if err != nil {
		return nil, core.MapError(err)
	}

	store := options.store
	if store == nil {
		store = memstore.NewKVStore()
	}
	recorder := options.metrics
	if recorder == nil {
		recorder = metrics.NewPrometheusRecorder(metrics.WithRegistry(prometheus.NewRegistry()))
	}
	now := options.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	_, rootLogger := gologger.Resolve(options.loggerProvider, options.logger)
	observerFor := func(component string) core.Observer {
		return core.NewObserver(gologger.ForComponent(options.loggerProvider, options.logger, component), recorder)
	}

	ids := options.ids
	if ids == nil {
		generator, err := events.NewSnowflakeGenerator(resolved.NodeID)
		if err != nil {
			return nil, err
		}
		ids = generator
	}
	var eventStore core.EventStore = events.NewStore(store, ids, resolved.Retention.EventTTL)
	if options.eventCacheTTL > 0 {
		cacheConfig := repositorycache.DefaultConfig()
		cacheConfig.TTL = options.eventCacheTTL
		cacheService, err := repositorycache.NewCacheService(cacheConfig)
		if err != nil {
			return nil, fmt.Errorf("relay: event cache: %w", err)
		}
		if eventStore, err = events.NewCachedStore(eventStore, cacheService); err != nil {
			return nil, err
		}
	}

	router := routing.NewTableFromConfig(resolved.Routing)
	queue := delivery.NewRetryQueue(store, resolved.Retention.RetryTTL).WithClock(now)

	throttle := ratelimit.NewAdaptivePolicy(ratelimit.NewKVStateStore(store))
	throttle.Now = now
	client := delivery.NewClient(resolved.Delivery, transport.NewRESTAdapter(options.httpClient), queue,
		delivery.WithThrottlePolicy(throttle),
		delivery.WithBreakers(delivery.NewBreakerSet(resolved.Delivery.Breaker)),
		delivery.WithObserver(observerFor("delivery")),
	)
	sweeper := delivery.NewSweeper(resolved.Sweep, store, queue, client,
		delivery.WithSweepObserver(observerFor("sweeper")),
		delivery.WithSweepClock(now),
	)

	meter := metering.NewMeter(store, metering.WithMeterClock(now))
	aggregator := metering.NewAggregator(store)

	serviceOpts := []core.Option{
		core.WithLogger(rootLogger),
		core.WithMetricsRecorder(recorder),
		core.WithStore(store),
		core.WithNormalizer(webhooks.NewNormalizer()),
		core.WithEventStore(eventStore),
		core.WithRouter(router),
		core.WithDeliverer(client),
		core.WithSweeper(sweeper),
		core.WithUsageMeter(meter),
		core.WithBillingAggregator(aggregator),
		core.WithWebhookLog(metering.NewWebhookLog(store, resolved.Retention.WebhookLogTTL)),
		core.WithClock(now),
	}
	if options.loggerProvider != nil {
		serviceOpts = append(serviceOpts, core.WithLoggerProvider(options.loggerProvider))
	}
	if resolved.Signature.Secret != "" {
		serviceOpts = append(serviceOpts, core.WithBillingVerifier(webhooks.NewHeaderVerifier(resolved.Signature)))
	}
	if resolved.Inbound.Secret != "" {
		serviceOpts = append(serviceOpts, core.WithInboundVerifier(webhooks.NewHeaderVerifier(resolved.Inbound)))
	}

	service, err := core.NewService(resolved, serviceOpts...)
	if err != nil {
		return nil, err
	}
	facade, err := NewFacade(service)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		Config:     service.Config(),
		Service:    service,
		Facade:     facade,
		Store:      store,
		Events:     eventStore,
		Router:     router,
		Queue:      queue,
		Client:     client,
		Sweeper:    sweeper,
		Meter:      meter,
		Aggregator: aggregator,
		Metrics:    recorder,
		Logger:     rootLogger,
	}, nil
}

// RunSweeper sweeps on the configured interval until ctx is done.
func (r *Runtime) RunSweeper(ctx context.Context) {
	if r == nil || r.Sweeper == nil {
		return
	}
	r.Sweeper.Run(ctx)
}
