package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

// ConfigProvider returns a complete Config built on top of defaults.
type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig   Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorFactory    ErrorFactory
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	store           KVStore
	normalizer      Normalizer
	inboundVerifier SignatureVerifier
	billingVerifier SignatureVerifier
	eventStore      EventStore
	router          Router
	deliverer       Deliverer
	sweeper         Sweeper
	meter           UsageMeter
	aggregator      BillingAggregator
	webhookLog      WebhookLog
	now             func() time.Time
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithStore(store KVStore) Option {
	return func(b *serviceBuilder) {
		b.store = store
	}
}

func WithNormalizer(normalizer Normalizer) Option {
	return func(b *serviceBuilder) {
		b.normalizer = normalizer
	}
}

// WithInboundVerifier enables signature checks on the ingest routes.
func WithInboundVerifier(verifier SignatureVerifier) Option {
	return func(b *serviceBuilder) {
		b.inboundVerifier = verifier
	}
}

func WithBillingVerifier(verifier SignatureVerifier) Option {
	return func(b *serviceBuilder) {
		b.billingVerifier = verifier
	}
}

func WithEventStore(store EventStore) Option {
	return func(b *serviceBuilder) {
		b.eventStore = store
	}
}

func WithRouter(router Router) Option {
	return func(b *serviceBuilder) {
		b.router = router
	}
}

func WithDeliverer(deliverer Deliverer) Option {
	return func(b *serviceBuilder) {
		b.deliverer = deliverer
	}
}

func WithSweeper(sweeper Sweeper) Option {
	return func(b *serviceBuilder) {
		b.sweeper = sweeper
	}
}

func WithUsageMeter(meter UsageMeter) Option {
	return func(b *serviceBuilder) {
		b.meter = meter
	}
}

func WithBillingAggregator(aggregator BillingAggregator) Option {
	return func(b *serviceBuilder) {
		b.aggregator = aggregator
	}
}

func WithWebhookLog(log WebhookLog) Option {
	return func(b *serviceBuilder) {
		b.webhookLog = log
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.now = now
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("relay", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return relayErrorMapper(err)
}

type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ResolveConfig loads config through provider and layers runtime on top.
// Nil provider and resolver fall back to the cfgx and go-options defaults.
func ResolveConfig(ctx context.Context, runtime Config, provider ConfigProvider, resolver OptionsResolver) (Config, error) {
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	defaults := DefaultConfig()
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

// GoOptionsResolver layers defaults < loaded < runtime. The loaded layer is
// complete, so a provider can switch a default boolean off; runtime zero
// values never override.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, true),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	setString := func(section map[string]any, key string, value string) {
		if includeZero || strings.TrimSpace(value) != "" {
			section[key] = value
		}
	}
	setDuration := func(section map[string]any, key string, value time.Duration) {
		if includeZero || value != 0 {
			section[key] = value
		}
	}
	setStringMap := func(section map[string]any, key string, value map[string]string) {
		if includeZero || len(value) > 0 {
			section[key] = copyStringMap(value)
		}
	}
	nest := func(key string, section map[string]any) {
		if len(section) > 0 {
			layer[key] = section
		}
	}

	setString(layer, "service_name", cfg.ServiceName)
	if includeZero || cfg.NodeID != 0 {
		layer["node_id"] = cfg.NodeID
	}

	httpSection := map[string]any{}
	setString(httpSection, "addr", cfg.HTTP.Addr)
	setDuration(httpSection, "read_timeout", cfg.HTTP.ReadTimeout)
	setDuration(httpSection, "write_timeout", cfg.HTTP.WriteTimeout)
	nest("http", httpSection)

	for key, sig := range map[string]SignatureConfig{"signature": cfg.Signature, "inbound": cfg.Inbound} {
		section := map[string]any{}
		setString(section, "secret", sig.Secret)
		setString(section, "header", sig.Header)
		setDuration(section, "tolerance", sig.Tolerance)
		nest(key, section)
	}

	routing := map[string]any{}
	setStringMap(routing, "routes", cfg.Routing.Routes)
	setString(routing, "default_target", cfg.Routing.DefaultTarget)
	nest("routing", routing)

	delivery := map[string]any{}
	setDuration(delivery, "timeout", cfg.Delivery.Timeout)
	setStringMap(delivery, "targets", cfg.Delivery.Targets)
	setString(delivery, "event_path", cfg.Delivery.EventPath)
	breaker := map[string]any{}
	if includeZero || cfg.Delivery.Breaker.Enabled {
		breaker["enabled"] = cfg.Delivery.Breaker.Enabled
	}
	if includeZero || cfg.Delivery.Breaker.MinRequests > 0 {
		breaker["min_requests"] = cfg.Delivery.Breaker.MinRequests
	}
	if includeZero || cfg.Delivery.Breaker.FailureThreshold > 0 {
		breaker["failure_threshold"] = cfg.Delivery.Breaker.FailureThreshold
	}
	setDuration(breaker, "open_timeout", cfg.Delivery.Breaker.OpenTimeout)
	if len(breaker) > 0 {
		delivery["breaker"] = breaker
	}
	nest("delivery", delivery)

	retention := map[string]any{}
	setDuration(retention, "event_ttl", cfg.Retention.EventTTL)
	setDuration(retention, "retry_ttl", cfg.Retention.RetryTTL)
	setDuration(retention, "webhook_log_ttl", cfg.Retention.WebhookLogTTL)
	nest("retention", retention)

	sweep := map[string]any{}
	setDuration(sweep, "interval", cfg.Sweep.Interval)
	if includeZero || cfg.Sweep.BatchSize > 0 {
		sweep["batch_size"] = cfg.Sweep.BatchSize
	}
	setDuration(sweep, "initial_backoff", cfg.Sweep.InitialBackoff)
	setDuration(sweep, "max_backoff", cfg.Sweep.MaxBackoff)
	nest("sweep", sweep)

	storage := map[string]any{}
	setString(storage, "driver", cfg.Storage.Driver)
	setString(storage, "dsn", cfg.Storage.DSN)
	if includeZero || cfg.Storage.Debug {
		storage["debug"] = cfg.Storage.Debug
	}
	nest("storage", storage)

	return layer
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
