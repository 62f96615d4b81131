package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	relay "github.com/goliatone/go-relay"
	"github.com/goliatone/go-relay/adapters/zaplog"
	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/metrics"
)

// resolvedConfig hands an already resolved Config back to relay.New so that
// booleans switched off in the environment stay off.
type resolvedConfig struct {
	cfg core.Config
}

func (p resolvedConfig) Load(context.Context, core.Config) (core.Config, error) {
	return p.cfg, nil
}

type app struct {
	cfg      core.Config
	logger   *zaplog.Logger
	provider *zaplog.Provider
	metrics  *metrics.PrometheusRecorder
	storage  *Storage
	runtime  *relay.Runtime
}

func buildApp(ctx context.Context, opts *rootOptions, migrate bool) (*app, error) {
	cfg, err := LoadConfig(ctx, opts.envFile)
	if err != nil {
		return nil, err
	}
	logger, err := zaplog.NewProduction(opts.logLevel)
	if err != nil {
		return nil, err
	}
	provider := zaplog.NewProvider(logger)

	storage, err := OpenStorage(ctx, cfg.Storage, migrate)
	if err != nil {
		return nil, err
	}
	recorder := metrics.NewPrometheusRecorder(metrics.WithRegistry(prometheus.NewRegistry()))

	runtime, err := relay.New(cfg,
		relay.WithConfigProvider(resolvedConfig{cfg: cfg}),
		relay.WithStore(storage.Store),
		relay.WithLogger(logger),
		relay.WithLoggerProvider(provider),
		relay.WithMetrics(recorder),
	)
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("cli: build relay: %w", err)
	}
	return &app{
		cfg:      runtime.Config,
		logger:   logger,
		provider: provider,
		metrics:  recorder,
		storage:  storage,
		runtime:  runtime,
	}, nil
}

func (a *app) Close() {
	if a == nil {
		return
	}
	_ = a.storage.Close()
	_ = a.logger.Sync()
}
