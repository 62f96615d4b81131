package core

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type fixedConfigProvider struct {
	cfg Config
}

func (p *fixedConfigProvider) Load(context.Context, Config) (Config, error) {
	return p.cfg, nil
}

type fixedOptionsResolver struct {
	cfg Config
}

func (r *fixedOptionsResolver) Resolve(Config, Config, Config) (Config, error) {
	return r.cfg, nil
}

func TestNewService_DefaultDependencies(t *testing.T) {
	svc, _, err := newTestService(Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	deps := svc.Dependencies()
	if deps.Logger == nil || deps.LoggerProvider == nil {
		t.Fatalf("expected logger and provider")
	}
	if deps.ErrorFactory == nil || deps.ErrorMapper == nil {
		t.Fatalf("expected default error factory and mapper")
	}
	if deps.ConfigProvider == nil || deps.OptionsResolver == nil {
		t.Fatalf("expected default config provider and options resolver")
	}
	if _, ok := deps.MetricsRecorder.(NopMetricsRecorder); !ok {
		t.Fatalf("expected nop metrics recorder, got %T", deps.MetricsRecorder)
	}
	if got := svc.Config().ServiceName; got != "relay" {
		t.Fatalf("expected default service_name=relay, got %q", got)
	}
	if got := svc.Config().Delivery.EventPath; got != "/events" {
		t.Fatalf("expected default event path, got %q", got)
	}
}

func TestNewService_RequiresPipelineCollaborators(t *testing.T) {
	_, err := NewService(Config{}, WithLogger(stubLogger{}))
	if err == nil {
		t.Fatalf("expected missing collaborators to fail")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != RelayErrorBadInput {
		t.Fatalf("expected bad input envelope, got %v", err)
	}
}

func TestNewService_WithXOverrides(t *testing.T) {
	customLogger := stubLogger{}
	customProvider := stubLoggerProvider{logger: customLogger}
	customFactory := func(message string, category ...goerrors.Category) *goerrors.Error {
		return goerrors.New("custom:"+message, category...)
	}
	sentinel := errors.New("sentinel")
	customMapper := func(error) *goerrors.Error {
		return goerrors.Wrap(sentinel, goerrors.CategoryOperation, "mapped")
	}
	configProvider := &fixedConfigProvider{cfg: Config{ServiceName: "from-provider"}}
	resolved := DefaultConfig()
	resolved.ServiceName = "resolved"
	optionsResolver := &fixedOptionsResolver{cfg: resolved}

	svc, _, err := newTestService(Config{ServiceName: "runtime"},
		WithLogger(customLogger),
		WithLoggerProvider(customProvider),
		WithErrorFactory(customFactory),
		WithErrorMapper(customMapper),
		WithConfigProvider(configProvider),
		WithOptionsResolver(optionsResolver),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	deps := svc.Dependencies()
	if deps.Logger != customLogger {
		t.Fatalf("expected custom logger override")
	}
	if resolvedLogger := deps.LoggerProvider.GetLogger("relay.override"); resolvedLogger != customLogger {
		t.Fatalf("expected logger provider to resolve custom logger")
	}
	if deps.ConfigProvider != configProvider {
		t.Fatalf("expected custom config provider override")
	}
	if deps.OptionsResolver != optionsResolver {
		t.Fatalf("expected custom options resolver override")
	}
	if got := svc.Config().ServiceName; got != "resolved" {
		t.Fatalf("expected options resolver output config, got %q", got)
	}

	_, err = svc.GetEvent(context.Background(), "")
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected custom mapper to shape errors, got %v", err)
	}
}

func TestResolveConfig_LayeringPrecedence(t *testing.T) {
	provider := NewCfgxConfigProvider(mapRawLoader{values: map[string]any{
		"service_name": "from-config",
		"delivery": map[string]any{
			"targets": map[string]string{"crm": "https://crm.example.com"},
			"breaker": map[string]any{"enabled": false},
		},
		"sweep": map[string]any{"interval": 30 * time.Second},
	}})

	cfg, err := ResolveConfig(context.Background(), Config{ServiceName: "from-runtime"}, provider, nil)
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if cfg.ServiceName != "from-runtime" {
		t.Fatalf("expected runtime value to override config/default, got %q", cfg.ServiceName)
	}
	if cfg.Delivery.Targets["crm"] != "https://crm.example.com" {
		t.Fatalf("expected config layer targets, got %#v", cfg.Delivery.Targets)
	}
	if cfg.Delivery.Breaker.Enabled {
		t.Fatalf("expected config layer to switch the breaker off")
	}
	if cfg.Sweep.Interval != 30*time.Second {
		t.Fatalf("expected config sweep interval, got %s", cfg.Sweep.Interval)
	}
	if cfg.Retention.RetryTTL != DefaultRetryTTL {
		t.Fatalf("expected default retry ttl, got %s", cfg.Retention.RetryTTL)
	}
}

func TestResolveConfig_RejectsInvalidLayers(t *testing.T) {
	provider := NewCfgxConfigProvider(mapRawLoader{values: map[string]any{
		"storage": map[string]any{"driver": "postgres"},
	}})
	if _, err := ResolveConfig(context.Background(), Config{}, provider, nil); err == nil {
		t.Fatalf("expected postgres without dsn to fail")
	}
	if _, err := ResolveConfig(context.Background(), Config{NodeID: 5000}, nil, nil); err == nil {
		t.Fatalf("expected out of range node id to fail")
	}
}
