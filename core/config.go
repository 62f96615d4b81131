package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
)

const (
	DefaultSignatureTolerance = 300 * time.Second
	DefaultDeliveryTimeout    = 10 * time.Second
	DefaultEventTTL           = 7 * 24 * time.Hour
	DefaultRetryTTL           = time.Hour
	DefaultWebhookLogTTL      = 30 * 24 * time.Hour
	DefaultSweepInterval      = time.Minute
	DefaultRecentEventsLimit  = 50
)

type HTTPConfig struct {
	Addr         string        `koanf:"addr" mapstructure:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout" mapstructure:"write_timeout"`
}

type SignatureConfig struct {
	Secret    string        `koanf:"secret" mapstructure:"secret"`
	Header    string        `koanf:"header" mapstructure:"header"`
	Tolerance time.Duration `koanf:"tolerance" mapstructure:"tolerance"`
}

type RoutingConfig struct {
	Routes        map[string]string `koanf:"routes" mapstructure:"routes"`
	DefaultTarget string            `koanf:"default_target" mapstructure:"default_target"`
}

type BreakerConfig struct {
	Enabled          bool          `koanf:"enabled" mapstructure:"enabled"`
	MinRequests      uint32        `koanf:"min_requests" mapstructure:"min_requests"`
	FailureThreshold uint32        `koanf:"failure_threshold" mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `koanf:"open_timeout" mapstructure:"open_timeout"`
}

type DeliveryConfig struct {
	Timeout   time.Duration     `koanf:"timeout" mapstructure:"timeout"`
	Targets   map[string]string `koanf:"targets" mapstructure:"targets"`
	EventPath string            `koanf:"event_path" mapstructure:"event_path"`
	Breaker   BreakerConfig     `koanf:"breaker" mapstructure:"breaker"`
}

type RetentionConfig struct {
	EventTTL      time.Duration `koanf:"event_ttl" mapstructure:"event_ttl"`
	RetryTTL      time.Duration `koanf:"retry_ttl" mapstructure:"retry_ttl"`
	WebhookLogTTL time.Duration `koanf:"webhook_log_ttl" mapstructure:"webhook_log_ttl"`
}

type SweepConfig struct {
	Interval       time.Duration `koanf:"interval" mapstructure:"interval"`
	BatchSize      int           `koanf:"batch_size" mapstructure:"batch_size"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
}

type StorageConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
}

type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	NodeID      int64           `koanf:"node_id" mapstructure:"node_id"`
	HTTP        HTTPConfig      `koanf:"http" mapstructure:"http"`
	Signature   SignatureConfig `koanf:"signature" mapstructure:"signature"`
	Inbound     SignatureConfig `koanf:"inbound" mapstructure:"inbound"`
	Routing     RoutingConfig   `koanf:"routing" mapstructure:"routing"`
	Delivery    DeliveryConfig  `koanf:"delivery" mapstructure:"delivery"`
	Retention   RetentionConfig `koanf:"retention" mapstructure:"retention"`
	Sweep       SweepConfig     `koanf:"sweep" mapstructure:"sweep"`
	Storage     StorageConfig   `koanf:"storage" mapstructure:"storage"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "relay",
		NodeID:      1,
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Signature: SignatureConfig{
			Header:    "Stripe-Signature",
			Tolerance: DefaultSignatureTolerance,
		},
		Inbound: SignatureConfig{
			Header:    "X-Relay-Signature",
			Tolerance: DefaultSignatureTolerance,
		},
		Routing: RoutingConfig{
			Routes:        map[string]string{},
			DefaultTarget: "default",
		},
		Delivery: DeliveryConfig{
			Timeout:   DefaultDeliveryTimeout,
			Targets:   map[string]string{},
			EventPath: "/events",
			Breaker: BreakerConfig{
				Enabled:          true,
				MinRequests:      5,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
			},
		},
		Retention: RetentionConfig{
			EventTTL:      DefaultEventTTL,
			RetryTTL:      DefaultRetryTTL,
			WebhookLogTTL: DefaultWebhookLogTTL,
		},
		Sweep: SweepConfig{
			Interval:       DefaultSweepInterval,
			BatchSize:      100,
			InitialBackoff: 15 * time.Second,
			MaxBackoff:     10 * time.Minute,
		},
		Storage: StorageConfig{
			Driver: StorageDriverMemory,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("core: node_id must be between 0 and 1023")
	}
	if strings.TrimSpace(c.Routing.DefaultTarget) == "" {
		return fmt.Errorf("core: routing.default_target is required")
	}
	for name, base := range c.Delivery.Targets {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("core: delivery target name is required")
		}
		parsed, err := url.Parse(strings.TrimSpace(base))
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("core: delivery target %q has invalid base url %q", name, base)
		}
	}
	if c.Delivery.Timeout < 0 {
		return fmt.Errorf("core: delivery.timeout must not be negative")
	}
	if c.Signature.Tolerance < 0 || c.Inbound.Tolerance < 0 {
		return fmt.Errorf("core: signature tolerance must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", StorageDriverMemory:
	case StorageDriverSQLite, StorageDriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("core: storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("core: storage.driver %q is invalid", c.Storage.Driver)
	}
	return nil
}

// TargetURL joins the configured base url of target with path.
func (c Config) TargetURL(target string, path string) (string, bool) {
	base, ok := c.Delivery.Targets[strings.TrimSpace(target)]
	if !ok || strings.TrimSpace(base) == "" {
		return "", false
	}
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	path = strings.TrimSpace(path)
	if path == "" {
		return base, true
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path, true
}
