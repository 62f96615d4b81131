package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/goliatone/go-relay/core"
)

type envKind int

const (
	envString envKind = iota
	envInt
	envUint
	envBool
	envDuration
	envMap
)

type envBinding struct {
	name string
	path []string
	kind envKind
}

var envBindings = []envBinding{
	{"RELAY_SERVICE_NAME", []string{"service_name"}, envString},
	{"RELAY_NODE_ID", []string{"node_id"}, envInt},
	{"RELAY_HTTP_ADDR", []string{"http", "addr"}, envString},
	{"RELAY_HTTP_READ_TIMEOUT", []string{"http", "read_timeout"}, envDuration},
	{"RELAY_HTTP_WRITE_TIMEOUT", []string{"http", "write_timeout"}, envDuration},
	{"RELAY_SIGNATURE_SECRET", []string{"signature", "secret"}, envString},
	{"RELAY_SIGNATURE_HEADER", []string{"signature", "header"}, envString},
	{"RELAY_SIGNATURE_TOLERANCE", []string{"signature", "tolerance"}, envDuration},
	{"RELAY_INBOUND_SECRET", []string{"inbound", "secret"}, envString},
	{"RELAY_INBOUND_HEADER", []string{"inbound", "header"}, envString},
	{"RELAY_INBOUND_TOLERANCE", []string{"inbound", "tolerance"}, envDuration},
	{"RELAY_ROUTES", []string{"routing", "routes"}, envMap},
	{"RELAY_DEFAULT_TARGET", []string{"routing", "default_target"}, envString},
	{"RELAY_DELIVERY_TIMEOUT", []string{"delivery", "timeout"}, envDuration},
	{"RELAY_TARGETS", []string{"delivery", "targets"}, envMap},
	{"RELAY_EVENT_PATH", []string{"delivery", "event_path"}, envString},
	{"RELAY_BREAKER_ENABLED", []string{"delivery", "breaker", "enabled"}, envBool},
	{"RELAY_BREAKER_MIN_REQUESTS", []string{"delivery", "breaker", "min_requests"}, envUint},
	{"RELAY_BREAKER_FAILURE_THRESHOLD", []string{"delivery", "breaker", "failure_threshold"}, envUint},
	{"RELAY_BREAKER_OPEN_TIMEOUT", []string{"delivery", "breaker", "open_timeout"}, envDuration},
	{"RELAY_EVENT_TTL", []string{"retention", "event_ttl"}, envDuration},
	{"RELAY_RETRY_TTL", []string{"retention", "retry_ttl"}, envDuration},
	{"RELAY_WEBHOOK_LOG_TTL", []string{"retention", "webhook_log_ttl"}, envDuration},
	{"RELAY_SWEEP_INTERVAL", []string{"sweep", "interval"}, envDuration},
	{"RELAY_SWEEP_BATCH_SIZE", []string{"sweep", "batch_size"}, envInt},
	{"RELAY_SWEEP_INITIAL_BACKOFF", []string{"sweep", "initial_backoff"}, envDuration},
	{"RELAY_SWEEP_MAX_BACKOFF", []string{"sweep", "max_backoff"}, envDuration},
	{"RELAY_STORAGE_DRIVER", []string{"storage", "driver"}, envString},
	{"RELAY_STORAGE_DSN", []string{"storage", "dsn"}, envString},
	{"RELAY_STORAGE_DEBUG", []string{"storage", "debug"}, envBool},
}

// EnvLoader reads RELAY_* variables into the nested map cfgx builds Config
// from. Map values use "key=value,key=value".
type EnvLoader struct {
	Lookup func(string) (string, bool)
}

func (l EnvLoader) LoadRaw(context.Context) (map[string]any, error) {
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	raw := map[string]any{}
	for _, binding := range envBindings {
		value, ok := lookup(binding.name)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		parsed, err := parseEnvValue(binding.kind, strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("cli: %s: %w", binding.name, err)
		}
		setPath(raw, binding.path, parsed)
	}
	return raw, nil
}

// LoadConfig loads envFile (when present) into the process environment and
// resolves Config from it.
func LoadConfig(ctx context.Context, envFile string) (core.Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return core.Config{}, err
	}
	return core.ResolveConfig(ctx, core.Config{}, core.NewCfgxConfigProvider(EnvLoader{}), nil)
}

func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		_ = godotenv.Load()
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("cli: load env file %s: %w", path, err)
	}
	return nil
}

func parseEnvValue(kind envKind, value string) (any, error) {
	switch kind {
	case envInt:
		return strconv.ParseInt(value, 10, 64)
	case envUint:
		parsed, err := strconv.ParseUint(value, 10, 32)
		return uint32(parsed), err
	case envBool:
		return strconv.ParseBool(value)
	case envDuration:
		return time.ParseDuration(value)
	case envMap:
		return parsePairs(value)
	default:
		return value, nil
	}
}

func parsePairs(value string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, val, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	return out, nil
}

func setPath(root map[string]any, path []string, value any) {
	node := root
	for _, key := range path[:len(path)-1] {
		next, ok := node[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[key] = next
		}
		node = next
	}
	node[path[len(path)-1]] = value
}
