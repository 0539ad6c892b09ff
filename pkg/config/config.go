// Package config loads the service configuration from the environment and
// an optional .env file.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/studybuddy/gatekeeper/pkg/backend"
)

const insecureSecret = "your-secret-key-change-in-production"

// Store types
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Storage     StorageConfig
	RateLimit   RateLimitConfig
	Cache       CacheConfig
	Auth        AuthConfig
	Inference   InferenceConfig
	Log         LogConfig
	Tracing     TracingConfig
}

type ServerConfig struct {
	Addr              string
	GRPCAddr          string // empty disables the gRPC listener
	ShutdownTimeout   time.Duration
	TrustProxyHeaders bool
}

type StorageConfig struct {
	Type      string
	RedisURL  string
	KeyPrefix string
	Timeout   time.Duration
}

// Rule is a calls-per-period limit.
type Rule struct {
	Calls  int
	Period time.Duration
}

type RateLimitConfig struct {
	General    Rule // every route without its own rule, keyed by client
	API        Rule // inference routes, keyed by user
	Routes     map[string]Rule
	FailPolicy backend.FailPolicy
}

type CacheConfig struct {
	DefaultTTL   time.Duration
	ModelTTL     time.Duration
	MaxEntries   int
	FailPolicy   backend.FailPolicy
	SingleFlight bool
}

type AuthConfig struct {
	Secret    string
	AccessTTL time.Duration
}

type InferenceConfig struct {
	Host              string
	DefaultModel      string
	AllowedModels     []string // may be pulled on demand besides DefaultModel
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
}

type LogConfig struct {
	Level  string
	Format string // json or console
}

type TracingConfig struct {
	Enabled      bool
	Endpoint     string
	SamplingRate float64
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds the configuration from getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	e := env{getenv: getenv}

	cfg := Config{
		Environment: e.str("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Addr:              e.str("SERVER_ADDR", ":8000"),
			GRPCAddr:          e.str("GRPC_ADDR", ""),
			ShutdownTimeout:   e.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
			TrustProxyHeaders: e.bool("TRUST_PROXY_HEADERS", false),
		},
		Storage: StorageConfig{
			Type:      strings.ToLower(e.str("STORE_TYPE", StoreMemory)),
			RedisURL:  e.str("REDIS_URL", "redis://localhost:6379/0"),
			KeyPrefix: e.str("REDIS_KEY_PREFIX", "studybuddy:"),
			Timeout:   e.duration("STORE_TIMEOUT", 250*time.Millisecond),
		},
		RateLimit: RateLimitConfig{
			General: Rule{
				Calls:  e.int("RATE_LIMIT_GENERAL_CALLS", 100),
				Period: e.duration("RATE_LIMIT_GENERAL_PERIOD", time.Minute),
			},
			API: Rule{
				Calls:  e.int("RATE_LIMIT_API_CALLS", 50),
				Period: e.duration("RATE_LIMIT_API_PERIOD", time.Minute),
			},
		},
		Cache: CacheConfig{
			DefaultTTL:   e.duration("CACHE_DEFAULT_TTL", time.Hour),
			ModelTTL:     e.duration("CACHE_MODEL_TTL", time.Hour),
			MaxEntries:   e.int("CACHE_MAX_ENTRIES", 10000),
			SingleFlight: e.bool("CACHE_SINGLE_FLIGHT", false),
		},
		Auth: AuthConfig{
			Secret:    firstNonEmpty(getenv("JWT_SECRET"), getenv("SECRET_KEY"), insecureSecret),
			AccessTTL: e.duration("ACCESS_TOKEN_TTL", 30*time.Minute),
		},
		Inference: InferenceConfig{
			Host:              e.str("OLLAMA_HOST", "http://localhost:11434"),
			DefaultModel:      e.str("DEFAULT_MODEL", "llama3.2:3b"),
			AllowedModels:     e.list("ALLOWED_MODELS"),
			Timeout:           e.duration("OLLAMA_TIMEOUT", 120*time.Second),
			RequestsPerSecond: e.float("OLLAMA_RPS", 10),
			Burst:             e.int("OLLAMA_BURST", 5),
			MaxRetries:        e.int("OLLAMA_MAX_RETRIES", 3),
		},
		Log: LogConfig{
			Level:  strings.ToLower(e.str("LOG_LEVEL", "info")),
			Format: strings.ToLower(e.str("LOG_FORMAT", "json")),
		},
		Tracing: TracingConfig{
			Enabled:      e.bool("TRACING_ENABLED", false),
			Endpoint:     e.str("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate: e.float("TRACING_SAMPLING_RATE", 1.0),
		},
	}

	cfg.RateLimit.FailPolicy = e.failPolicy("RATE_LIMIT_FAIL_POLICY")
	cfg.Cache.FailPolicy = e.failPolicy("CACHE_FAIL_POLICY")
	cfg.RateLimit.Routes = e.routes("RATE_LIMIT_ROUTES")

	if len(e.errs) > 0 {
		return Config{}, fmt.Errorf("config: %s", strings.Join(e.errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Storage.Type {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("config: STORE_TYPE must be %q or %q, got %q", StoreMemory, StoreRedis, c.Storage.Type)
	}

	rules := map[string]Rule{"general": c.RateLimit.General, "api": c.RateLimit.API}
	for route, r := range c.RateLimit.Routes {
		rules[route] = r
	}
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if r := rules[name]; r.Calls < 1 || r.Period < time.Millisecond {
			return fmt.Errorf("config: rate limit %s: calls must be >= 1 and period >= 1ms", name)
		}
	}

	if c.Environment == "production" && c.Auth.Secret == insecureSecret {
		return fmt.Errorf("config: JWT_SECRET must be set in production")
	}
	return nil
}

type env struct {
	getenv func(string) string
	errs   []string
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("invalid %s: %v", key, err))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("invalid %s: %v", key, err))
		return def
	}
	return f
}

func (e *env) bool(key string, def bool) bool {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("invalid %s: %v", key, err))
		return def
	}
	return b
}

// duration accepts Go durations ("90s") and bare seconds ("90").
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	d, err := parseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("invalid %s: %v", key, err))
		return def
	}
	return d
}

func (e *env) failPolicy(key string) backend.FailPolicy {
	p, err := backend.ParseFailPolicy(e.getenv(key))
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("invalid %s: %v", key, err))
	}
	return p
}

// routes parses "/chat:50:60,/models:200:1m". The path is everything
// before the last two colons.
func (e *env) list(key string) []string {
	var out []string
	for _, item := range strings.Split(e.getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (e *env) routes(key string) map[string]Rule {
	out := make(map[string]Rule)
	for _, item := range strings.Split(e.getenv(key), ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		rest, periodStr, ok1 := cutLast(item, ":")
		path, callsStr, ok2 := cutLast(rest, ":")
		if !ok1 || !ok2 || path == "" {
			e.errs = append(e.errs, fmt.Sprintf("invalid %s entry %q: want path:calls:period", key, item))
			continue
		}
		calls, err := strconv.Atoi(callsStr)
		if err != nil {
			e.errs = append(e.errs, fmt.Sprintf("invalid %s entry %q: %v", key, item, err))
			continue
		}
		period, err := parseDuration(periodStr)
		if err != nil {
			e.errs = append(e.errs, fmt.Sprintf("invalid %s entry %q: %v", key, item, err))
			continue
		}
		out[path] = Rule{Calls: calls, Period: period}
	}
	return out
}

func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
