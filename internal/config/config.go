// Package config loads control-plane configuration: a thin EnvConfig
// helper for simple services, and a viper-backed loader
// (flags > env > config file > defaults) for the full set of
// orchestrator/gateway/billing settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvConfig loads individual values from environment variables with an
// optional prefix.
type EnvConfig struct {
	prefix string
}

func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

func (ec *EnvConfig) GetString(key, def string) string {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		return v
	}
	return def
}

func (ec *EnvConfig) MustGetString(key string) string {
	full := ec.buildKey(key)
	v := os.Getenv(full)
	if v == "" {
		panic(fmt.Sprintf("required environment variable %s not set", full))
	}
	return v
}

func (ec *EnvConfig) GetInt(key string, def int) int {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (ec *EnvConfig) GetBool(key string, def bool) bool {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (ec *EnvConfig) GetDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Config is the full set of control-plane settings, viper-loadable from
// flags, environment variables (prefixed FORGE_), or a config file.
type Config struct {
	ServiceName string
	LogLevel    string
	LogFormat   string
	HTTPAddr    string

	BrokerURL         string // Redis queue/cache/pub-sub broker
	DurableStoreURL   string // Postgres DSN
	DurableServiceKey string
	TokenVerifierURL  string

	PricingCacheTTL time.Duration

	MinPoolSize     int
	MaxPoolSize     int
	MaxSandboxAge   time.Duration
	MaxIdleSeconds  time.Duration
	WarmupInterval  time.Duration
	CleanupInterval time.Duration
	ExpiryInterval  time.Duration

	ActivationThreshold   float64
	DeactivationThreshold float64
	OpenDuration          time.Duration
	HalfOpenMaxRequests   int

	RateLimitRequestsPerMinute int
	MaxRetries                 int
	BaseRetryDelay             time.Duration
	MaxRetryDelay              time.Duration

	TransientErrorKeywords []string

	JWTSecret    string
	JWTIssuer    string
	JWTExpiry    time.Duration

	ModelClientURL string
	ModelClientKey string
	DefaultModel   string
	DockerHost     string
}

// Load builds a viper instance layering defaults, an optional config
// file, FORGE_-prefixed environment variables, and flags bound by the
// caller (cobra commands call BindPFlags against v before Load reads it).
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		ServiceName:                v.GetString("service_name"),
		LogLevel:                   v.GetString("log_level"),
		LogFormat:                  v.GetString("log_format"),
		HTTPAddr:                   v.GetString("http_addr"),
		BrokerURL:                  v.GetString("broker_url"),
		DurableStoreURL:            v.GetString("durable_store_url"),
		DurableServiceKey:          v.GetString("durable_service_key"),
		TokenVerifierURL:           v.GetString("token_verifier_url"),
		PricingCacheTTL:            v.GetDuration("pricing_cache_ttl"),
		MinPoolSize:                v.GetInt("min_pool_size"),
		MaxPoolSize:                v.GetInt("max_pool_size"),
		MaxSandboxAge:              v.GetDuration("max_sandbox_age"),
		MaxIdleSeconds:             v.GetDuration("max_idle_seconds"),
		WarmupInterval:             v.GetDuration("warmup_interval"),
		CleanupInterval:            v.GetDuration("cleanup_interval"),
		ExpiryInterval:             v.GetDuration("expiry_interval"),
		ActivationThreshold:        v.GetFloat64("activation_threshold"),
		DeactivationThreshold:      v.GetFloat64("deactivation_threshold"),
		OpenDuration:               v.GetDuration("open_duration"),
		HalfOpenMaxRequests:        v.GetInt("half_open_max_requests"),
		RateLimitRequestsPerMinute: v.GetInt("rate_limit_requests_per_minute"),
		MaxRetries:                 v.GetInt("max_retries"),
		BaseRetryDelay:             v.GetDuration("base_retry_delay"),
		MaxRetryDelay:              v.GetDuration("max_retry_delay"),
		TransientErrorKeywords:     v.GetStringSlice("transient_error_keywords"),
		JWTSecret:                  v.GetString("jwt_secret"),
		JWTIssuer:                  v.GetString("jwt_issuer"),
		JWTExpiry:                  v.GetDuration("jwt_expiry"),
		ModelClientURL:             v.GetString("model_client_url"),
		ModelClientKey:             v.GetString("model_client_key"),
		DefaultModel:               v.GetString("default_model"),
		DockerHost:                 v.GetString("docker_host"),
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "forge-control")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("broker_url", "redis://localhost:6379/0")
	v.SetDefault("durable_store_url", "postgres://localhost:5432/forge")
	v.SetDefault("token_verifier_url", "")
	v.SetDefault("pricing_cache_ttl", "1h")
	v.SetDefault("min_pool_size", 2)
	v.SetDefault("max_pool_size", 20)
	v.SetDefault("max_sandbox_age", "1h")
	v.SetDefault("max_idle_seconds", "5m")
	v.SetDefault("warmup_interval", "30s")
	v.SetDefault("cleanup_interval", "60s")
	v.SetDefault("expiry_interval", "5m")
	v.SetDefault("activation_threshold", 0.95)
	v.SetDefault("deactivation_threshold", 0.85)
	v.SetDefault("open_duration", "30s")
	v.SetDefault("half_open_max_requests", 5)
	v.SetDefault("rate_limit_requests_per_minute", 60)
	v.SetDefault("max_retries", 5)
	v.SetDefault("base_retry_delay", "30s")
	v.SetDefault("max_retry_delay", "15m")
	v.SetDefault("transient_error_keywords", []string{
		"timeout", "connection", "unavailable", "rate limit", "temporarily",
		"502", "503", "504",
	})
	v.SetDefault("jwt_issuer", "forge-control")
	v.SetDefault("jwt_expiry", "24h")
	v.SetDefault("model_client_url", "")
	v.SetDefault("default_model", "gpt-4o-mini")
	v.SetDefault("docker_host", "")
}
