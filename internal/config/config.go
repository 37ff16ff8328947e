// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/justapithecus/oracle-gateway/internal/circuitbreaker"
)

// Config is the top-level configuration for the oracle gateway.
type Config struct {
	Proxy      ProxyConfig      `yaml:"proxy"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Budget     BudgetConfig     `yaml:"budget"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Registry   RegistryConfig   `yaml:"registry"`
	Audit      AuditConfig      `yaml:"audit"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ProxyConfig holds the Interception Proxy's HTTP listener settings.
type ProxyConfig struct {
	Addr            string        `yaml:"addr"`
	UpstreamBaseURL string        `yaml:"upstream_base_url"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// CircuitBreaker is an opt-in resilience layer in front of the upstream
	// forward: off by default, since the documented contract's only
	// pre-forward gate is the budget check.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig controls the Interception Proxy's per-service
// circuit breaker.
type CircuitBreakerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ErrorThreshold float64       `yaml:"error_threshold"` // weighted error rate to trip, e.g. 0.30
	MinSamples     int           `yaml:"min_samples"`     // minimum requests before the breaker can open
	WindowSeconds  int           `yaml:"window_seconds"`  // sliding window duration
	OpenTimeout    time.Duration `yaml:"open_timeout"`    // time in OPEN before probing again
}

// breakerConfig converts CircuitBreakerConfig into the type
// circuitbreaker.NewRegistry expects, overlaying circuitbreaker.DefaultConfig
// for any zero-valued field left unset in the file.
func (c CircuitBreakerConfig) breakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	if c.ErrorThreshold > 0 {
		cfg.ErrorThreshold = c.ErrorThreshold
	}
	if c.MinSamples > 0 {
		cfg.MinSamples = c.MinSamples
	}
	if c.WindowSeconds > 0 {
		cfg.WindowSeconds = c.WindowSeconds
	}
	if c.OpenTimeout > 0 {
		cfg.OpenTimeout = c.OpenTimeout
	}
	return cfg
}

// BreakerConfig returns the circuitbreaker.Config to wire into
// proxyserver.Config.BreakerConfig.
func (p ProxyConfig) BreakerConfig() circuitbreaker.Config {
	return p.CircuitBreaker.breakerConfig()
}

// SchedulerConfig holds Sandbox Scheduler admission control settings.
type SchedulerConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	MaxQueued       int           `yaml:"max_queued"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	DeadlineSlack   time.Duration `yaml:"deadline_slack"`
	WorkspaceRoot   string        `yaml:"workspace_root"`
}

// BudgetConfig holds the per-service-class spend caps applied to every run.
// Zero means unlimited for that class.
type BudgetConfig struct {
	Chutes   float64 `yaml:"chutes"`
	Desearch float64 `yaml:"desearch"`
	Other    float64 `yaml:"other"`
}

// SandboxConfig holds Isolation Runtime resource caps.
type SandboxConfig struct {
	PythonPath   string `yaml:"python_path"`
	MemoryLimitMB int64 `yaml:"memory_limit_mb"` // e.g. 768
	CPUQuota     int64  `yaml:"cpu_quota"`        // microseconds per CPUPeriod, e.g. 50000
	CPUPeriod    int64  `yaml:"cpu_period"`       // e.g. 100000 (=> 0.5 CPU)
}

// RegistryConfig holds settings for the upstream agent registry client.
type RegistryConfig struct {
	BaseURL      string        `yaml:"base_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	TokenURL     string        `yaml:"token_url"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

// AuditConfig holds settings for the reference SQLite-backed audit sink.
type AuditConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config pre-populated with the system's documented
// defaults, to be overlaid by whatever the config file sets.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Addr:            ":8888",
			UpstreamTimeout: 120 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    150 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:        false,
				ErrorThreshold: circuitbreaker.DefaultConfig().ErrorThreshold,
				MinSamples:     circuitbreaker.DefaultConfig().MinSamples,
				WindowSeconds:  circuitbreaker.DefaultConfig().WindowSeconds,
				OpenTimeout:    circuitbreaker.DefaultConfig().OpenTimeout,
			},
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:  6,
			MaxQueued:      6,
			DefaultTimeout: 120 * time.Second,
			DeadlineSlack:  10 * time.Second,
			WorkspaceRoot:  os.TempDir(),
		},
		Budget: BudgetConfig{
			Chutes:   0.02,
			Desearch: 0.10,
			Other:    0,
		},
		Sandbox: SandboxConfig{
			PythonPath:    "python3",
			MemoryLimitMB: 768,
			CPUQuota:      50_000,
			CPUPeriod:     100_000,
		},
		Registry: RegistryConfig{
			CacheTTL: 5 * time.Minute,
		},
		Audit: AuditConfig{
			DSN: "oracle-gateway.db",
		},
	}
}
