// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server            ServerConfig      `yaml:"server"`
	Database          DatabaseConfig    `yaml:"database"`
	Redis             RedisConfig       `yaml:"redis"`
	Telemetry         TelemetryConfig   `yaml:"telemetry"`
	APIKey            string            `yaml:"api_key"`
	QwenOAuthClientID string            `yaml:"qwen_oauth_client_id"`
	Quota             QuotaConfig       `yaml:"quota"`
	Audit             AuditConfig       `yaml:"audit"`
	Tuning            TuningConfig      `yaml:"tuning"`
	Providers         ProvidersConfig   `yaml:"providers"`
	ModelMapping      map[string]string `yaml:"model_mappings"`
	Alert             AlertConfig       `yaml:"alert"`
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

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AdminKey        string        `yaml:"admin_key"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds relational-store settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RedisConfig holds blob-store settings. Addr empty means use the in-memory
// BlobStore implementation (single-instance deployments).
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// KindLimits is one quota dimension's daily and per-minute caps. 0 disables
// the corresponding check.
type KindLimits struct {
	Daily int64 `yaml:"daily"`
	RPM   int64 `yaml:"rpm"`
}

// QuotaConfig holds the admission-control limits for both dispatch kinds.
type QuotaConfig struct {
	Chat   KindLimits `yaml:"chat"`
	Search KindLimits `yaml:"search"`
}

// AuditConfig controls admin-facing audit queries.
type AuditConfig struct {
	SuccessLogs bool `yaml:"success_logs"`
}

// TuningConfig holds pool and scan tuning knobs.
type TuningConfig struct {
	ProviderScanSeconds       int `yaml:"provider_scan_seconds"`        // clamped >= 5
	ProviderFullKVScanMinutes int `yaml:"provider_full_kv_scan_minutes"` // 0 disables periodic full scan
}

// ProvidersConfig holds the static account seed list.
type ProvidersConfig struct {
	Qwen QwenProviderConfig `yaml:"qwen"`
}

// QwenProviderConfig is the Qwen-specific provider seed.
type QwenProviderConfig struct {
	AuthFiles []string `yaml:"auth_files"`
}

// AlertConfig holds AlertEngine tunables.
type AlertConfig struct {
	WebhookURL           string `yaml:"webhook_url"`
	PerAccountDailyLimit int64  `yaml:"per_account_daily_limit"`
	Threshold            int64  `yaml:"threshold"`
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

const minScanSeconds = 5

// Load reads and parses a YAML config file, expanding environment variables
// and applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "qwengate.db",
		},
		Tuning: TuningConfig{
			ProviderScanSeconds:       30,
			ProviderFullKVScanMinutes: 0,
		},
		Audit: AuditConfig{
			SuccessLogs: true,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Tuning.ProviderScanSeconds < minScanSeconds {
		cfg.Tuning.ProviderScanSeconds = minScanSeconds
	}

	return cfg, nil
}

// ScanInterval returns the light-rescan interval as a time.Duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Tuning.ProviderScanSeconds) * time.Second
}

// FullScanInterval returns the periodic full-scan interval, or 0 if disabled.
func (c *Config) FullScanInterval() time.Duration {
	if c.Tuning.ProviderFullKVScanMinutes <= 0 {
		return 0
	}
	return time.Duration(c.Tuning.ProviderFullKVScanMinutes) * time.Minute
}
