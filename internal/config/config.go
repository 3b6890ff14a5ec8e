// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"go.yaml.in/yaml/v3"

	roastguard "github.com/eugener/roastguard/internal"
	"github.com/eugener/roastguard/internal/pricing"
	"github.com/eugener/roastguard/internal/quota"
)

// Config is the top-level roastguard configuration.
type Config struct {
	Server       ServerConfig      `yaml:"server"`
	Database     DatabaseConfig    `yaml:"database"`
	Log          LogConfig         `yaml:"log"`
	Auth         AuthConfig        `yaml:"auth"`
	Policy       PolicyConfig      `yaml:"policy"`
	Pricing      PricingConfig     `yaml:"pricing"`
	KillSwitch   KillSwitchConfig  `yaml:"killswitch"`
	Reservations ReservationConfig `yaml:"reservations"`
	Reaper       ReaperConfig      `yaml:"reaper"`
	Cache        CacheConfig       `yaml:"cache"`
	Alerts       AlertsConfig      `yaml:"alerts"`
	Telemetry    TelemetryConfig   `yaml:"telemetry"`
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
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// BurstRPM caps admit calls per client address per minute before they
	// reach the store (0 disables). Burst is the bucket size.
	BurstRPM int64 `yaml:"burst_rpm"`
	Burst    int64 `yaml:"burst"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // bearer token for /admin routes; empty disables them
}

// LimitEntry is a count cap in the config file.
type LimitEntry struct {
	Max    int64  `yaml:"max"`
	Window string `yaml:"window"`
}

// PolicyConfig is the quota policy section.
type PolicyConfig struct {
	Session             LimitEntry `yaml:"session"`
	IP                  LimitEntry `yaml:"ip"`
	Global              LimitEntry `yaml:"global"`
	Timezone            string     `yaml:"timezone"`
	MonthlyBudgetUSD    string     `yaml:"monthly_budget_usd"`
	WarningThresholdPct float64    `yaml:"warning_threshold_pct"`
}

// ModelPrice is a model's list price in the config file, in USD per
// million tokens.
type ModelPrice struct {
	Input  string `yaml:"input_per_mtok"`
	Output string `yaml:"output_per_mtok"`
	// CacheWrite is optional; empty charges cache writes at 1.25x Input.
	CacheWrite string `yaml:"cache_write_per_mtok"`
}

// PricingConfig is the cost estimator section.
type PricingConfig struct {
	Models               map[string]ModelPrice `yaml:"models"`
	PromptOverheadTokens int64                 `yaml:"prompt_overhead_tokens"`
	MaxOutputTokens      int64                 `yaml:"max_output_tokens"`
	MaxInputBytes        int64                 `yaml:"max_input_bytes"`
	PromptCaching        bool                  `yaml:"prompt_caching"`
}

// KillSwitchConfig controls how the kill switch is read.
type KillSwitchConfig struct {
	Direct          bool          `yaml:"direct"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	MaxStaleness    time.Duration `yaml:"max_staleness"`
}

// ReservationConfig controls the abandoned reservation watchdog.
type ReservationConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ReaperConfig controls old bucket deletion.
type ReaperConfig struct {
	Schedule string `yaml:"schedule"` // five-field cron in the policy time zone
	KeepDays int    `yaml:"keep_days"`
}

// CacheConfig holds the remaining-quota snapshot cache settings.
type CacheConfig struct {
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
}

// AlertsConfig holds budget alert delivery settings.
type AlertsConfig struct {
	WebhookURL string `yaml:"webhook_url"` // empty disables delivery
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

// Default returns the configuration used when no file overrides a field.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8787",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			BurstRPM:        60,
			Burst:           20,
		},
		Database: DatabaseConfig{
			DSN: "roastguard.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Policy: PolicyConfig{
			Session:             LimitEntry{Max: 10, Window: "day"},
			IP:                  LimitEntry{Max: 30, Window: "day"},
			Global:              LimitEntry{Max: 500, Window: "day"},
			Timezone:            "UTC",
			MonthlyBudgetUSD:    "20.00",
			WarningThresholdPct: 80,
		},
		Pricing: PricingConfig{
			PromptOverheadTokens: 1500,
			MaxOutputTokens:      1024,
			MaxInputBytes:        8000,
		},
		KillSwitch: KillSwitchConfig{
			RefreshInterval: 2 * time.Second,
			MaxStaleness:    10 * time.Second,
		},
		Reservations: ReservationConfig{
			Timeout:       2 * time.Minute,
			SweepInterval: 15 * time.Second,
		},
		Reaper: ReaperConfig{
			Schedule: "15 3 * * *",
			KeepDays: 35,
		},
		Cache: CacheConfig{
			MaxSize: 10_000,
			TTL:     5 * time.Second,
		},
	}
}

// defaultModels applies only when the file names no models, so a file
// listing its own models never inherits these.
func defaultModels() map[string]ModelPrice {
	return map[string]ModelPrice{
		"claude-haiku-4-5": {Input: "1.00", Output: "5.00"},
	}
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

// BuildPolicy converts the policy section into a validated quota.Policy.
func (c *Config) BuildPolicy() (*quota.Policy, error) {
	loc, err := time.LoadLocation(c.Policy.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", roastguard.ErrInvalidPolicy, c.Policy.Timezone, err)
	}
	budget, err := roastguard.ParseUSD(c.Policy.MonthlyBudgetUSD)
	if err != nil {
		return nil, fmt.Errorf("%w: monthly_budget_usd %q: %v", roastguard.ErrInvalidPolicy, c.Policy.MonthlyBudgetUSD, err)
	}
	p := &quota.Policy{
		Session:       limit(c.Policy.Session),
		IP:            limit(c.Policy.IP),
		Global:        limit(c.Policy.Global),
		MonthlyBudget: budget,
		WarningPct:    c.Policy.WarningThresholdPct,
		Location:      loc,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func limit(e LimitEntry) quota.Limit {
	w := quota.Window(e.Window)
	if w == "" {
		w = quota.WindowDay
	}
	return quota.Limit{Max: e.Max, Window: w}
}

// BuildPricing converts the pricing section into a price table.
func (c *Config) BuildPricing() (*pricing.Table, error) {
	models := c.Pricing.Models
	if len(models) == 0 {
		models = defaultModels()
	}
	t := &pricing.Table{
		Models:               make(map[string]pricing.Price, len(models)),
		PromptOverheadTokens: c.Pricing.PromptOverheadTokens,
		MaxOutputTokens:      c.Pricing.MaxOutputTokens,
		MaxInputBytes:        c.Pricing.MaxInputBytes,
		PromptCaching:        c.Pricing.PromptCaching,
	}
	for name, mp := range models {
		in, err := decimal.NewFromString(mp.Input)
		if err != nil {
			return nil, fmt.Errorf("pricing: model %s input price %q: %w", name, mp.Input, err)
		}
		out, err := decimal.NewFromString(mp.Output)
		if err != nil {
			return nil, fmt.Errorf("pricing: model %s output price %q: %w", name, mp.Output, err)
		}
		var write decimal.Decimal
		if mp.CacheWrite != "" {
			if write, err = decimal.NewFromString(mp.CacheWrite); err != nil {
				return nil, fmt.Errorf("pricing: model %s cache write price %q: %w", name, mp.CacheWrite, err)
			}
		}
		if in.IsNegative() || out.IsNegative() || write.IsNegative() {
			return nil, fmt.Errorf("pricing: model %s has a negative price", name)
		}
		t.Models[name] = pricing.Price{InputPerMTok: in, OutputPerMTok: out, CacheWritePerMTok: write}
	}
	if t.PromptOverheadTokens < 0 || t.MaxOutputTokens < 0 || t.MaxInputBytes <= 0 {
		return nil, fmt.Errorf("pricing: token bounds must be non-negative and max_input_bytes positive")
	}
	return t, nil
}
