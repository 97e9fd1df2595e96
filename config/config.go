// Package config centralises runtime configuration for the pricemesh collector.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/pricemesh/internal/conductor"
	"github.com/coachpo/pricemesh/internal/kafka"
	"github.com/coachpo/pricemesh/internal/monitor"
	"github.com/coachpo/pricemesh/internal/ratelimit"
	"github.com/coachpo/pricemesh/internal/retry"
)

// Environment identifies the runtime environment where the collector operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const (
	envPrefix         = "PRICEMESH_"
	defaultConfigPath = "config/collector.yaml"
	exampleConfigPath = "config/collector.example.yaml"
)

// AppConfig is the collector configuration tree loaded from defaults, YAML and
// environment overrides.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Collect     CollectConfig    `yaml:"collect"`
	Retry       retry.Policy     `yaml:"retry"`
	Limits      ratelimit.Limits `yaml:"limits"`
	Sources     []SourceConfig   `yaml:"sources"`
	Monitor     MonitorConfig    `yaml:"monitor"`
	Kafka       kafka.Config     `yaml:"kafka"`
	Postgres    PostgresConfig   `yaml:"postgres"`
}

// HTTPConfig governs the admin and query HTTP listener.
type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

// CollectConfig tunes collection rounds.
type CollectConfig struct {
	conductor.Config `yaml:",inline"`
	LimitPerSource   int `yaml:"limitPerSource"`
}

// MonitorConfig declares the monitoring schedule and the references it tracks.
type MonitorConfig struct {
	Enabled        bool `yaml:"enabled"`
	monitor.Config `yaml:",inline"`
	References     []ReferenceConfig `yaml:"references"`
}

// PostgresConfig governs the optional price history store.
type PostgresConfig struct {
	Enabled        bool          `yaml:"enabled"`
	DSN            string        `yaml:"dsn"`
	MaxConns       int32         `yaml:"maxConns"`
	MinConns       int32         `yaml:"minConns"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// Default returns the default collector configuration.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		HTTP: HTTPConfig{
			Addr:              ":8880",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Collect: CollectConfig{
			Config:         conductor.DefaultConfig(),
			LimitPerSource: 10,
		},
		Retry:  retry.DefaultPolicy(),
		Limits: ratelimit.DefaultLimits(),
		Sources: []SourceConfig{
			{Name: "amazon", Enabled: true, Limits: &ratelimit.Limits{MinSpacing: time.Second, MaxConcurrent: 2}},
			{Name: "ebay", Enabled: true, Limits: &ratelimit.Limits{MinSpacing: 500 * time.Millisecond, MaxConcurrent: 2}},
			{Name: "walmart", Enabled: true},
			{Name: "jd", Enabled: true, Limits: &ratelimit.Limits{MinSpacing: 2 * time.Second, MaxConcurrent: 1}},
			{Name: "fake"},
			{Name: "feed"},
			{Name: "script"},
		},
		Monitor: MonitorConfig{
			Enabled: false,
			Config:  monitor.DefaultConfig(),
		},
		Kafka: kafka.Config{
			Enabled:  false,
			Topic:    "price-events",
			ClientID: "pricemesh",
		},
		Postgres: PostgresConfig{
			Enabled:        false,
			MaxConns:       8,
			MinConns:       1,
			ConnectTimeout: 5 * time.Second,
		},
	}
}

// Load reads the collector configuration YAML from disk, overlays environment
// variables and validates the result. An empty path falls back to
// PRICEMESH_CONFIG and then to the default location.
func Load(ctx context.Context, path string) (AppConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultConfigPath
	}

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read collector config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal collector config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(ctx); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// envOverrides mirrors the deployment-varying knobs onto PRICEMESH_* variables.
type envOverrides struct {
	Environment  string   `env:"ENVIRONMENT"`
	HTTPAddr     string   `env:"HTTP_ADDR"`
	KafkaEnabled *bool    `env:"KAFKA_ENABLED"`
	KafkaBrokers []string `env:"KAFKA_BROKERS"`
	KafkaTopic   string   `env:"KAFKA_TOPIC"`
	PostgresDSN  string   `env:"POSTGRES_DSN"`
}

func applyEnv(cfg *AppConfig) error {
	var ov envOverrides
	if err := env.ParseWithOptions(&ov, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}
	if v := strings.TrimSpace(ov.Environment); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(ov.HTTPAddr); v != "" {
		cfg.HTTP.Addr = v
	}
	if ov.KafkaEnabled != nil {
		cfg.Kafka.Enabled = *ov.KafkaEnabled
	}
	if len(ov.KafkaBrokers) > 0 {
		cfg.Kafka.Brokers = ov.KafkaBrokers
	}
	if v := strings.TrimSpace(ov.KafkaTopic); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := strings.TrimSpace(ov.PostgresDSN); v != "" {
		cfg.Postgres.DSN = v
	}
	return nil
}

// Validate performs semantic validation on the loaded configuration.
func (c AppConfig) Validate(ctx context.Context) error {
	_ = ctx
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("http addr required")
	}
	if c.Collect.CallTimeout <= 0 {
		return fmt.Errorf("collect callTimeout must be >0")
	}
	if c.Collect.MaxParallel < 0 {
		return fmt.Errorf("collect maxParallel must be >=0")
	}
	if c.Collect.LimitPerSource <= 0 {
		return fmt.Errorf("collect limitPerSource must be >0")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry maxAttempts must be >=1")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry baseDelay must be >0")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry maxDelay must be >= baseDelay")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry jitter must be within [0,1]")
	}
	if err := validateLimits("limits", c.Limits); err != nil {
		return err
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("sources required")
	}
	enabled := make(map[string]bool, len(c.Sources))
	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		name := strings.ToLower(strings.TrimSpace(src.Name))
		if name == "" {
			return fmt.Errorf("sources[%d]: name required", i)
		}
		if seen[name] {
			return fmt.Errorf("sources[%d]: duplicate source %s", i, name)
		}
		seen[name] = true
		if src.Limits != nil {
			if err := validateLimits(fmt.Sprintf("sources[%d] limits", i), *src.Limits); err != nil {
				return err
			}
		}
		if src.Enabled {
			enabled[name] = true
		}
	}
	if len(enabled) == 0 {
		return fmt.Errorf("at least one source must be enabled")
	}

	if c.Monitor.Enabled {
		if c.Monitor.TickInterval <= 0 {
			return fmt.Errorf("monitor tickInterval must be >0")
		}
		if c.Monitor.SignificantPercent < 0 {
			return fmt.Errorf("monitor significantPercent must be >=0")
		}
		if len(c.Monitor.References) == 0 {
			return fmt.Errorf("monitor references required")
		}
		names := make(map[string]bool, len(c.Monitor.References))
		for i, ref := range c.Monitor.References {
			if err := ref.Validate(); err != nil {
				return fmt.Errorf("monitor references[%d]: %w", i, err)
			}
			key := strings.ToLower(strings.TrimSpace(ref.Name))
			if names[key] {
				return fmt.Errorf("monitor references[%d]: duplicate reference %s", i, ref.Name)
			}
			names[key] = true
			if ref.Direct() && !enabled[strings.ToLower(strings.TrimSpace(ref.Source))] {
				return fmt.Errorf("monitor references[%d]: source %s not enabled", i, ref.Source)
			}
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if strings.TrimSpace(c.Kafka.Topic) == "" {
			return fmt.Errorf("kafka topic required")
		}
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			return fmt.Errorf("postgres dsn required")
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("postgres minConns must be >=0")
		}
		if c.Postgres.MaxConns > 0 && c.Postgres.MinConns > c.Postgres.MaxConns {
			return fmt.Errorf("postgres minConns must be <= maxConns")
		}
	}
	return nil
}

func validateLimits(section string, l ratelimit.Limits) error {
	if l.MinSpacing < 0 {
		return fmt.Errorf("%s minSpacing must be >=0", section)
	}
	if l.MaxConcurrent < 1 {
		return fmt.Errorf("%s maxConcurrent must be >=1", section)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	safePath := filepath.Clean(path)
	var closeFn func()
	file, err := os.Open(safePath) // #nosec G304 -- configuration paths are controlled by operators.
	if err == nil {
		closeFn = func() { _ = file.Close() }
		return file, closeFn, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("open collector config: %w", err)
	}
	file, err = os.Open(exampleConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open collector config: %w", err)
	}
	closeFn = func() { _ = file.Close() }
	return file, closeFn, nil
}
