// Package config loads the service configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ksred/klear-oms/internal/broker"
	"github.com/ksred/klear-oms/internal/events"
	"github.com/ksred/klear-oms/internal/execution"
	"github.com/ksred/klear-oms/internal/fill"
	"github.com/ksred/klear-oms/internal/guardian"
	"github.com/ksred/klear-oms/internal/reconcile"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Mode      string           `yaml:"mode"`
	Server    Server           `yaml:"server"`
	Database  Database         `yaml:"database"`
	Execution Execution        `yaml:"execution"`
	Fill      fill.Config      `yaml:"fill"`
	Broker    Broker           `yaml:"broker"`
	Guardian  guardian.Limits  `yaml:"guardian"`
	Reconcile reconcile.Config `yaml:"reconcile"`
	Events    Events           `yaml:"events"`
	Logging   Logging          `yaml:"logging"`
}

type Server struct {
	Port        string        `yaml:"port"`
	JWTSecret   string        `yaml:"jwt_secret"`
	InternalKey string        `yaml:"internal_key"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

type Database struct {
	Path string `yaml:"path"`
}

// Execution mirrors execution.Config with YAML-friendly types.
type Execution struct {
	AllowShort          bool    `yaml:"allow_short"`
	StrictInvariants    bool    `yaml:"strict_invariants"`
	DefaultTrailStep    float64 `yaml:"default_trail_step"`
	PartialExitFraction float64 `yaml:"partial_exit_fraction"`
}

// Broker selects the live adapter. Paper mode ignores it.
type Broker struct {
	Name   string              `yaml:"name"`
	Alpaca broker.AlpacaConfig `yaml:"alpaca"`
	Retry  broker.RetryPolicy  `yaml:"retry"`
}

type Events struct {
	Buffer int `yaml:"buffer"`
}

type Logging struct {
	Level string `yaml:"level"`
}

const (
	BrokerSimulator = "simulator"
	BrokerAlpaca    = "alpaca"
)

// Default is a runnable paper configuration.
func Default() *Config {
	return &Config{
		Mode: execution.ModePaper,
		Server: Server{
			Port:        "8080",
			JWTSecret:   "klear-secret-key",
			InternalKey: "klear-internal-key",
			TokenTTL:    24 * time.Hour,
		},
		Database:  Database{Path: "klear.db"},
		Execution: Execution{AllowShort: true},
		Fill:      fill.DefaultConfig(),
		Broker: Broker{
			Name:   BrokerSimulator,
			Alpaca: broker.AlpacaConfig{BaseURL: "https://paper-api.alpaca.markets", RequestsPerSecond: 3, PollLimit: 500},
			Retry:  broker.DefaultRetryPolicy(),
		},
		Reconcile: reconcile.DefaultConfig(),
		Events:    Events{Buffer: events.DefaultCapacity},
		Logging:   Logging{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("KLEAR_MODE"); v != "" {
		cfg.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("KLEAR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("KLEAR_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("KLEAR_INTERNAL_KEY"); v != "" {
		cfg.Server.InternalKey = v
	}
	if v := os.Getenv("KLEAR_ALPACA_KEY"); v != "" {
		cfg.Broker.Alpaca.APIKey = v
	}
	if v := os.Getenv("KLEAR_ALPACA_SECRET"); v != "" {
		cfg.Broker.Alpaca.APISecret = v
	}
	if v := os.Getenv("KLEAR_ALPACA_URL"); v != "" {
		cfg.Broker.Alpaca.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (c *Config) Validate() error {
	switch c.Mode {
	case execution.ModePaper, execution.ModeLive:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", execution.ModePaper, execution.ModeLive, c.Mode)
	}
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Server.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Execution.PartialExitFraction < 0 || c.Execution.PartialExitFraction >= 1 {
		return errors.New("execution partial_exit_fraction must be in [0, 1)")
	}
	if c.Execution.DefaultTrailStep < 0 {
		return errors.New("execution default_trail_step must be non-negative")
	}
	if err := c.Fill.Validate(); err != nil {
		return fmt.Errorf("fill: %w", err)
	}
	if err := c.Broker.Retry.Validate(); err != nil {
		return fmt.Errorf("broker retry: %w", err)
	}
	switch c.Broker.Name {
	case BrokerSimulator:
	case BrokerAlpaca:
		if c.Mode == execution.ModeLive && (c.Broker.Alpaca.APIKey == "" || c.Broker.Alpaca.APISecret == "") {
			return errors.New("alpaca broker requires KLEAR_ALPACA_KEY and KLEAR_ALPACA_SECRET")
		}
	default:
		return fmt.Errorf("unknown broker %q", c.Broker.Name)
	}
	if c.Reconcile.Interval <= 0 {
		return errors.New("reconcile interval must be positive")
	}
	if c.Events.Buffer <= 0 {
		return errors.New("events buffer must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging level: %w", err)
	}
	return nil
}

// ExecutionConfig converts the execution section for the engines.
func (c *Config) ExecutionConfig() execution.Config {
	ec := execution.Config{
		AllowShort:          c.Execution.AllowShort,
		StrictInvariants:    c.Execution.StrictInvariants,
		PartialExitFraction: c.Execution.PartialExitFraction,
	}
	if c.Execution.DefaultTrailStep > 0 {
		step := decimal.NewFromFloat(c.Execution.DefaultTrailStep)
		ec.DefaultTrailStep = &step
	}
	return ec
}

// LogLevel returns the configured level, defaulting to info.
func (c *Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil || c.Logging.Level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
