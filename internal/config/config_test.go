package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/klear-oms/internal/execution"
	"github.com/ksred/klear-oms/internal/fill"
	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
mode: live
server:
  port: "9090"
execution:
  allow_short: false
  default_trail_step: 2.5
  partial_exit_fraction: 0.5
fill:
  pricing_mode: mid
  slippage_bps: 5
  latency: 250ms
broker:
  name: simulator
  retry:
    max_attempts: 5
    delay: 100ms
    backoff: fixed
guardian:
  max_order_qty: 100
  blocked_symbols: [BANNED]
reconcile:
  interval: 3s
  positions: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Mode != execution.ModeLive || cfg.Server.Port != "9090" {
		t.Errorf("mode/port = %s/%s", cfg.Mode, cfg.Server.Port)
	}
	if cfg.Fill.PricingMode != fill.PricingMid || cfg.Fill.Latency != 250*time.Millisecond {
		t.Errorf("fill = %+v", cfg.Fill)
	}
	if cfg.Broker.Retry.MaxAttempts != 5 || cfg.Broker.Retry.Delay != 100*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Broker.Retry)
	}
	if cfg.Guardian.MaxOrderQty != 100 || len(cfg.Guardian.BlockedSymbols) != 1 {
		t.Errorf("guardian = %+v", cfg.Guardian)
	}
	if cfg.Reconcile.Interval != 3*time.Second {
		t.Errorf("reconcile = %+v", cfg.Reconcile)
	}
	// Keys missing from the file keep their defaults.
	if cfg.Database.Path != "klear.db" || cfg.Events.Buffer != 1000 {
		t.Errorf("defaults lost: db=%q buffer=%d", cfg.Database.Path, cfg.Events.Buffer)
	}

	ec := cfg.ExecutionConfig()
	if ec.AllowShort || ec.PartialExitFraction != 0.5 || ec.DefaultTrailStep == nil || ec.DefaultTrailStep.String() != "2.5" {
		t.Errorf("execution config = %+v", ec)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("KLEAR_MODE", "LIVE")
	t.Setenv("KLEAR_DB_PATH", "/tmp/other.db")
	t.Setenv("KLEAR_JWT_SECRET", "s3cret")
	t.Setenv("KLEAR_ALPACA_KEY", "key")
	t.Setenv("KLEAR_ALPACA_SECRET", "secret")

	cfg, err := Load(writeFile(t, "broker:\n  name: alpaca\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "7070" || cfg.Mode != execution.ModeLive || cfg.Database.Path != "/tmp/other.db" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Server.JWTSecret != "s3cret" || cfg.Broker.Alpaca.APIKey != "key" {
		t.Errorf("secrets not applied")
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
	if _, err := Load(writeFile(t, "mode: [")); err == nil {
		t.Error("malformed yaml accepted")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown mode", mutate: func(c *Config) { c.Mode = "backtest" }},
		{name: "empty port", mutate: func(c *Config) { c.Server.Port = "" }},
		{name: "partial fraction one", mutate: func(c *Config) { c.Execution.PartialExitFraction = 1 }},
		{name: "negative trail step", mutate: func(c *Config) { c.Execution.DefaultTrailStep = -1 }},
		{name: "bad pricing mode", mutate: func(c *Config) { c.Fill.PricingMode = "vwap" }},
		{name: "unknown broker", mutate: func(c *Config) { c.Broker.Name = "ib" }},
		{name: "live alpaca without keys", mutate: func(c *Config) {
			c.Mode = execution.ModeLive
			c.Broker.Name = BrokerAlpaca
		}},
		{name: "zero reconcile interval", mutate: func(c *Config) { c.Reconcile.Interval = 0 }},
		{name: "zero event buffer", mutate: func(c *Config) { c.Events.Buffer = 0 }},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil")
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "debug"
	if cfg.LogLevel() != zerolog.DebugLevel {
		t.Errorf("LogLevel = %v", cfg.LogLevel())
	}
	cfg.Logging.Level = ""
	if cfg.LogLevel() != zerolog.InfoLevel {
		t.Errorf("empty LogLevel = %v", cfg.LogLevel())
	}
}
