package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fraudwatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	def := domain.DefaultConfig()
	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.Server.Port != def.Server.Port {
		t.Errorf("expected port %d, got %d", def.Server.Port, cfg.Server.Port)
	}
	if cfg.Repository.Driver != "sqlite" || cfg.Cache.Type != "memory" || cfg.EventBus.Type != "channel" {
		t.Errorf("unexpected backends %s/%s/%s", cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type)
	}
	if cfg.Oracle.Timeout != 10*time.Second {
		t.Errorf("expected 10s oracle timeout, got %s", cfg.Oracle.Timeout)
	}
	if cfg.Pipeline.DefaultCurrency != domain.DefaultCurrency {
		t.Errorf("expected %s, got %s", domain.DefaultCurrency, cfg.Pipeline.DefaultCurrency)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
oracle:
  backend: http
  endpoint: http://inference.local/v1/assess
  model: risk-small
  timeout: 3s
reconciler:
  interval: 30s
  batch_size: 10
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Oracle.Backend != domain.OracleBackendHTTP || cfg.Oracle.Model != "risk-small" {
		t.Errorf("unexpected oracle config %+v", cfg.Oracle)
	}
	if cfg.Oracle.Timeout != 3*time.Second {
		t.Errorf("expected 3s, got %s", cfg.Oracle.Timeout)
	}
	if cfg.Reconciler.Interval != 30*time.Second || cfg.Reconciler.BatchSize != 10 {
		t.Errorf("unexpected reconciler config %+v", cfg.Reconciler)
	}
	if !cfg.Reconciler.Enabled {
		t.Error("keys missing from the file should keep their defaults")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected text logging, got %s", cfg.Logging.Format)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("FRAUDWATCH_SERVER_PORT", "7070")
	t.Setenv("FRAUDWATCH_WORKER_COUNT", "8")
	t.Setenv("FRAUDWATCH_PIPELINE_VELOCITY_WINDOW", "15m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("env should override the file, got port %d", cfg.Server.Port)
	}
	if cfg.Worker.Count != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Worker.Count)
	}
	if cfg.Pipeline.VelocityWindow != 15*time.Minute {
		t.Errorf("expected 15m window, got %s", cfg.Pipeline.VelocityWindow)
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("FRAUDWATCH_TIER", "pro")
	t.Setenv("FRAUDWATCH_EVENT_BUS_NATS_URL", "nats://bus:4222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tier != domain.TierPro {
		t.Errorf("expected pro tier, got %s", cfg.Tier)
	}
	if cfg.Repository.Driver != "postgres" || cfg.Cache.Type != "redis" || cfg.EventBus.Type != "nats" {
		t.Errorf("expected pro backends, got %s/%s/%s", cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type)
	}
	if cfg.EventBus.NATSUrl != "nats://bus:4222" {
		t.Errorf("expected overridden nats url, got %s", cfg.EventBus.NATSUrl)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("HTTPOracleWithoutEndpoint", func(t *testing.T) {
		path := writeConfig(t, "oracle:\n  backend: http\n")
		_, err := Load(path)
		if err == nil || !strings.Contains(err.Error(), "oracle.endpoint") {
			t.Errorf("expected endpoint error, got %v", err)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Config)
		want   string
	}{
		{"BadPort", func(c *domain.Config) { c.Server.Port = 70000 }, "server.port"},
		{"UnknownDriver", func(c *domain.Config) { c.Repository.Driver = "mysql" }, "repository.driver"},
		{"UnknownCache", func(c *domain.Config) { c.Cache.Type = "memcached" }, "cache.type"},
		{"UnknownBus", func(c *domain.Config) { c.EventBus.Type = "kafka" }, "event_bus.type"},
		{"UnknownOracle", func(c *domain.Config) { c.Oracle.Backend = "magic" }, "oracle.backend"},
		{"ZeroTimeout", func(c *domain.Config) { c.Oracle.Timeout = 0 }, "oracle.timeout"},
		{"ZeroInterval", func(c *domain.Config) { c.Reconciler.Interval = 0 }, "reconciler.interval"},
		{"GraceWithinOracleTimeout", func(c *domain.Config) { c.Reconciler.GracePeriod = 5 * time.Second }, "reconciler.grace_period"},
		{"UnknownTier", func(c *domain.Config) { c.Tier = "enterprise" }, "tier"},
	}

	if err := Validate(domain.DefaultConfig()); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if err := Validate(domain.ProConfig()); err != nil {
		t.Fatalf("pro config should be valid: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}
