package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Tier != domain.TierCommunity {
			t.Errorf("expected community tier, got %s", cfg.Tier)
		}
		if cfg.Analysis.FanThreshold != 10 {
			t.Errorf("expected fan threshold 10, got %d", cfg.Analysis.FanThreshold)
		}
		if cfg.Analysis.BurstWindow != time.Hour {
			t.Errorf("expected burst window 1h, got %s", cfg.Analysis.BurstWindow)
		}
		if cfg.Repository.Driver != "sqlite" {
			t.Errorf("expected sqlite driver, got %s", cfg.Repository.Driver)
		}
	})

	t.Run("MissingFileIgnored", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err != nil {
			t.Fatalf("expected missing file to be ignored, got %v", err)
		}
	})

	t.Run("YAMLOverrides", func(t *testing.T) {
		path := writeFile(t, `
server:
  port: 9090
analysis:
  fanthreshold: 12
  cyclemaxlength: 4
cache:
  localttl: 30s
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("expected port 9090, got %d", cfg.Server.Port)
		}
		if cfg.Analysis.FanThreshold != 12 {
			t.Errorf("expected fan threshold 12, got %d", cfg.Analysis.FanThreshold)
		}
		if cfg.Analysis.CycleMaxLength != 4 {
			t.Errorf("expected cycle max length 4, got %d", cfg.Analysis.CycleMaxLength)
		}
		if cfg.Analysis.CycleMinLength != 3 {
			t.Errorf("expected untouched default 3, got %d", cfg.Analysis.CycleMinLength)
		}
		if cfg.Cache.LocalTTL != 30*time.Second {
			t.Errorf("expected local ttl 30s, got %s", cfg.Cache.LocalTTL)
		}
	})

	t.Run("EnvOverridesFile", func(t *testing.T) {
		path := writeFile(t, "analysis:\n  fanthreshold: 12\n")
		t.Setenv("KESTREL_ANALYSIS_FANTHRESHOLD", "15")
		t.Setenv("KESTREL_LOGGING_LEVEL", "debug")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Analysis.FanThreshold != 15 {
			t.Errorf("expected env to win with 15, got %d", cfg.Analysis.FanThreshold)
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected debug level, got %s", cfg.Logging.Level)
		}
	})

	t.Run("ProTierFromEnv", func(t *testing.T) {
		t.Setenv("KESTREL_TIER", "pro")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Tier != domain.TierPro {
			t.Errorf("expected pro tier, got %s", cfg.Tier)
		}
		if cfg.Repository.Driver != "postgres" {
			t.Errorf("expected postgres driver, got %s", cfg.Repository.Driver)
		}
		if cfg.EventBus.Type != "nats" {
			t.Errorf("expected nats bus, got %s", cfg.EventBus.Type)
		}
		if !cfg.Worker.Enabled || cfg.Worker.Count != 5 {
			t.Errorf("expected pro worker enabled with 5, got %+v", cfg.Worker)
		}
	})

	t.Run("WorkerFromFile", func(t *testing.T) {
		path := writeFile(t, "worker:\n  enabled: true\n  count: 3\n  tenants:\n    - acme\n    - globex\ncache:\n  resultttl: 10m\n")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if !cfg.Worker.Enabled || cfg.Worker.Count != 3 {
			t.Errorf("unexpected worker config %+v", cfg.Worker)
		}
		if len(cfg.Worker.Tenants) != 2 || cfg.Worker.Tenants[1] != "globex" {
			t.Errorf("unexpected tenants %v", cfg.Worker.Tenants)
		}
		if cfg.Cache.ResultTTL != 10*time.Minute {
			t.Errorf("expected result ttl 10m, got %s", cfg.Cache.ResultTTL)
		}
	})

	t.Run("NegativeWorkerCount", func(t *testing.T) {
		t.Setenv("KESTREL_WORKER_COUNT", "-1")
		if _, err := Load(""); err == nil {
			t.Error("expected validation error for negative worker count")
		}
	})

	t.Run("ProTierFromFile", func(t *testing.T) {
		path := writeFile(t, "tier: pro\n")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Cache.Type != "redis" {
			t.Errorf("expected redis cache, got %s", cfg.Cache.Type)
		}
	})

	t.Run("UnknownTier", func(t *testing.T) {
		t.Setenv("KESTREL_TIER", "gold")
		if _, err := Load(""); err == nil {
			t.Error("expected error for unknown tier")
		}
	})

	t.Run("InvalidThresholds", func(t *testing.T) {
		path := writeFile(t, "analysis:\n  cycleminlength: 5\n  cyclemaxlength: 3\n")
		if _, err := Load(path); err == nil {
			t.Error("expected validation error for min > max")
		}
	})

	t.Run("MalformedFile", func(t *testing.T) {
		path := writeFile(t, "server: [unclosed\n")
		if _, err := Load(path); err == nil {
			t.Error("expected error for malformed yaml")
		}
	})
}

func TestValidatePresets(t *testing.T) {
	for name, cfg := range map[string]*domain.Config{
		"community": domain.DefaultConfig(),
		"pro":       domain.ProConfig(),
	} {
		t.Run(name, func(t *testing.T) {
			if err := Validate(cfg); err != nil {
				t.Errorf("preset should validate: %v", err)
			}
		})
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}
