package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Server.Port)
	}
	if cfg.Cache.Backend != "sqlite" {
		t.Errorf("expected sqlite backend by default, got %q", cfg.Cache.Backend)
	}
	if cfg.Logging.Mode != "production" {
		t.Errorf("expected production logging, got %q", cfg.Logging.Mode)
	}
	if cfg.Security.MaxRequestBodySize != 10<<20 {
		t.Errorf("expected 10MB body limit, got %d", cfg.Security.MaxRequestBodySize)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.Rate != 100 {
		t.Errorf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Simulation.Seed != 1 || cfg.Simulation.PollTickSeconds != 5 {
		t.Errorf("unexpected simulation defaults: %+v", cfg.Simulation)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"server": {"port": "9999"},
		"cache": {"backend": "memory"},
		"simulation": {"seed": 42, "poll_tick_seconds": 1, "test_tick_seconds": 10}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != "9999" {
		t.Errorf("expected the file port, got %q", cfg.Server.Port)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("expected the file backend, got %q", cfg.Cache.Backend)
	}
	if cfg.Simulation.Seed != 42 {
		t.Errorf("expected the file seed, got %d", cfg.Simulation.Seed)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server": {"port": "9999"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SERVER_PORT", "7777")
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("SIMULATION_SEED", "99")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != "7777" {
		t.Errorf("expected the env port to win, got %q", cfg.Server.Port)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("expected the env backend, got %q", cfg.Cache.Backend)
	}
	if cfg.Simulation.Seed != 99 {
		t.Errorf("expected the env seed, got %d", cfg.Simulation.Seed)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.json"); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, _ := LoadConfig("")
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Errorf("defaults must validate, got %v", err)
	}

	cfg := base()
	cfg.Server.Port = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for an empty port")
	}

	cfg = base()
	cfg.Cache.Backend = "memcached"
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for an unknown backend")
	}

	cfg = base()
	cfg.Cache.Backend = "sqlite"
	cfg.Cache.SQLitePath = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for a missing sqlite path")
	}

	cfg = base()
	cfg.Cache.Backend = "redis"
	cfg.Cache.RedisAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for a missing redis address")
	}

	cfg = base()
	cfg.RateLimit.Rate = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for a zero rate limit")
	}

	cfg = base()
	cfg.RateLimit.Enabled = false
	cfg.RateLimit.Rate = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("a disabled rate limit must not be validated, got %v", err)
	}

	cfg = base()
	cfg.Simulation.PollTickSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for a zero poll tick")
	}
}
