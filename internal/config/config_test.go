package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.Reflection.IterateThreshold != 0.7 {
		t.Errorf("iterate threshold: %f", cfg.Reflection.IterateThreshold)
	}
	c := cfg.Collaboration
	if c.CapabilityWeight != 0.4 || c.LoadWeight != 0.3 || c.ResponseTimeWeight != 0.2 || c.ErrorRateWeight != 0.1 {
		t.Errorf("team scoring weights: %+v", c)
	}
	if sum := c.CapabilityWeight + c.LoadWeight + c.ResponseTimeWeight + c.ErrorRateWeight; math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("weights must sum to 1, got %f", sum)
	}
	if c.MinProficiency != 0.5 {
		t.Errorf("proficiency floor: %f", c.MinProficiency)
	}
	if cfg.Orchestration.MaxConcurrency != 4 || cfg.Orchestration.MaxIterations != 2 {
		t.Errorf("orchestration defaults: %+v", cfg.Orchestration)
	}
	if cfg.Tools.MaxAttempts != 3 || cfg.Tools.MinPerformance != 0.3 {
		t.Errorf("tool defaults: %+v", cfg.Tools)
	}
	if cfg.Server.Port != 3210 {
		t.Errorf("port: %d", cfg.Server.Port)
	}
}

func TestLoadOverridesAndKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"port": 8080},
		"reflection": {"iterate_threshold": 0.85}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port override lost: %d", cfg.Server.Port)
	}
	if cfg.Reflection.IterateThreshold != 0.85 {
		t.Errorf("threshold override lost: %f", cfg.Reflection.IterateThreshold)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.LogLevel != "info" {
		t.Errorf("log level default lost: %q", cfg.Server.LogLevel)
	}
	if cfg.Collaboration.ResponseCeiling != 10*time.Second {
		t.Errorf("response ceiling default lost: %s", cfg.Collaboration.ResponseCeiling)
	}
}

func TestLoadSubstitutesEnvironment(t *testing.T) {
	t.Setenv("CAREMESH_TEST_DSN", "postgres://real-host/caremesh")
	os.Unsetenv("CAREMESH_TEST_MISSING")

	path := writeConfig(t, `{
		"database": {
			"postgres": {"dsn": "${CAREMESH_TEST_DSN}"},
			"redis": {"url": "${CAREMESH_TEST_MISSING:redis://localhost:6379}"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Postgres.DSN != "postgres://real-host/caremesh" {
		t.Errorf("env substitution failed: %q", cfg.Database.Postgres.DSN)
	}
	if cfg.Database.Redis.URL != "redis://localhost:6379" {
		t.Errorf("inline default not applied: %q", cfg.Database.Redis.URL)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("missing file must error")
	}

	path := writeConfig(t, `{"server": `)
	if _, err := Load(path); err == nil {
		t.Error("malformed JSON must error")
	}
}
