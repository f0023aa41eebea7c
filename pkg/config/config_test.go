// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/personaguard/pkg/errors"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay != time.Second || cfg.Retry.MaxDelay != 30*time.Second {
		t.Errorf("unexpected delays: %v / %v", cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
	}
	if !cfg.Retry.Jitter {
		t.Error("expected jitter enabled by default")
	}
	if cfg.Metrics.RetentionPeriod != time.Hour || cfg.Metrics.MaxRecords != 10000 {
		t.Errorf("unexpected metrics defaults: %+v", cfg.Metrics)
	}
	if cfg.Metrics.HealthWindow != 5*time.Minute {
		t.Errorf("expected 5m health window, got %v", cfg.Metrics.HealthWindow)
	}
	if cfg.Audit.Driver != "memory" {
		t.Errorf("expected memory audit driver, got %s", cfg.Audit.Driver)
	}
	if cfg.Log.File != "" || cfg.Log.TailSize != 500 {
		t.Errorf("unexpected log defaults: file=%q tail=%d", cfg.Log.File, cfg.Log.TailSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("PERSONAGUARD_RETRY__MAX_ATTEMPTS", "5")
	t.Setenv("PERSONAGUARD_SERVER__HTTP_ADDR", ":9999")
	t.Setenv("PERSONAGUARD_METRICS__HEALTH_WINDOW", "2m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected max attempts 5 from env, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Server.HTTPAddr != ":9999" {
		t.Errorf("expected http addr from env, got %s", cfg.Server.HTTPAddr)
	}
	if cfg.Metrics.HealthWindow != 2*time.Minute {
		t.Errorf("expected 2m health window, got %v", cfg.Metrics.HealthWindow)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personaguard.yaml")
	writeFile(t, path, `
retry:
  base_delay: 250ms
  retryable_kinds: [server-error]
metrics:
  tracked_endpoints: [/search, /v2/insights]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.Retry.BaseDelay)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected default attempts to survive, got %d", cfg.Retry.MaxAttempts)
	}
	if got := strings.Join(cfg.Metrics.TrackedEndpoints, ","); got != "/search,/v2/insights" {
		t.Errorf("tracked endpoints = %q", got)
	}

	policy := cfg.Retry.Policy()
	if len(policy.RetryableKinds) != 1 || policy.RetryableKinds[0] != errors.KindServerError {
		t.Errorf("policy kinds = %v", policy.RetryableKinds)
	}
	if err := policy.Validate(); err != nil {
		t.Errorf("policy must validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadWithProfile(t *testing.T) {
	tmpDir := t.TempDir()
	basePath := filepath.Join(tmpDir, "config.yaml")
	writeFile(t, basePath, `
retry:
  max_attempts: 4
  base_delay: 2s
log:
  level: info
`)
	writeFile(t, filepath.Join(tmpDir, "config.dev.yaml"), `
retry:
  max_attempts: 1
log:
  level: debug
`)
	writeFile(t, filepath.Join(tmpDir, "config.prod.yaml"), `
retry:
  max_attempts: 6
log:
  level: warn
`)

	tests := []struct {
		name         string
		profile      string
		wantAttempts int
		wantLogLevel string
	}{
		{name: "no profile - base only", profile: "", wantAttempts: 4, wantLogLevel: "info"},
		{name: "dev profile", profile: "dev", wantAttempts: 1, wantLogLevel: "debug"},
		{name: "prod profile", profile: "prod", wantAttempts: 6, wantLogLevel: "warn"},
		{name: "nonexistent profile - falls back to base", profile: "staging", wantAttempts: 4, wantLogLevel: "info"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithProfile(basePath, tc.profile)
			if err != nil {
				t.Fatalf("LoadWithProfile failed: %v", err)
			}
			if cfg.Retry.MaxAttempts != tc.wantAttempts {
				t.Errorf("attempts: got %d, want %d", cfg.Retry.MaxAttempts, tc.wantAttempts)
			}
			if cfg.Log.Level != tc.wantLogLevel {
				t.Errorf("log level: got %s, want %s", cfg.Log.Level, tc.wantLogLevel)
			}
			if cfg.Retry.BaseDelay != 2*time.Second {
				t.Errorf("base delay must be inherited, got %v", cfg.Retry.BaseDelay)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"inverted delays", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, "retry.max_delay"},
		{"unknown kind", func(c *Config) { c.Retry.RetryableKinds = []string{"teapot"} }, "teapot"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"negative tail", func(c *Config) { c.Log.TailSize = -1 }, "log.tail_size"},
		{"window beyond retention", func(c *Config) { c.Metrics.HealthWindow = 2 * time.Hour }, "health_window"},
		{"entity bounds", func(c *Config) { c.Fallback.MinEntities = 20 }, "fallback entity bounds"},
		{"sqlite without dsn", func(c *Config) { c.Audit.Driver = "sqlite"; c.Audit.DSN = "" }, "audit.dsn"},
		{"unknown exporter", func(c *Config) { c.Telemetry.Exporter = "zipkin" }, "telemetry.exporter"},
		{"breaker thresholds", func(c *Config) { c.CircuitBreaker.FailureThreshold = 0 }, "circuit_breaker"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}

	cfg, _ := Load("")
	cfg.Log.Level = "WARNING"
	if err := cfg.Validate(); err != nil {
		t.Errorf("warning alias must be accepted: %v", err)
	}
}

func TestRedacted(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Server.APIKey = "sk-live-123"
	red := cfg.Redacted()
	if red.Server.APIKey == "sk-live-123" || red.Server.APIKey == "" {
		t.Errorf("api key not masked: %q", red.Server.APIKey)
	}
	if cfg.Server.APIKey != "sk-live-123" {
		t.Error("Redacted must not modify the receiver")
	}
}

func TestConversions(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if b := cfg.CircuitBreaker.Breaker(); b.FailureThreshold != 5 || b.Timeout != 30*time.Second {
		t.Errorf("breaker = %+v", b)
	}
	if m := cfg.Metrics.Collector(); m.HealthCheckInterval != 30*time.Second {
		t.Errorf("collector = %+v", m)
	}
	if f := cfg.Fallback.Synthesizer(); f.MaxEntities != 10 || f.MaxAudiences != 5 {
		t.Errorf("synthesizer = %+v", f)
	}
	if s := cfg.Telemetry.SDK(); s.Exporter != "none" || s.OTLPTimeoutSeconds != 10 {
		t.Errorf("telemetry = %+v", s)
	}
}

func TestProfileConfigPath(t *testing.T) {
	tmpDir := t.TempDir()
	devPath := filepath.Join(tmpDir, "config.dev.yaml")
	writeFile(t, devPath, "test")
	basePath := filepath.Join(tmpDir, "config.yaml")

	tests := []struct {
		name     string
		base     string
		profile  string
		wantPath string
	}{
		{name: "existing profile", base: basePath, profile: "dev", wantPath: devPath},
		{name: "nonexistent profile", base: basePath, profile: "prod", wantPath: ""},
		{name: "empty profile", base: basePath, profile: "", wantPath: ""},
		{name: "empty base", base: "", profile: "dev", wantPath: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := profileConfigPath(tc.base, tc.profile)
			if got != tc.wantPath {
				t.Errorf("profileConfigPath(%q, %q) = %q, want %q", tc.base, tc.profile, got, tc.wantPath)
			}
		})
	}
}
