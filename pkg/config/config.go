// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads personaguard settings from defaults, YAML files,
// PERSONAGUARD_ environment variables and --set overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override. Sections are separated by
// a double underscore: PERSONAGUARD_RETRY__MAX_ATTEMPTS sets retry.max_attempts.
const EnvPrefix = "PERSONAGUARD_"

type Config struct {
	Log            LogConfig            `koanf:"log" yaml:"log"`
	Retry          RetryConfig          `koanf:"retry" yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker" yaml:"circuit_breaker"`
	Metrics        MetricsConfig        `koanf:"metrics" yaml:"metrics"`
	Fallback       FallbackConfig       `koanf:"fallback" yaml:"fallback"`
	Audit          AuditConfig          `koanf:"audit" yaml:"audit"`
	Telemetry      TelemetryConfig      `koanf:"telemetry" yaml:"telemetry"`
	Server         ServerConfig         `koanf:"server" yaml:"server"`
}

type LogConfig struct {
	Level      string   `koanf:"level" yaml:"level"`
	Format     string   `koanf:"format" yaml:"format"` // json, text, console
	RedactKeys []string `koanf:"redact_keys" yaml:"redact_keys"`
	File       string   `koanf:"file" yaml:"file"`           // JSON lines appended here when set
	TailSize   int      `koanf:"tail_size" yaml:"tail_size"` // entries kept for the MCP tail_logs tool
}

type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts" yaml:"max_attempts"`
	BaseDelay         time.Duration `koanf:"base_delay" yaml:"base_delay"`
	MaxDelay          time.Duration `koanf:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier" yaml:"backoff_multiplier"`
	Jitter            bool          `koanf:"jitter" yaml:"jitter"`
	RetryableKinds    []string      `koanf:"retryable_kinds" yaml:"retryable_kinds"`
	AttemptTimeout    time.Duration `koanf:"attempt_timeout" yaml:"attempt_timeout"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `koanf:"enabled" yaml:"enabled"`
	FailureThreshold int           `koanf:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `koanf:"success_threshold" yaml:"success_threshold"`
	OpenTimeout      time.Duration `koanf:"open_timeout" yaml:"open_timeout"`
}

type MetricsConfig struct {
	CollectionInterval  time.Duration `koanf:"collection_interval" yaml:"collection_interval"`
	RetentionPeriod     time.Duration `koanf:"retention_period" yaml:"retention_period"`
	MaxRecords          int           `koanf:"max_records" yaml:"max_records"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval" yaml:"health_check_interval"`
	HealthWindow        time.Duration `koanf:"health_window" yaml:"health_window"`
	TrackedEndpoints    []string      `koanf:"tracked_endpoints" yaml:"tracked_endpoints"`
}

type FallbackConfig struct {
	Enabled      bool   `koanf:"enabled" yaml:"enabled"`
	MinEntities  int    `koanf:"min_entities" yaml:"min_entities"`
	MaxEntities  int    `koanf:"max_entities" yaml:"max_entities"`
	MaxTags      int    `koanf:"max_tags" yaml:"max_tags"`
	MaxAudiences int    `koanf:"max_audiences" yaml:"max_audiences"`
	CatalogPath  string `koanf:"catalog_path" yaml:"catalog_path"` // empty uses the embedded catalog
}

type AuditConfig struct {
	Driver      string `koanf:"driver" yaml:"driver"` // none, memory, sqlite
	DSN         string `koanf:"dsn" yaml:"dsn"`
	MemoryLimit int    `koanf:"memory_limit" yaml:"memory_limit"`
}

type TelemetryConfig struct {
	ServiceName        string        `koanf:"service_name" yaml:"service_name"`
	Exporter           string        `koanf:"exporter" yaml:"exporter"` // none, stdout, otlp
	OTLPEndpoint       string        `koanf:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure       bool          `koanf:"otlp_insecure" yaml:"otlp_insecure"`
	OTLPTimeoutSeconds int           `koanf:"otlp_timeout_seconds" yaml:"otlp_timeout_seconds"`
	MetricInterval     time.Duration `koanf:"metric_interval" yaml:"metric_interval"`
}

type ServerConfig struct {
	HTTPAddr        string        `koanf:"http_addr" yaml:"http_addr"`
	GRPCAddr        string        `koanf:"grpc_addr" yaml:"grpc_addr"` // empty disables the gRPC health server
	MCPEnabled      bool          `koanf:"mcp_enabled" yaml:"mcp_enabled"`
	APIKey          string        `koanf:"api_key" yaml:"api_key"` // guards /api/v1 when set
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":     "info",
		"log.format":    "text",
		"log.tail_size": 500,

		"retry.max_attempts":       3,
		"retry.base_delay":         "1s",
		"retry.max_delay":          "30s",
		"retry.backoff_multiplier": 2.0,
		"retry.jitter":             true,
		"retry.retryable_kinds":    []string{"rate-limit", "server-error", "network-error"},
		"retry.attempt_timeout":    "10s",

		"circuit_breaker.enabled":           true,
		"circuit_breaker.failure_threshold": 5,
		"circuit_breaker.success_threshold": 2,
		"circuit_breaker.open_timeout":      "30s",

		"metrics.collection_interval":   "1m",
		"metrics.retention_period":      "1h",
		"metrics.max_records":           10000,
		"metrics.health_check_interval": "30s",
		"metrics.health_window":         "5m",

		"fallback.enabled":       true,
		"fallback.min_entities":  3,
		"fallback.max_entities":  10,
		"fallback.max_tags":      10,
		"fallback.max_audiences": 5,

		"audit.driver":       "memory",
		"audit.dsn":          "file:personaguard_audit.db",
		"audit.memory_limit": 1000,

		"telemetry.service_name":         "personaguard",
		"telemetry.exporter":             "none",
		"telemetry.otlp_endpoint":        "localhost:4317",
		"telemetry.otlp_insecure":        true,
		"telemetry.otlp_timeout_seconds": 10,
		"telemetry.metric_interval":      "1m",

		"server.http_addr":        ":8080",
		"server.grpc_addr":        ":9090",
		"server.mcp_enabled":      false,
		"server.shutdown_timeout": "10s",
	}
}

// Load reads defaults, then the optional YAML file at path, then the
// environment.
func Load(path string) (*Config, error) {
	return loadFiles(configFiles(path, ""), nil)
}

// LoadWithProfile also merges <name>.<profile><ext> next to path when it
// exists.
func LoadWithProfile(path, profile string) (*Config, error) {
	return loadFiles(configFiles(path, profile), nil)
}

// LoadWithCLI understands --config, --profile (or --env) and repeated
// --set key=value arguments. Unknown arguments are ignored.
func LoadWithCLI(args []string) (*Config, error) {
	opts, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	return loadFiles(configFiles(opts.path, opts.profile), opts.sets)
}

func configFiles(path, profile string) []string {
	if path == "" {
		return nil
	}
	files := []string{path}
	if overlay := profileConfigPath(path, profile); overlay != "" {
		files = append(files, overlay)
	}
	return files
}

// loadFiles merges files in order over the defaults, then applies the
// environment and sets.
func loadFiles(files []string, sets []override) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("config default %s: %w", key, err)
		}
	}

	for _, path := range files {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// PERSONAGUARD_SERVER__HTTP_ADDR -> server.http_addr
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for _, o := range sets {
		if err := k.Set(o.key, o.value); err != nil {
			return nil, fmt.Errorf("apply --set %s: %w", o.key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// profileConfigPath returns the profile overlay for base, or "" when there
// is none on disk.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	candidate := strings.TrimSuffix(base, ext) + "." + profile + ext
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

type override struct {
	key   string
	value any
}

type cliOptions struct {
	path    string
	profile string
	sets    []override
}

func parseCLIOverrides(args []string) (cliOptions, error) {
	var opts cliOptions
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		switch name {
		case "--config", "--profile", "--env", "--set":
		default:
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s requires a value", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--config":
			opts.path = value
		case "--profile", "--env":
			opts.profile = value
		case "--set":
			o, err := parseSet(value)
			if err != nil {
				return opts, err
			}
			opts.sets = append(opts.sets, o)
		}
	}
	return opts, nil
}

// parseSet splits key=value. The value is decoded as YAML so numbers,
// booleans, lists and maps keep their type; anything else stays a string.
func parseSet(raw string) (override, error) {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return override{}, fmt.Errorf("invalid --set %q: expected key=value", raw)
	}
	var decoded any
	if err := yamlv3.Unmarshal([]byte(value), &decoded); err != nil || decoded == nil {
		return override{key: key, value: value}, nil
	}
	return override{key: key, value: decoded}, nil
}
