// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates deploygraphd's configuration from a
// YAML file with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	dgerrors "github.com/tombee/deploygraph/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete deploygraphd configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Engine   EngineConfig   `yaml:"engine"`
	KV       KVConfig       `yaml:"kv"`
	Cache    CacheConfig    `yaml:"cache"`
	MCP      MCPConfig      `yaml:"mcp"`
	Session  SessionConfig  `yaml:"session"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Providers ProviderMap   `yaml:"providers,omitempty"`

	// Tiers maps abstract tier names (fast, balanced, strategic) to
	// "provider/model" references, resolved by the plan and codegen
	// workflows when selecting which LLM handles a given step.
	Tiers map[string]string `yaml:"tiers,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	AddSource bool   `yaml:"add_source"`
}

// EngineConfig tunes the workflow engine.
type EngineConfig struct {
	// MaxStepRetries bounds automatic retry of a failed step before the
	// workflow thread is marked failed.
	MaxStepRetries int `yaml:"max_step_retries"`

	// StepTimeout bounds how long a single step may run.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// CheckpointTTL is how long checkpoint records survive in the KV
	// store before they are eligible for cleanup.
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl"`

	// MaxConcurrentThreads bounds how many workflow threads may execute
	// concurrently (semaphore size).
	MaxConcurrentThreads int `yaml:"max_concurrent_threads"`

	// DrainTimeout bounds how long graceful shutdown waits for in-flight
	// threads to finish before forcing cancellation.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// KVConfig selects and configures the KV store backend.
type KVConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// SQLitePath is the database file path when Backend is "sqlite".
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// CacheConfig tunes the L1/L2 write-through cache.
type CacheConfig struct {
	L1MaxEntries int           `yaml:"l1_max_entries"`
	L1TTL        time.Duration `yaml:"l1_ttl"`
	L2TTL        time.Duration `yaml:"l2_ttl"`
}

// MCPConfig configures the MCP JSON-RPC processor's transport.
type MCPConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	Path           string        `yaml:"path"` // default: /operator
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// SessionConfig configures the session core.
type SessionConfig struct {
	CookieTTL       time.Duration `yaml:"cookie_ttl"`
	JWTSigningKey   string        `yaml:"jwt_signing_key,omitempty"`
	BearerRateLimit int           `yaml:"bearer_rate_limit_per_minute"`
}

// TracingConfig configures OpenTelemetry tracing and metrics export.
type TracingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
	ConsoleExport  bool   `yaml:"console_export"`
}

// ProviderConfig describes one LLM provider endpoint.
type ProviderConfig struct {
	Type    string `yaml:"type"` // anthropic, ...
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// ProviderMap names providers by a caller-chosen key (e.g. "anthropic").
type ProviderMap map[string]ProviderConfig

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			MaxStepRetries:       3,
			StepTimeout:          5 * time.Minute,
			CheckpointTTL:        24 * time.Hour,
			MaxConcurrentThreads: 16,
			DrainTimeout:         30 * time.Second,
		},
		KV: KVConfig{
			Backend:    "memory",
			SQLitePath: filepath.Join(defaultDataDir(), "kv.db"),
		},
		Cache: CacheConfig{
			L1MaxEntries: 1024,
			L1TTL:        5 * time.Minute,
			L2TTL:        24 * time.Hour,
		},
		MCP: MCPConfig{
			ListenAddr:     ":8780",
			Path:           "/operator",
			RequestTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			CookieTTL:       12 * time.Hour,
			BearerRateLimit: 120,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "deploygraphd",
		},
	}
}

// Load loads configuration from a YAML file (if present) and environment
// variable overrides. Environment variables take precedence.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if defaultPath, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				configPath = defaultPath
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &dgerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &dgerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv applies DEPLOYGRAPH_*/LOG_* environment overrides, following
// the teacher's env-var naming convention.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DEPLOYGRAPH_KV_BACKEND"); val != "" {
		c.KV.Backend = val
	}
	if val := os.Getenv("DEPLOYGRAPH_KV_SQLITE_PATH"); val != "" {
		c.KV.SQLitePath = val
	}
	if val := os.Getenv("DEPLOYGRAPH_MCP_LISTEN"); val != "" {
		c.MCP.ListenAddr = val
	}
	if val := os.Getenv("DEPLOYGRAPH_MCP_PATH"); val != "" {
		c.MCP.Path = val
	}
	if val := os.Getenv("DEPLOYGRAPH_MAX_CONCURRENT_THREADS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Engine.MaxConcurrentThreads = n
		}
	}
	if val := os.Getenv("DEPLOYGRAPH_DRAIN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Engine.DrainTimeout = d
		}
	}
	if val := os.Getenv("DEPLOYGRAPH_TRACING_ENABLED"); val != "" {
		c.Tracing.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DEPLOYGRAPH_OTLP_ENDPOINT"); val != "" {
		c.Tracing.OTLPEndpoint = val
	}
	if val := os.Getenv("ANTHROPIC_API_KEY"); val != "" {
		pc := c.Providers["anthropic"]
		pc.Type = "anthropic"
		pc.APIKey = val
		if c.Providers == nil {
			c.Providers = ProviderMap{}
		}
		c.Providers["anthropic"] = pc
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	validBackends := map[string]bool{"memory": true, "sqlite": true}
	if !validBackends[c.KV.Backend] {
		errs = append(errs, fmt.Sprintf("kv.backend must be one of [memory, sqlite], got %q", c.KV.Backend))
	}
	if c.KV.Backend == "sqlite" && c.KV.SQLitePath == "" {
		errs = append(errs, "kv.sqlite_path is required when kv.backend is sqlite")
	}

	if c.Engine.MaxConcurrentThreads <= 0 {
		errs = append(errs, "engine.max_concurrent_threads must be positive")
	}
	if c.Engine.MaxStepRetries < 0 {
		errs = append(errs, "engine.max_step_retries must not be negative")
	}

	if c.MCP.Path == "" {
		errs = append(errs, "mcp.path must not be empty")
	}

	for name, provider := range c.Providers {
		if provider.Type == "" {
			errs = append(errs, fmt.Sprintf("providers[%q] must have a type field", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// GetModelForTier returns the model half of Tiers[tier] ("provider/model"),
// or "" if the tier isn't configured.
func (c *Config) GetModelForTier(tier string) string {
	ref, ok := c.Tiers[tier]
	if !ok {
		return ""
	}
	if idx := strings.Index(ref, "/"); idx > 0 {
		return ref[idx+1:]
	}
	return ""
}

// GetPrimaryProvider returns the provider name referenced by the "balanced"
// tier, falling back to "fast" then "strategic", then the first provider
// alphabetically for determinism.
func (c *Config) GetPrimaryProvider() string {
	for _, tier := range []string{"balanced", "fast", "strategic"} {
		if ref, ok := c.Tiers[tier]; ok {
			if idx := strings.Index(ref, "/"); idx > 0 {
				return ref[:idx]
			}
		}
	}
	if len(c.Providers) > 0 {
		names := make([]string, 0, len(c.Providers))
		for name := range c.Providers {
			names = append(names, name)
		}
		sort.Strings(names)
		return names[0]
	}
	return ""
}
