// pkg/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "ATLAS_"
	configEnvVar = "CONFIG_PATH"
)

// Loader loads configuration from defaults, an optional YAML file, and
// environment variables, in that order of increasing priority.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader creates a new configuration loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/atlas/config.yaml",
		},
		envPrefix: envPrefix,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigPaths sets the list of config file search paths.
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// Load loads configuration with priority:
// 1. Defaults (lowest)
// 2. Config file (yaml)
// 3. Environment variables (highest)
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := l.loadConfigFile(); err != nil {
		// Config file is optional.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDefaults loads the built-in default values.
func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		// App
		"app.name":        "atlas-worker",
		"app.version":     "1.0.0",
		"app.environment": "development",
		"app.debug":       false,

		// HTTP (internal health/metrics server)
		"http.port":             8080,
		"http.read_timeout":     30 * time.Second,
		"http.write_timeout":    30 * time.Second,
		"http.shutdown_timeout": 10 * time.Second,

		// Log
		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,

		// Metrics
		"metrics.enabled":   true,
		"metrics.port":      9090,
		"metrics.path":      "/metrics",
		"metrics.namespace": "atlas",
		"metrics.subsystem": "",

		// Tracing
		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "atlas-worker",
		"tracing.sample_rate":  0.1,

		// Archive repository
		"archive.base_url":         "http://localhost:8000",
		"archive.timeout":          30 * time.Second,
		"archive.bulk_op_size":     100,
		"archive.raw_xml_patterns": []string{"*_roh.xml", "gdv_*.xml"},

		// Cache
		"cache.enabled":     true,
		"cache.driver":      "memory",
		"cache.host":        "localhost",
		"cache.port":        6379,
		"cache.db":          0,
		"cache.default_ttl": 5 * time.Minute,
		"cache.max_entries": 10000,

		// Retry
		"retry.max_attempts":       3,
		"retry.initial_backoff":    1 * time.Second,
		"retry.max_backoff":        30 * time.Second,
		"retry.backoff_multiplier": 2.0,

		// Credential store
		"credential.keyring_service": "atlas",
		"credential.fallback_path":   "",

		// PDF service
		"pdf.preview_cache_dir":        "",
		"pdf.unlock_password_list":     []string{},
		"pdf.empty_page_text_min_len":  3,

		// Container expander
		"container.max_recursion_depth": 5,
		"container.max_expanded_bytes":  int64(2) << 30, // 2GiB

		// BiPRO
		"bipro.sts_endpoint":       "",
		"bipro.transfer_endpoint":  "",
		"bipro.vu_profile":         "",
		"bipro.timeout":            60 * time.Second,
		"bipro.use_system_proxy":   false,

		// LLM classifier
		"llm.provider":          "openai",
		"llm.base_url":          "https://api.openai.com/v1",
		"llm.api_key_env":       "ATLAS_LLM_API_KEY",
		"llm.model_stage1":      "gpt-4o-mini",
		"llm.model_stage2":      "gpt-4o-mini",
		"llm.timeout":           30 * time.Second,
		"llm.max_concurrent":        5,
		"llm.cost_per_call_usd":     0.0006,
		"llm.rate_limit_per_minute": 60,

		// Rules post-processor
		"rules.file_dup_action":       "none",
		"rules.file_dup_color":        "none",
		"rules.content_dup_action":    "none",
		"rules.content_dup_color":     "none",
		"rules.full_empty_action":     "color_file",
		"rules.full_empty_color":      "red",
		"rules.partial_empty_action":  "remove_pages",
		"rules.partial_empty_color":   "none",

		// Batch orchestrator
		"batch.max_workers":         4,
		"batch.progress_buffer_len": 16,
		"batch.delayed_cost_wait":   30 * time.Second,
		"batch.poll_interval":       2 * time.Minute,
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

// loadConfigFile loads configuration from a YAML file, if one can be found.
func (l *Loader) loadConfigFile() error {
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return l.k.Load(file.Provider(configPath), yaml.Parser())
		}
	}

	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), yaml.Parser())
		}
	}

	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

// loadEnv loads configuration from environment variables, e.g.
// ATLAS_ARCHIVE_BASE_URL -> archive.base_url.
func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		return strings.Replace(
			strings.ToLower(
				strings.TrimPrefix(s, l.envPrefix),
			),
			"_", ".", 1,
		)
	}), nil)
}

// MustLoad loads configuration or panics.
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load is a convenience function that loads configuration with default settings.
func Load() (*Config, error) {
	return NewLoader().Load()
}
