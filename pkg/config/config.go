// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure, assembled by Loader from
// defaults, an optional YAML file and environment variable overrides.
type Config struct {
	App        AppConfig        `koanf:"app"`
	HTTP       HTTPConfig       `koanf:"http"`
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Tracing    TracingConfig    `koanf:"tracing"`
	Archive    ArchiveConfig    `koanf:"archive"`
	Cache      CacheConfig      `koanf:"cache"`
	Retry      RetryConfig      `koanf:"retry"`
	Credential CredentialConfig `koanf:"credential"`
	PDF        PDFConfig        `koanf:"pdf"`
	Container  ContainerConfig  `koanf:"container"`
	BiPRO      BiPROConfig      `koanf:"bipro"`
	LLM        LLMConfig        `koanf:"llm"`
	Rules      RulesConfig      `koanf:"rules"`
	Batch      BatchConfig      `koanf:"batch"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// HTTPConfig configures the internal metrics/health HTTP server.
type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig configures structured logging and rotation.
type LogConfig struct {
	Level      string `koanf:"level"`       // debug, info, warn, error
	Format     string `koanf:"format"`      // json, text
	Output     string `koanf:"output"`      // stdout, stderr, file
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`    // MB
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"`     // days
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig configures the OpenTelemetry OTLP exporter.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// ArchiveConfig configures the Archive Repository client (C3).
type ArchiveConfig struct {
	BaseURL        string        `koanf:"base_url"`
	Timeout        time.Duration `koanf:"timeout"`
	BulkOpSize     int           `koanf:"bulk_op_size"`
	RawXMLPatterns []string      `koanf:"raw_xml_patterns"` // filename globs always classified as GDV-Rohdaten
}

// CacheConfig configures the document/box cache (C12).
type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Driver     string        `koanf:"driver"` // redis, memory
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
	MaxEntries int           `koanf:"max_entries"` // in-memory only
}

// Address returns the cache backend's host:port.
func (c CacheConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RetryConfig configures the HTTP Core retry ladder (C1).
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// CredentialConfig configures the credential store (C2).
type CredentialConfig struct {
	KeyringService string `koanf:"keyring_service"`
	FallbackPath   string `koanf:"fallback_path"`
}

// PDFConfig configures the PDF Service (C5).
type PDFConfig struct {
	PreviewCacheDir     string   `koanf:"preview_cache_dir"`
	UnlockPasswordList  []string `koanf:"unlock_password_list"`
	EmptyPageTextMinLen int      `koanf:"empty_page_text_min_len"`
}

// ContainerConfig configures the container expander (C6).
type ContainerConfig struct {
	MaxRecursionDepth int   `koanf:"max_recursion_depth"`
	MaxExpandedBytes  int64 `koanf:"max_expanded_bytes"`
}

// BiPROConfig configures the BiPRO transfer client (C7).
type BiPROConfig struct {
	STSEndpoint       string        `koanf:"sts_endpoint"`
	TransferEndpoint  string        `koanf:"transfer_endpoint"`
	VUProfile         string        `koanf:"vu_profile"`
	Timeout           time.Duration `koanf:"timeout"`
	UseSystemProxy    bool          `koanf:"use_system_proxy"`
	CertPath          string        `koanf:"cert_path"`
	CertPassword      string        `koanf:"cert_password"`
}

// LLMConfig configures the LLM classifier (C8).
type LLMConfig struct {
	Provider         string        `koanf:"provider"` // openai, openrouter
	BaseURL          string        `koanf:"base_url"`
	APIKeyEnv        string        `koanf:"api_key_env"`
	ModelStage1      string        `koanf:"model_stage1"`
	ModelStage2      string        `koanf:"model_stage2"`
	Timeout          time.Duration `koanf:"timeout"`
	MaxConcurrent    int           `koanf:"max_concurrent"`
	CostPerCallUSD   float64       `koanf:"cost_per_call_usd"`
	RateLimitPerMin  int           `koanf:"rate_limit_per_minute"` // 0 disables request pacing
}

// RulesConfig configures the rules post-processor (C11). Colors are
// DisplayColor values ("none" disables the action's color effect).
type RulesConfig struct {
	FileDupAction      string `koanf:"file_dup_action"`       // none, color_both, color_new, delete_new, delete_old
	FileDupColor       string `koanf:"file_dup_color"`
	ContentDupAction   string `koanf:"content_dup_action"`    // none, color_both, color_new, delete_new, delete_old
	ContentDupColor    string `koanf:"content_dup_color"`
	FullEmptyAction    string `koanf:"full_empty_action"`     // none, delete, color_file
	FullEmptyColor     string `koanf:"full_empty_color"`
	PartialEmptyAction string `koanf:"partial_empty_action"`  // none, remove_pages, color_file
	PartialEmptyColor  string `koanf:"partial_empty_color"`
}

// BatchConfig configures the batch orchestrator (C10).
type BatchConfig struct {
	MaxWorkers        int           `koanf:"max_workers"`
	ProgressBufferLen int           `koanf:"progress_buffer_len"`
	DelayedCostWait   time.Duration `koanf:"delayed_cost_wait"`
	PollInterval      time.Duration `koanf:"poll_interval"` // how often the worker re-runs process_inbox
}

// Validate checks the configuration for obviously invalid values.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be positive")
	}

	if c.LLM.MaxConcurrent <= 0 {
		errs = append(errs, "llm.max_concurrent must be positive")
	}

	if c.Batch.MaxWorkers <= 0 {
		errs = append(errs, "batch.max_workers must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment reports whether App.Environment names a dev environment.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether App.Environment names a production environment.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
