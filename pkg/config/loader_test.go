package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "atlas-worker" {
		t.Errorf("expected app name 'atlas-worker', got %s", cfg.App.Name)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("expected metrics port 9090, got %d", cfg.Metrics.Port)
	}
	if cfg.LLM.MaxConcurrent != 5 {
		t.Errorf("expected llm.max_concurrent 5, got %d", cfg.LLM.MaxConcurrent)
	}
	if cfg.Batch.MaxWorkers != 4 {
		t.Errorf("expected batch.max_workers 4, got %d", cfg.Batch.MaxWorkers)
	}
}

func TestLoader_LoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
app:
  name: custom-worker
  version: 2.0.0
  environment: staging
log:
  level: debug
llm:
  max_concurrent: 8
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	loader := NewLoader(WithConfigPaths(configPath))
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "custom-worker" {
		t.Errorf("expected app name 'custom-worker', got %s", cfg.App.Name)
	}
	if cfg.App.Version != "2.0.0" {
		t.Errorf("expected version '2.0.0', got %s", cfg.App.Version)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Log.Level)
	}
	if cfg.LLM.MaxConcurrent != 8 {
		t.Errorf("expected llm.max_concurrent 8, got %d", cfg.LLM.MaxConcurrent)
	}
}

func TestLoader_LoadFromEnv(t *testing.T) {
	os.Setenv("ATLAS_APP_NAME", "env-worker")
	os.Setenv("ATLAS_LLM_MAX_CONCURRENT", "9")
	defer func() {
		os.Unsetenv("ATLAS_APP_NAME")
		os.Unsetenv("ATLAS_LLM_MAX_CONCURRENT")
	}()

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "env-worker" {
		t.Errorf("expected app name 'env-worker', got %s", cfg.App.Name)
	}
	if cfg.LLM.MaxConcurrent != 9 {
		t.Errorf("expected llm.max_concurrent 9, got %d", cfg.LLM.MaxConcurrent)
	}
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
app:
  name: file-worker
llm:
  max_concurrent: 6
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	os.Setenv("ATLAS_APP_NAME", "env-override")
	defer os.Unsetenv("ATLAS_APP_NAME")

	cfg, err := NewLoader(WithConfigPaths(configPath)).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "env-override" {
		t.Errorf("expected env override, got %s", cfg.App.Name)
	}
	if cfg.LLM.MaxConcurrent != 6 {
		t.Errorf("expected llm.max_concurrent from file 6, got %d", cfg.LLM.MaxConcurrent)
	}
}

func TestLoader_WithEnvPrefix(t *testing.T) {
	os.Setenv("CUSTOM_APP_NAME", "custom-prefix-worker")
	defer os.Unsetenv("CUSTOM_APP_NAME")

	cfg, err := NewLoader(WithEnvPrefix("CUSTOM_")).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "custom-prefix-worker" {
		t.Errorf("expected 'custom-prefix-worker', got %s", cfg.App.Name)
	}
}

func TestMustLoad_Success(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustLoad should not panic with valid config")
		}
	}()

	cfg := MustLoad()
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestLoad_Simple(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestLoader_ConfigEnvVar(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom-config.yaml")

	configContent := `
app:
  name: config-env-var-worker
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	os.Setenv("CONFIG_PATH", configPath)
	defer os.Unsetenv("CONFIG_PATH")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "config-env-var-worker" {
		t.Errorf("expected 'config-env-var-worker', got %s", cfg.App.Name)
	}
}
