// Command atlas-worker is the document-processing worker: it wires the
// archive repository, LLM classifier, rules post-processor and box cache
// into a batch orchestrator and runs process_inbox on a timer until told
// to stop.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atlas/internal/archive"
	"atlas/internal/boxcache"
	"atlas/internal/classifier"
	"atlas/internal/llm"
	"atlas/internal/orchestrator"
	"atlas/internal/rules"
	"atlas/pkg/cache"
	"atlas/pkg/config"
	"atlas/pkg/credstore"
	"atlas/pkg/httpclient"
	"atlas/pkg/logger"
	"atlas/pkg/metrics"
	"atlas/pkg/ratelimit"
	"atlas/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	logger.Info("starting atlas-worker", "version", cfg.App.Version, "environment", cfg.App.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     cfg.App.Version,
		Environment: cfg.App.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		logger.Fatal("failed to init telemetry", "error", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", "error", err)
		}
	}()

	m := metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
	m.SetServiceInfo(cfg.App.Version, cfg.App.Environment)
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartMetricsServer(cfg.Metrics.Port); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	credStore := credstore.New(cfg.Credential.FallbackPath)
	httpClient := httpclient.New(cfg.Archive.BaseURL, &http.Client{Timeout: cfg.Archive.Timeout}, httpclient.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		BackoffFactor:  cfg.Retry.BackoffMultiplier,
	})
	wireCredentials(httpClient, credStore)

	repo := archive.New(httpClient)
	if !repo.CheckConnection(ctx) {
		logger.Warn("archive API unreachable at startup, continuing anyway")
	}

	var cacheBackend cache.Cache
	if cfg.Cache.Enabled {
		cacheBackend, err = cache.New(cache.FromConfig(&cfg.Cache))
		if err != nil {
			logger.Warn("cache backend init failed, running without a shared cache", "error", err)
			cacheBackend = nil
		}
	}

	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	if apiKey == "" {
		logger.Warn("LLM API key env var is empty, classifications needing AI will fail", "env_var", cfg.LLM.APIKeyEnv)
	}
	llmClient := llm.New(apiKey, cfg.LLM.BaseURL, cfg.LLM.MaxConcurrent)
	if cfg.LLM.RateLimitPerMin > 0 {
		limiter, err := ratelimit.New(&ratelimit.Config{
			Requests:  cfg.LLM.RateLimitPerMin,
			Window:    time.Minute,
			Strategy:  "token_bucket",
			Backend:   "memory",
			BurstSize: cfg.LLM.MaxConcurrent,
		})
		if err != nil {
			logger.Warn("llm rate limiter init failed, proceeding without one", "error", err)
		} else {
			llmClient.WithRateLimiter(limiter)
		}
	}

	var classCache *cache.ClassificationCache
	if cacheBackend != nil {
		classCache = cache.NewClassificationCache(cacheBackend, cfg.Cache.DefaultTTL)
	}

	rulesEngine := rules.New(repo, cfg.Rules)

	pdfPasswords := cfg.PDF.UnlockPasswordList
	if fetched, err := repo.Passwords(ctx, "pdf"); err != nil {
		logger.Warn("fetching pdf passwords from archive failed, using config defaults", "error", err)
	} else if len(fetched) > 0 {
		pdfPasswords = fetched
	}

	classifierEngine := classifier.New(repo, llmClient, classCache, rulesEngine, pdfPasswords, cfg.Archive.RawXMLPatterns)

	boxCache := boxcache.New(repo, cacheBackend, boxcache.DefaultRefreshInterval)
	boxCache.Start(ctx)
	defer boxCache.Close()

	creditsProvider := buildCreditsProvider(cfg.LLM, apiKey)

	orc := orchestrator.New(repo, classifierEngine, creditsProvider, boxCache, cfg.Batch.MaxWorkers)
	if cfg.Batch.DelayedCostWait > 0 {
		orc.SetDelayedCostWait(cfg.Batch.DelayedCostWait)
	}

	settings := loadBatchSettings(ctx, repo)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	runBatch(ctx, orc, settings)

	ticker := time.NewTicker(cfg.Batch.PollInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-quit:
			break loop
		case <-ticker.C:
			runBatch(ctx, orc, settings)
		}
	}

	logger.Info("shutting down")
	cancel()
}

// wireCredentials loads a previously saved session token, if any, and
// arms the refresh/forced-logout callbacks the HTTP core invokes on 401.
// This worker never performs the initial login itself (§6: the core owns
// the session, the worker consumes it); a missing or unrefreshable token
// is an unrecoverable auth error surfaced on the first archive call.
func wireCredentials(httpClient *httpclient.Client, store *credstore.Store) {
	if creds, err := store.Load(); err == nil && creds != nil {
		httpClient.SetToken(creds.Token)
	} else if err != nil {
		logger.Warn("loading saved session token failed", "error", err)
	}

	httpClient.OnRefresh(func(ctx context.Context) (string, bool) {
		creds, err := store.Load()
		if err != nil || creds == nil || creds.Token == "" {
			return "", false
		}
		return creds.Token, true
	})
	httpClient.OnForcedLogout(func(reason string) {
		logger.Error("session invalidated, forcing logout", "reason", reason)
		_ = store.Delete()
	})
}

// buildCreditsProvider picks the credits provider matching the configured
// LLM backend; an empty API key or unknown provider name falls back to a
// noop that reports the credit service as down rather than blocking a
// batch over a secondary concern (spec.md §7, "batch-wide fatal").
func buildCreditsProvider(cfg config.LLMConfig, apiKey string) orchestrator.CreditsProvider {
	if apiKey == "" {
		return orchestrator.NewNoopCreditsProvider(cfg.Provider)
	}
	switch cfg.Provider {
	case "openrouter":
		return orchestrator.NewOpenRouterCreditsProvider(apiKey)
	case "openai":
		return orchestrator.NewOpenAIUsageProvider(apiKey)
	default:
		return orchestrator.NewNoopCreditsProvider(cfg.Provider)
	}
}

// loadBatchSettings fetches the admin-configured stage-1/2 prompts once at
// startup (spec.md §4.10 step 1); a fetch failure falls back to built-in
// defaults rather than aborting the worker.
func loadBatchSettings(ctx context.Context, repo *archive.Repository) llm.Settings {
	fetched, err := repo.ProcessingSettings(ctx)
	if err != nil {
		logger.Warn("fetching processing settings failed, using built-in defaults", "error", err)
		return llm.DefaultSettings()
	}
	return llm.Settings{
		Stage1Prompt:    fetched.Stage1Prompt,
		Stage1Model:     fetched.Stage1Model,
		Stage1MaxTokens: fetched.Stage1MaxTokens,
		Stage2Enabled:   fetched.Stage2Enabled,
		Stage2Prompt:    fetched.Stage2Prompt,
		Stage2Model:     fetched.Stage2Model,
		Stage2MaxTokens: fetched.Stage2MaxTokens,
		Stage2Trigger:   fetched.Stage2Trigger,
	}
}

func runBatch(ctx context.Context, orc *orchestrator.Orchestrator, settings llm.Settings) {
	start := time.Now()
	result, err := orc.ProcessInbox(ctx, settings, func(p orchestrator.Progress) {
		logger.Debug("batch progress", "completed", p.Completed, "total", p.Total, "document", p.Message)
	})
	if err != nil {
		logger.Error("process_inbox failed", "error", err)
		return
	}
	logger.Info("batch complete",
		"success", result.SuccessCount,
		"failure", result.FailureCount,
		"duration", time.Since(start),
	)
}
