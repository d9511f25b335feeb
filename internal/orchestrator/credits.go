package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"atlas/pkg/apperror"
)

// CreditsProvider reports the active LLM account's remaining credit or
// accumulated usage, in USD, alongside the provider name used to pick the
// right cost-reconciliation strategy (spec.md §4.10 step 4/8).
type CreditsProvider interface {
	Provider() string
	FetchCredits(ctx context.Context) (float64, error)
}

// NoopCreditsProvider is used when no credits endpoint is configured; the
// batch proceeds without credits_before/after, matching the "batch-wide
// fatal: credit service down -> proceed with defaults" policy (spec.md §7).
type NoopCreditsProvider struct{ provider string }

func NewNoopCreditsProvider(provider string) NoopCreditsProvider {
	return NoopCreditsProvider{provider: provider}
}

func (n NoopCreditsProvider) Provider() string { return n.provider }
func (n NoopCreditsProvider) FetchCredits(ctx context.Context) (float64, error) {
	return 0, apperror.New(apperror.CodeCreditServiceDown, "no credits provider configured")
}

// OpenRouterCreditsProvider reads the remaining balance from OpenRouter's
// credits endpoint (total limit minus usage).
type OpenRouterCreditsProvider struct {
	apiKey string
	http   *http.Client
}

func NewOpenRouterCreditsProvider(apiKey string) *OpenRouterCreditsProvider {
	return &OpenRouterCreditsProvider{apiKey: apiKey, http: &http.Client{Timeout: 10 * time.Second}}
}

func (o *OpenRouterCreditsProvider) Provider() string { return "openrouter" }

func (o *OpenRouterCreditsProvider) FetchCredits(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://openrouter.ai/api/v1/credits", nil)
	if err != nil {
		return 0, apperror.Wrap(err, apperror.CodeCreditServiceDown, "build openrouter credits request")
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.http.Do(req)
	if err != nil {
		return 0, apperror.Wrap(err, apperror.CodeCreditServiceDown, "openrouter credits request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, apperror.New(apperror.CodeCreditServiceDown, fmt.Sprintf("openrouter credits returned %d", resp.StatusCode))
	}

	var body struct {
		Data struct {
			TotalCredits float64 `json:"total_credits"`
			TotalUsage   float64 `json:"total_usage"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, apperror.Wrap(err, apperror.CodeCreditServiceDown, "decode openrouter credits")
	}
	return body.Data.TotalCredits - body.Data.TotalUsage, nil
}

// OpenAIUsageProvider reads the organization's accumulated usage cost.
// OpenAI has no balance concept; "credits" here means accumulated spend,
// consistent with the original's accumulated-cost-first reconciliation.
type OpenAIUsageProvider struct {
	apiKey string
	http   *http.Client
}

func NewOpenAIUsageProvider(apiKey string) *OpenAIUsageProvider {
	return &OpenAIUsageProvider{apiKey: apiKey, http: &http.Client{Timeout: 10 * time.Second}}
}

func (o *OpenAIUsageProvider) Provider() string { return "openai" }

func (o *OpenAIUsageProvider) FetchCredits(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.openai.com/v1/dashboard/billing/usage", nil)
	if err != nil {
		return 0, apperror.Wrap(err, apperror.CodeCreditServiceDown, "build openai usage request")
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.http.Do(req)
	if err != nil {
		return 0, apperror.Wrap(err, apperror.CodeCreditServiceDown, "openai usage request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, apperror.New(apperror.CodeCreditServiceDown, fmt.Sprintf("openai usage returned %d", resp.StatusCode))
	}

	var body struct {
		TotalUsage float64 `json:"total_usage"` // cents
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, apperror.Wrap(err, apperror.CodeCreditServiceDown, "decode openai usage")
	}
	return body.TotalUsage / 100, nil
}
