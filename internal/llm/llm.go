// Package llm wraps an OpenAI-compatible chat-completion endpoint with the
// two-stage sparte classifier, the courtage-minimal and spreadsheet
// prompts, and a process-wide concurrency gate.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"atlas/pkg/apperror"
	"atlas/pkg/ratelimit"
)

// Sparte is the insurance line a document was classified into.
type Sparte string

const (
	SparteCourtage Sparte = "courtage"
	SparteSach     Sparte = "sach"
	SparteLeben    Sparte = "leben"
	SparteKranken  Sparte = "kranken"
	SparteSonstige Sparte = "sonstige"
)

// Confidence is the model's self-reported certainty.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Usage is the per-call token/cost accounting threaded back to the
// orchestrator for batch cost aggregation.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	ServerCostUSD    float64 `json:"server_cost_usd"`
}

// SparteResult is the schema shared by stage 1 and stage 2.
type SparteResult struct {
	Sparte           Sparte     `json:"sparte"`
	Confidence       Confidence `json:"confidence"`
	DocumentDateISO  string     `json:"document_date_iso,omitempty"`
	VUName           string     `json:"vu_name,omitempty"`
	DocumentName     string     `json:"document_name,omitempty"`
	Usage            Usage      `json:"-"`
	ModelUsed        string     `json:"-"`
}

// CourtageResult is the schema returned by the courtage-minimal prompt.
type CourtageResult struct {
	Insurer         string `json:"insurer"`
	DocumentDateISO string `json:"document_date_iso,omitempty"`
	Usage           Usage  `json:"-"`
	ModelUsed       string `json:"-"`
}

// Settings are the AI settings loaded once per batch (spec.md §4.10 step
// 1): prompts, models, token caps, and the stage-2 trigger.
type Settings struct {
	Stage1Prompt    string
	Stage1Model     string
	Stage1MaxTokens int

	Stage2Enabled   bool
	Stage2Prompt    string
	Stage2Model     string
	Stage2MaxTokens int
	Stage2Trigger   string // "low_confidence" (default) or "always"
}

func DefaultSettings() Settings {
	return Settings{
		Stage1Model:     "gpt-4o-mini",
		Stage1MaxTokens: 500,
		Stage2Enabled:   true,
		Stage2Model:     "gpt-4o",
		Stage2MaxTokens: 800,
		Stage2Trigger:   "low_confidence",
	}
}

// Classifier gates every LLM call behind a counting semaphore (default
// capacity 5) so a batch of many documents never opens an unbounded number
// of concurrent requests against the provider. An optional rate limiter
// additionally paces calls per unit time, independent of concurrency, to
// stay under a provider's requests-per-minute quota.
type Classifier struct {
	client  *openai.Client
	sem     chan struct{}
	limiter ratelimit.Limiter
}

// New builds a Classifier against an OpenAI-compatible endpoint. baseURL
// may be empty to use the default OpenAI API; pass an OpenRouter or other
// compatible base URL otherwise. capacity <= 0 defaults to 5.
func New(apiKey, baseURL string, capacity int) *Classifier {
	if capacity <= 0 {
		capacity = 5
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Classifier{
		client: openai.NewClientWithConfig(cfg),
		sem:    make(chan struct{}, capacity),
	}
}

// QueueDepth reports how many calls are currently in flight, for
// observability.
func (c *Classifier) QueueDepth() int {
	return len(c.sem)
}

// WithRateLimiter arms a requests-per-window limiter (pkg/ratelimit) in
// addition to the concurrency semaphore, so a batch stays under a
// provider's requests-per-minute quota even when the concurrency cap
// alone would allow a burst. Returns c for chaining.
func (c *Classifier) WithRateLimiter(limiter ratelimit.Limiter) *Classifier {
	c.limiter = limiter
	return c
}

func (c *Classifier) acquire(ctx context.Context) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "llm"); err != nil {
			return apperror.Wrap(err, apperror.CodeTimeout, "llm rate limit wait failed")
		}
	}
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return apperror.Wrap(ctx.Err(), apperror.CodeTimeout, "llm semaphore acquire canceled")
	}
}

func (c *Classifier) release() {
	<-c.sem
}

func (c *Classifier) complete(ctx context.Context, model string, maxTokens int, prompt, userContent string) (string, Usage, error) {
	if err := c.acquire(ctx); err != nil {
		return "", Usage{}, err
	}
	defer c.release()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: userContent},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return "", Usage{}, apperror.Wrap(err, apperror.CodeLLMEmptyResult, "llm chat completion failed")
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", Usage{}, apperror.New(apperror.CodeLLMEmptyResult, "llm returned no content")
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

const defaultStage1Prompt = `You triage an insurance document into one of: courtage, sach, leben, kranken, sonstige.
Respond as JSON: {"sparte": "...", "confidence": "high|medium|low", "document_date_iso": "...", "vu_name": "...", "document_name": "..."}`

const defaultStage2Prompt = `You classify an insurance document in detail into one of: courtage, sach, leben, kranken, sonstige.
Respond as JSON: {"sparte": "...", "confidence": "high|medium|low", "document_date_iso": "...", "vu_name": "...", "document_name": "..."}`

const courtageMinimalPrompt = `This document is already known to be a Courtage statement. Extract the insurer name and document date.
Respond as JSON: {"insurer": "...", "document_date_iso": "..."}`

const spreadsheetPrompt = `Classify this spreadsheet excerpt into one of: courtage, sach, leben, kranken, sonstige.
Respond as JSON: {"sparte": "...", "confidence": "high|medium|low", "document_date_iso": "...", "vu_name": "...", "document_name": "..."}`

// ClassifySparteStage1 runs the cheap triage pass over extracted document
// text.
func (c *Classifier) ClassifySparteStage1(ctx context.Context, settings Settings, text string) (SparteResult, error) {
	prompt := firstNonEmptyStr(settings.Stage1Prompt, defaultStage1Prompt)
	model := firstNonEmptyStr(settings.Stage1Model, "gpt-4o-mini")

	content, usage, err := c.complete(ctx, model, settings.Stage1MaxTokens, prompt, text)
	if err != nil {
		return SparteResult{}, err
	}
	result, err := decodeSparteResult(content)
	if err != nil {
		return SparteResult{}, err
	}
	result.Usage = usage
	result.ModelUsed = model
	return result, nil
}

// NeedsStage2 reports whether stage1's result should be escalated to the
// richer stage-2 model, per the configured trigger.
func NeedsStage2(settings Settings, stage1 SparteResult) bool {
	if !settings.Stage2Enabled {
		return false
	}
	if settings.Stage2Trigger == "always" {
		return true
	}
	return stage1.Confidence != ConfidenceHigh || stage1.Sparte == SparteSonstige
}

// ClassifySparteStage2 runs the richer detail pass.
func (c *Classifier) ClassifySparteStage2(ctx context.Context, settings Settings, text string) (SparteResult, error) {
	prompt := firstNonEmptyStr(settings.Stage2Prompt, defaultStage2Prompt)
	model := firstNonEmptyStr(settings.Stage2Model, "gpt-4o")

	content, usage, err := c.complete(ctx, model, settings.Stage2MaxTokens, prompt, text)
	if err != nil {
		return SparteResult{}, err
	}
	result, err := decodeSparteResult(content)
	if err != nil {
		return SparteResult{}, err
	}
	result.Usage = usage
	result.ModelUsed = model
	return result, nil
}

// ClassifyCourtageMinimal runs the compact prompt used once a document is
// already known to be a courtage statement from a BiPRO code or filename
// rule.
func (c *Classifier) ClassifyCourtageMinimal(ctx context.Context, model, text string) (CourtageResult, error) {
	model = firstNonEmptyStr(model, "gpt-4o-mini")
	content, usage, err := c.complete(ctx, model, 300, courtageMinimalPrompt, text)
	if err != nil {
		return CourtageResult{}, err
	}
	var result CourtageResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return CourtageResult{}, apperror.Wrap(err, apperror.CodeLLMEmptyResult, "decode courtage-minimal response")
	}
	result.Usage = usage
	result.ModelUsed = model
	return result, nil
}

// ClassifySpreadsheet classifies the first ~50 rows of a CSV/TSV/XLSX,
// already rendered as plain text by the caller.
func (c *Classifier) ClassifySpreadsheet(ctx context.Context, settings Settings, rowsText string) (SparteResult, error) {
	model := firstNonEmptyStr(settings.Stage1Model, "gpt-4o-mini")
	content, usage, err := c.complete(ctx, model, settings.Stage1MaxTokens, spreadsheetPrompt, rowsText)
	if err != nil {
		return SparteResult{}, err
	}
	result, err := decodeSparteResult(content)
	if err != nil {
		return SparteResult{}, err
	}
	result.Usage = usage
	result.ModelUsed = model
	return result, nil
}

func decodeSparteResult(content string) (SparteResult, error) {
	var result SparteResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return SparteResult{}, apperror.Wrap(err, apperror.CodeLLMEmptyResult, "decode sparte classification response")
	}
	if result.Sparte == "" {
		result.Sparte = SparteSonstige
	}
	if result.Confidence == "" {
		result.Confidence = ConfidenceLow
	}
	return result, nil
}

func firstNonEmptyStr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
