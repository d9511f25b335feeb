// Package archive is the typed REST client for the Archive API (C3),
// wrapping pkg/httpclient the way the teacher's gateway clients wrap a
// generated gRPC stub: one struct, one method per remote operation.
package archive

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"atlas/internal/domain"
	"atlas/pkg/apperror"
	"atlas/pkg/httpclient"
)

// envelope mirrors the archive server's {success, data} / {success:false,
// error, details} response wrapper (spec.md §6).
type envelope[T any] struct {
	Success bool            `json:"success"`
	Data    T               `json:"data"`
	Error   string          `json:"error"`
	Details map[string]any  `json:"details"`
}

// Filter narrows a List call.
type Filter struct {
	BoxType          string
	IsArchived       *bool
	Source           string
	VUID             string
	IsGDV            *bool
	FromDate         string
	ToDate           string
	ProcessingStatus string
}

func (f Filter) queryParams() map[string]string {
	q := map[string]string{}
	if f.BoxType != "" {
		q["box_type"] = f.BoxType
	}
	if f.IsArchived != nil {
		q["is_archived"] = strconv.FormatBool(*f.IsArchived)
	}
	if f.Source != "" {
		q["source"] = f.Source
	}
	if f.VUID != "" {
		q["vu_id"] = f.VUID
	}
	if f.IsGDV != nil {
		q["is_gdv"] = strconv.FormatBool(*f.IsGDV)
	}
	if f.FromDate != "" {
		q["from_date"] = f.FromDate
	}
	if f.ToDate != "" {
		q["to_date"] = f.ToDate
	}
	if f.ProcessingStatus != "" {
		q["processing_status"] = f.ProcessingStatus
	}
	return q
}

// Stats summarizes per-box document counts.
type Stats struct {
	TotalDocuments int64            `json:"total_documents"`
	ByBoxType      map[string]int64 `json:"by_box_type"`
	ByStatus       map[string]int64 `json:"by_status"`
}

// SearchOptions controls a free-text Search call.
type SearchOptions struct {
	Limit  int
	Offset int
}

// AIData is the payload persisted by SaveAIData.
type AIData struct {
	ExtractedText      string  `json:"extracted_text"`
	TextSHA256         string  `json:"text_sha256"`
	ExtractionMethod   string  `json:"extraction_method"`
	ExtractedPageCount int     `json:"extracted_page_count"`
	AIFullResponse     string  `json:"ai_full_response,omitempty"`
	AIPromptText       string  `json:"ai_prompt_text,omitempty"`
	AIModel            string  `json:"ai_model,omitempty"`
	AIPromptVersion    string  `json:"ai_prompt_version,omitempty"`
	AIStage            string  `json:"ai_stage,omitempty"`
	PromptTokens       int     `json:"prompt_tokens,omitempty"`
	CompletionTokens   int     `json:"completion_tokens,omitempty"`
}

// Repository is the Archive API client.
type Repository struct {
	http *httpclient.Client
}

// New builds a Repository over an already-configured httpclient.Client.
func New(c *httpclient.Client) *Repository {
	return &Repository{http: c}
}

// List returns documents matching filter.
func (r *Repository) List(ctx context.Context, filter Filter) ([]domain.Document, error) {
	resp, err := r.http.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		Path:   "/documents",
		Query:  filter.queryParams(),
	})
	if err != nil {
		return nil, err
	}
	var env envelope[[]domain.Document]
	if err := decode(resp, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// Get fetches a single document by id.
func (r *Repository) Get(ctx context.Context, id int64) (*domain.Document, error) {
	resp, err := r.http.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/documents/%d", id),
	})
	if err != nil {
		return nil, err
	}
	var env envelope[domain.Document]
	if err := decode(resp, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// Search performs a free-text search over documents.
func (r *Repository) Search(ctx context.Context, query string, opts SearchOptions) ([]domain.Document, error) {
	q := map[string]string{"q": query}
	if opts.Limit > 0 {
		q["limit"] = strconv.Itoa(opts.Limit)
	}
	if opts.Offset > 0 {
		q["offset"] = strconv.Itoa(opts.Offset)
	}
	resp, err := r.http.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/documents/search", Query: q})
	if err != nil {
		return nil, err
	}
	var env envelope[[]domain.Document]
	if err := decode(resp, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// Stats returns the aggregate document counts.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	resp, err := r.http.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/documents/stats"})
	if err != nil {
		return nil, err
	}
	var env envelope[Stats]
	if err := decode(resp, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// ProcessingSettings is the server-held stage-1/2 LLM configuration,
// loaded once at the start of a batch (spec.md §4.10 step 1).
type ProcessingSettings struct {
	Stage1Prompt    string `json:"stage1_prompt"`
	Stage1Model     string `json:"stage1_model"`
	Stage1MaxTokens int    `json:"stage1_max_tokens"`
	Stage2Enabled   bool   `json:"stage2_enabled"`
	Stage2Prompt    string `json:"stage2_prompt"`
	Stage2Model     string `json:"stage2_model"`
	Stage2MaxTokens int    `json:"stage2_max_tokens"`
	Stage2Trigger   string `json:"stage2_trigger"`
}

// ProcessingSettings fetches the admin-configured stage-1/2 settings.
func (r *Repository) ProcessingSettings(ctx context.Context) (*ProcessingSettings, error) {
	resp, err := r.http.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/admin/processing-settings"})
	if err != nil {
		return nil, err
	}
	var env envelope[ProcessingSettings]
	if err := decode(resp, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// Passwords fetches the candidate unlock passwords of the given kind
// ("pdf" or "zip").
func (r *Repository) Passwords(ctx context.Context, kind string) ([]string, error) {
	resp, err := r.http.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		Path:   "/passwords",
		Query:  map[string]string{"type": kind},
	})
	if err != nil {
		return nil, err
	}
	var env envelope[[]string]
	if err := decode(resp, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// History returns the version history for a document.
func (r *Repository) History(ctx context.Context, id int64) ([]domain.Document, error) {
	resp, err := r.http.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/documents/%d/history", id),
	})
	if err != nil {
		return nil, err
	}
	var env envelope[[]domain.Document]
	if err := decode(resp, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// HistoryEvent is one processing step logged against a document, mirroring
// the original's history_api.create() call.
type HistoryEvent struct {
	Action                   string         `json:"action"`
	NewStatus                string         `json:"new_status"`
	PreviousStatus           string         `json:"previous_status,omitempty"`
	Success                  bool           `json:"success"`
	ErrorMessage             string         `json:"error_message,omitempty"`
	ClassificationSource     string         `json:"classification_source,omitempty"`
	ClassificationResult     string         `json:"classification_result,omitempty"`
	ActionDetails            map[string]any `json:"action_details,omitempty"`
	DurationMS               int64          `json:"duration_ms,omitempty"`
}

// BatchHistoryEvent is a history entry not tied to a single document
// (batch_complete, batch_cost_update). ReferenceEntryID links a
// batch_cost_update back to the batch_complete row it completes.
type BatchHistoryEvent struct {
	Action               string         `json:"action"`
	NewStatus            string         `json:"new_status,omitempty"`
	PreviousStatus       string         `json:"previous_status,omitempty"`
	Success              bool           `json:"success"`
	ClassificationSource string         `json:"classification_source,omitempty"`
	ClassificationResult string         `json:"classification_result,omitempty"`
	ActionDetails        map[string]any `json:"action_details,omitempty"`
	DurationMS           int64          `json:"duration_ms,omitempty"`
	ReferenceEntryID     *int64         `json:"reference_entry_id,omitempty"`
}

// LogBatchHistory records a batch-level event (document_id is implicitly
// absent) and returns the server-assigned entry id, needed later to post
// the batch_cost_update entry that references it.
func (r *Repository) LogBatchHistory(ctx context.Context, event BatchHistoryEvent) (int64, error) {
	resp, err := r.http.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/history",
		Body:   jsonBody(event),
	})
	if err != nil {
		return 0, err
	}
	var env envelope[struct {
		ID int64 `json:"id"`
	}]
	if err := decode(resp, &env); err != nil {
		return 0, err
	}
	return env.Data.ID, nil
}

// LogHistory records one processing event for document id. Failures are
// swallowed by the caller (see internal/classifier), never by this method,
// so the decision to not let history logging interrupt processing stays
// visible at the call site.
func (r *Repository) LogHistory(ctx context.Context, id int64, event HistoryEvent) error {
	resp, err := r.http.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/documents/%d/history", id),
		Body:   jsonBody(event),
	})
	if err != nil {
		return err
	}
	return decode(resp, &envelope[struct{}]{})
}

// Upload uploads the file at path and returns the server's Document.
func (r *Repository) Upload(ctx context.Context, path string, sourceType domain.SourceType, boxType domain.BoxType, extras map[string]string) (*domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "read upload file")
	}

	body, contentType, err := buildMultipart(filepath.Base(path), data, mergeExtras(extras, map[string]string{
		"source_type": string(sourceType),
		"box_type":    string(boxType),
	}))
	if err != nil {
		return nil, err
	}

	resp, err := r.http.Do(ctx, httpclient.Request{
		Method:  http.MethodPost,
		Path:    "/documents",
		Headers: map[string]string{"Content-Type": contentType},
		Body:    body,
	})
	if err != nil {
		return nil, err
	}
	var env envelope[domain.Document]
	if err := decode(resp, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// Download fetches document id and writes it into targetDir, resolving
// filename collisions with "_1", "_2", ... suffixes, and verifying the
// written file exists afterward.
func (r *Repository) Download(ctx context.Context, id int64, targetDir string, filenameOverride string) (string, error) {
	resp, err := r.http.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/documents/%d/download", id),
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", apperror.New(apperror.CodeNotFound, fmt.Sprintf("download failed: HTTP %d", resp.StatusCode))
	}

	filename := filenameOverride
	if filename == "" {
		filename = resolveFilenameFromHeaders(resp, id)
	}

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", apperror.Wrap(err, apperror.CodeInternal, "create target dir")
	}

	target := uniquePath(filepath.Join(targetDir, filename))
	f, err := os.Create(target)
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodeInternal, "create download target")
	}

	if _, err := copyBody(f, resp); err != nil {
		f.Close()
		_ = os.Remove(target)
		return "", apperror.Wrap(err, apperror.CodeTransientHTTP, "write downloaded file")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(target)
		return "", apperror.Wrap(err, apperror.CodeInternal, "close downloaded file")
	}

	if _, statErr := os.Stat(target); statErr != nil {
		_ = os.Remove(target)
		return "", apperror.Wrap(statErr, apperror.CodeInternal, "verify downloaded file")
	}

	return target, nil
}

// ReplaceFile replaces document id's bytes while keeping its metadata.
func (r *Repository) ReplaceFile(ctx context.Context, id int64, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "read replacement file")
	}
	body, contentType, err := buildMultipart(filepath.Base(path), data, nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(ctx, httpclient.Request{
		Method:  http.MethodPost,
		Path:    fmt.Sprintf("/documents/%d/replace", id),
		Headers: map[string]string{"Content-Type": contentType},
		Body:    body,
	})
	if err != nil {
		return err
	}
	return decode(resp, &envelope[struct{}]{})
}

// Patch is any subset of the mutable document fields, applied by Update.
type Patch struct {
	OriginalFilename         *string                         `json:"original_filename,omitempty"`
	BoxType                  *domain.BoxType                 `json:"box_type,omitempty"`
	ProcessingStatus         *domain.ProcessingStatus         `json:"processing_status,omitempty"`
	AIRenamed                *bool                           `json:"ai_renamed,omitempty"`
	AIProcessingError        *string                         `json:"ai_processing_error,omitempty"`
	DocumentCategory         *string                         `json:"document_category,omitempty"`
	ValidationStatus         *domain.ValidationStatus        `json:"validation_status,omitempty"`
	ClassificationSource     *domain.ClassificationSource     `json:"classification_source,omitempty"`
	ClassificationConfidence *domain.ClassificationConfidence `json:"classification_confidence,omitempty"`
	ClassificationReason     *string                         `json:"classification_reason,omitempty"`
	ClassificationTimestamp  *string                         `json:"classification_timestamp,omitempty"`
	ContentHash              *string                         `json:"content_hash,omitempty"`
	BiPRODocumentID          *string                         `json:"bipro_document_id,omitempty"`
	SourceXMLIndexID         *string                         `json:"source_xml_index_id,omitempty"`
	IsArchived               *bool                           `json:"is_archived,omitempty"`
	DisplayColor             *domain.DisplayColor            `json:"display_color,omitempty"`
	EmptyPageCount           *int                            `json:"empty_page_count,omitempty"`
	TotalPageCount           *int                            `json:"total_page_count,omitempty"`
}

// Update applies patch to document id.
func (r *Repository) Update(ctx context.Context, id int64, patch Patch) (*domain.Document, error) {
	resp, err := r.http.Do(ctx, httpclient.Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/documents/%d", id),
		Body:   jsonBody(patch),
	})
	if err != nil {
		return nil, err
	}
	var env envelope[domain.Document]
	if err := decode(resp, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// BulkResult is the outcome of a bulk operation, which may have fallen back
// to per-item calls.
type BulkResult struct {
	SuccessCount int
	FellBack     bool
}

// Move bulk-moves ids into targetBox, optionally setting processingStatus.
func (r *Repository) Move(ctx context.Context, ids []int64, targetBox domain.BoxType, processingStatus *domain.ProcessingStatus) (*BulkResult, error) {
	return r.bulk(ctx, "/documents/move", map[string]any{
		"ids":               ids,
		"target_box":        targetBox,
		"processing_status": processingStatus,
	}, ids, func(ctx context.Context, id int64) error {
		_, err := r.Update(ctx, id, Patch{BoxType: &targetBox, ProcessingStatus: processingStatus})
		return err
	})
}

// Delete bulk-deletes ids.
func (r *Repository) Delete(ctx context.Context, ids []int64) (*BulkResult, error) {
	return r.bulk(ctx, "/documents/delete", map[string]any{"ids": ids}, ids, func(ctx context.Context, id int64) error {
		resp, err := r.http.Do(ctx, httpclient.Request{Method: http.MethodDelete, Path: fmt.Sprintf("/documents/%d", id)})
		if err != nil {
			return err
		}
		return decode(resp, &envelope[struct{}]{})
	})
}

// Archive bulk-archives ids.
func (r *Repository) Archive(ctx context.Context, ids []int64) (*BulkResult, error) {
	archived := true
	return r.bulk(ctx, "/documents/archive", map[string]any{"ids": ids}, ids, func(ctx context.Context, id int64) error {
		_, err := r.Update(ctx, id, Patch{IsArchived: &archived})
		return err
	})
}

// Unarchive bulk-unarchives ids.
func (r *Repository) Unarchive(ctx context.Context, ids []int64) (*BulkResult, error) {
	archived := false
	return r.bulk(ctx, "/documents/unarchive", map[string]any{"ids": ids}, ids, func(ctx context.Context, id int64) error {
		_, err := r.Update(ctx, id, Patch{IsArchived: &archived})
		return err
	})
}

// SetColor bulk-sets (or clears, when color is nil) the display color on ids.
func (r *Repository) SetColor(ctx context.Context, ids []int64, color *domain.DisplayColor) (*BulkResult, error) {
	return r.bulk(ctx, "/documents/colors", map[string]any{"ids": ids, "color": color}, ids, func(ctx context.Context, id int64) error {
		_, err := r.Update(ctx, id, Patch{DisplayColor: color})
		return err
	})
}

// SaveAIData upserts the AI extraction payload for id.
func (r *Repository) SaveAIData(ctx context.Context, id int64, data AIData) error {
	resp, err := r.http.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/documents/%d/ai-data", id),
		Body:   jsonBody(data),
	})
	if err != nil {
		return err
	}
	return decode(resp, &envelope[struct{}]{})
}

// CheckConnection reports whether the Archive API is reachable.
func (r *Repository) CheckConnection(ctx context.Context) bool {
	resp, err := r.http.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/"})
	if err != nil {
		return false
	}
	var env envelope[struct{ Status string `json:"status"` }]
	if err := decode(resp, &env); err != nil {
		return false
	}
	return env.Data.Status == "ok"
}

// bulk executes a bulk operation, falling back to per-item calls on a
// version-mismatch error (spec.md §4.3), and returns the total success
// count either way.
func (r *Repository) bulk(ctx context.Context, path string, body any, ids []int64, perItem func(ctx context.Context, id int64) error) (*BulkResult, error) {
	resp, err := r.http.Do(ctx, httpclient.Request{Method: http.MethodPost, Path: path, Body: jsonBody(body)})
	if err == nil {
		var env envelope[struct {
			SuccessCount int `json:"success_count"`
		}]
		if decodeErr := decode(resp, &env); decodeErr == nil {
			return &BulkResult{SuccessCount: env.Data.SuccessCount}, nil
		} else if !isAPIVersionMismatch(decodeErr) {
			return nil, decodeErr
		}
	} else if !isAPIVersionMismatch(err) {
		return nil, err
	}

	count := 0
	for _, id := range ids {
		if err := perItem(ctx, id); err == nil {
			count++
		}
	}
	return &BulkResult{SuccessCount: count, FellBack: true}, nil
}

func isAPIVersionMismatch(err error) bool {
	var appErr *apperror.Error
	if e, ok := err.(*apperror.Error); ok {
		appErr = e
	}
	if appErr == nil {
		return false
	}
	return strings.Contains(strings.ToLower(appErr.Message), "version mismatch") || appErr.Code == apperror.CodeUnimplemented
}
