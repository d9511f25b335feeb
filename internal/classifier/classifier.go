// Package classifier implements the ordered classification decision ladder
// (C9): given one document fetched fresh from the archive repository, it
// determines the document's target box, category and (optionally) a new
// filename, persists the audit trail, and hands off to the rules
// post-processor.
package classifier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"atlas/internal/archive"
	"atlas/internal/domain"
	"atlas/internal/llm"
	"atlas/internal/pdfsvc"
	"atlas/internal/probe"
	"atlas/pkg/apperror"
	"atlas/pkg/cache"
)

const errorMessageMaxLen = 500

// RulesApplier evaluates the rules post-processor (§4.11) for a document
// that has just been classified. internal/rules implements this; the
// interface exists so this package never imports it directly.
type RulesApplier interface {
	Apply(ctx context.Context, documentID int64) error
}

// Engine runs the classification decision ladder for one document at a
// time. It is safe for concurrent use by multiple orchestrator workers: all
// mutable state lives in the process-local classification cache, which is
// itself safe for concurrent access.
type Engine struct {
	repo           *archive.Repository
	llm            *llm.Classifier
	classCache     *cache.ClassificationCache
	rules          RulesApplier
	pdfPasswords   []string
	rawXMLPatterns []string
}

// New builds a classification Engine. rulesApplier may be nil, in which
// case the rules post-processing step after persistence is a no-op (useful
// for tests exercising the ladder alone).
func New(repo *archive.Repository, llmClient *llm.Classifier, classCache *cache.ClassificationCache, rulesApplier RulesApplier, pdfPasswords, rawXMLPatterns []string) *Engine {
	return &Engine{
		repo:           repo,
		llm:            llmClient,
		classCache:     classCache,
		rules:          rulesApplier,
		pdfPasswords:   pdfPasswords,
		rawXMLPatterns: rawXMLPatterns,
	}
}

// decision is the outcome of one rung of the ladder.
type decision struct {
	box        domain.BoxType
	category   string
	filename   string
	source     domain.ClassificationSource
	confidence domain.ClassificationConfidence
	reason     string
	aiData     *archive.AIData
	cacheable  bool
	costUSD    float64
}

// Process runs the full decision ladder for documentID and returns its
// outcome. It never returns an error: any failure during classification is
// captured as a failed ProcessingResult instead, per the never-propagate
// contract.
func (e *Engine) Process(ctx context.Context, documentID int64, settings llm.Settings) domain.ProcessingResult {
	doc, err := e.repo.Get(ctx, documentID)
	if err != nil {
		return e.failResult(documentID, "", err)
	}

	if doc.ProcessingStatus == domain.StatusManualExcluded {
		return domain.ProcessingResult{
			DocumentID:       documentID,
			OriginalFilename: doc.OriginalFilename,
			Success:          true,
			BoxType:          doc.BoxType,
			Category:         "manual_excluded",
		}
	}

	prevStatus := doc.ProcessingStatus
	processing := domain.StatusProcessing
	verarbeitung := domain.BoxVerarbeitung
	if _, err := e.repo.Update(ctx, documentID, archive.Patch{
		ProcessingStatus: &processing,
		BoxType:          &verarbeitung,
	}); err != nil {
		return e.failResult(documentID, doc.OriginalFilename, err)
	}
	e.logHistory(ctx, documentID, archive.HistoryEvent{
		Action: "start_processing", NewStatus: string(processing), PreviousStatus: string(prevStatus), Success: true,
	})

	d, err := e.classify(ctx, doc, settings)
	if err != nil {
		e.persistFailure(ctx, documentID, doc.OriginalFilename, err)
		return e.failResult(documentID, doc.OriginalFilename, err)
	}

	e.persistDecision(ctx, documentID, doc, d)

	if d.cacheable && doc.ContentHash != "" && e.classCache != nil {
		_ = e.classCache.Set(ctx, doc.ContentHash, &cache.CachedClassification{
			BoxType:     string(d.box),
			Category:    d.category,
			NewFilename: d.filename,
			Source:      string(d.source),
			Confidence:  string(d.confidence),
			CostUSD:     d.costUSD,
		}, 0)
	}

	if e.rules != nil {
		_ = e.rules.Apply(ctx, documentID)
	}

	return domain.ProcessingResult{
		DocumentID:       documentID,
		OriginalFilename: doc.OriginalFilename,
		Success:          true,
		BoxType:          d.box,
		Category:         d.category,
		NewFilename:      d.filename,
		Source:           d.source,
		CostUSD:          d.costUSD,
	}
}

// PreviewResult is classify_document_preview's (target_box, category) tuple.
type PreviewResult struct {
	BoxType  domain.BoxType
	Category string
}

// Preview runs the decision ladder for doc without persisting anything,
// for manual review tooling that wants to show a document's likely
// destination before committing to it.
func (e *Engine) Preview(ctx context.Context, doc *domain.Document, settings llm.Settings) (PreviewResult, error) {
	d, err := e.classify(ctx, doc, settings)
	if err != nil {
		return PreviewResult{}, err
	}
	return PreviewResult{BoxType: d.box, Category: d.category}, nil
}

// classify runs rungs 1 through 9 of the ladder.
func (e *Engine) classify(ctx context.Context, doc *domain.Document, settings llm.Settings) (decision, error) {
	// 1. content-hash dedup cache
	if doc.ContentHash != "" && e.classCache != nil {
		if cached, ok, err := e.classCache.Get(ctx, doc.ContentHash); err == nil && ok {
			return decision{
				box: domain.BoxType(cached.BoxType), category: cached.Category, filename: cached.NewFilename,
				source: domain.SourceCacheDedup, confidence: domain.ConfidenceHigh,
				reason: "content hash matched a previously classified document", cacheable: false,
			}, nil
		}
	}

	// 2. XML raw
	if e.matchesRawXMLPattern(doc.OriginalFilename) || (strings.EqualFold(filepath.Ext(doc.OriginalFilename), ".xml") && strings.Contains(strings.ToLower(doc.OriginalFilename), "roh")) {
		return decision{
			box: domain.BoxRoh, category: "xml_raw", source: domain.SourceRulePattern,
			confidence: domain.ConfidenceHigh, reason: "filename matched raw-XML pattern", cacheable: true,
		}, nil
	}

	// 3. BiPRO GDV code (999xxx)
	if isBIPROGDV(doc.BiPROCategory) {
		path, cleanup, err := e.download(ctx, doc)
		if err != nil {
			return decision{}, err
		}
		defer cleanup()

		header, herr := probe.ExtractGDVHeader(path)
		verified := herr == nil && (header.VUNumber != "Xvu" || header.Sender != "")
		if verified {
			return e.gdvDecision(header, domain.SourceRuleBIPRO, fmt.Sprintf("BiPRO code %s + GDV content verified", doc.BiPROCategory)), nil
		}

		fileType, terr := probe.DetectType(path)
		if terr == nil && fileType == probe.TypePDF {
			// mislabeled by the VU: fall through to the PDF ladder below.
		} else {
			return decision{
				box: domain.BoxSonstige, category: "unknown_bipro", source: domain.SourceRuleBIPRO,
				confidence: domain.ConfidenceLow, reason: fmt.Sprintf("BiPRO code %s claims GDV but content verification failed", doc.BiPROCategory), cacheable: true,
			}, nil
		}
	}

	// 4. GDV by extension or content
	if !isBIPROGDV(doc.BiPROCategory) {
		path, cleanup, err := e.download(ctx, doc)
		if err != nil {
			return decision{}, err
		}
		isGDVExt := strings.EqualFold(doc.FileExtension, ".gdv")
		fileType, _ := probe.DetectType(path)
		if isGDVExt || fileType == probe.TypeGDV {
			header, _ := probe.ExtractGDVHeader(path)
			cleanup()
			return e.gdvDecision(header, domain.SourceRuleExtension, "GDV file detected (extension/content)"), nil
		}
		cleanup()
	}

	// 5. PDF with BiPRO category
	if strings.EqualFold(filepath.Ext(doc.OriginalFilename), ".pdf") && doc.BiPROCategory != "" {
		if isBIPROCourtage(doc.BiPROCategory) {
			return e.courtageBranch(ctx, doc, settings, "BiPRO code "+doc.BiPROCategory)
		}
		return e.sparteBranch(ctx, doc, settings, "BiPRO code "+doc.BiPROCategory)
	}

	// 6. filename rule "Vermittlerabrechnung"
	if strings.EqualFold(filepath.Ext(doc.OriginalFilename), ".pdf") && strings.Contains(strings.ToLower(doc.OriginalFilename), "vermittlerabrechnung") {
		return e.courtageBranch(ctx, doc, settings, "filename contains 'Vermittlerabrechnung'")
	}

	// 7. PDF without BiPRO category
	if strings.EqualFold(filepath.Ext(doc.OriginalFilename), ".pdf") {
		return e.sparteBranch(ctx, doc, settings, "PDF without BiPRO category")
	}

	// 8. spreadsheet
	if isSpreadsheet(doc.FileExtension) {
		return e.spreadsheetBranch(ctx, doc, settings)
	}

	// 9. default
	return decision{
		box: domain.BoxSonstige, category: "unknown", source: domain.SourceFallback,
		confidence: domain.ConfidenceLow, reason: "no classification rule matched", cacheable: true,
	}, nil
}

func (e *Engine) gdvDecision(header probe.GDVHeader, source domain.ClassificationSource, reason string) decision {
	var parts []string
	if header.Sender != "" {
		parts = append(parts, Slugify(header.Sender))
	}
	if header.Date != "" && header.Date != "kDatum" {
		parts = append(parts, header.Date)
	}
	if header.VUNumber != "" && header.VUNumber != "Xvu" {
		parts = append(parts, "VU"+header.VUNumber)
	}
	filename := ""
	if len(parts) > 0 {
		filename = strings.Join(parts, "_") + ".gdv"
	}
	return decision{
		box: domain.BoxGDV, category: "gdv", filename: filename, source: source,
		confidence: domain.ConfidenceHigh, reason: reason, cacheable: true,
	}
}

// courtageBranch validates the PDF then calls the courtage-minimal prompt.
func (e *Engine) courtageBranch(ctx context.Context, doc *domain.Document, settings llm.Settings, reason string) (decision, error) {
	path, cleanup, err := e.download(ctx, doc)
	if err != nil {
		return decision{}, err
	}
	defer cleanup()

	validPath, verr := pdfsvc.Validate(path, e.pdfPasswords)
	if verr != nil {
		if appErr, ok := verr.(*apperror.Error); ok && appErr.Code == apperror.CodePDFEncrypted {
			return decision{
				box: domain.BoxCourtage, category: "pdf_encrypted", source: domain.SourceRuleValidation,
				confidence: domain.ConfidenceMedium, reason: "PDF is encrypted and no configured password fits", cacheable: false,
			}, nil
		}
		return decision{
			box: domain.BoxCourtage, category: "pdf_corrupt", filename: "Beschaedigte_Datei_Courtage.pdf",
			source: domain.SourceRuleValidation, confidence: domain.ConfidenceMedium, reason: "PDF failed validation/repair", cacheable: false,
		}, nil
	}

	text, _, err := pdfsvc.ExtractText(validPath)
	if err != nil {
		return decision{}, err
	}

	if e.llm == nil {
		return decision{}, apperror.New(apperror.CodeInternal, "llm classifier not configured")
	}
	result, err := e.llm.ClassifyCourtageMinimal(ctx, settings.Stage1Model, text)
	if err != nil {
		return decision{}, err
	}

	filename := Slugify(result.Insurer) + "_Courtage"
	if result.DocumentDateISO != "" {
		filename += "_" + result.DocumentDateISO
	}
	filename += ".pdf"

	return decision{
		box: domain.BoxCourtage, category: "courtage", filename: filename, source: domain.SourceKICourtageMinimal,
		confidence: domain.ConfidenceHigh, reason: reason, cacheable: true,
		costUSD: result.Usage.ServerCostUSD,
		aiData: &archive.AIData{
			ExtractedText: text, AIModel: result.ModelUsed, AIStage: "courtage_minimal",
			PromptTokens: result.Usage.PromptTokens, CompletionTokens: result.Usage.CompletionTokens,
		},
	}, nil
}

// sparteBranch validates the PDF then runs the two-stage sparte classifier.
// The resulting decision's classification source is always whichever LLM
// stage answered (stage1 or stage2), never the rule that routed the
// document here; reason carries that rule for the audit trail instead.
func (e *Engine) sparteBranch(ctx context.Context, doc *domain.Document, settings llm.Settings, reason string) (decision, error) {
	path, cleanup, err := e.download(ctx, doc)
	if err != nil {
		return decision{}, err
	}
	defer cleanup()

	validPath, verr := pdfsvc.Validate(path, e.pdfPasswords)
	if verr != nil {
		if appErr, ok := verr.(*apperror.Error); ok && appErr.Code == apperror.CodePDFEncrypted {
			return decision{
				box: domain.BoxSonstige, category: "pdf_encrypted", source: domain.SourceRuleValidation,
				confidence: domain.ConfidenceMedium, reason: "PDF is encrypted and no configured password fits", cacheable: false,
			}, nil
		}
		return decision{
			box: domain.BoxSonstige, category: "pdf_corrupt", source: domain.SourceRuleValidation,
			confidence: domain.ConfidenceMedium, reason: "PDF failed validation/repair", cacheable: false,
		}, nil
	}

	text, _, err := pdfsvc.ExtractText(validPath)
	if err != nil {
		return decision{}, err
	}

	if e.llm == nil {
		return decision{}, apperror.New(apperror.CodeInternal, "llm classifier not configured")
	}
	stage1, err := e.llm.ClassifySparteStage1(ctx, settings, text)
	if err != nil {
		return decision{}, err
	}

	result := stage1
	stageSource := domain.SourceKIGPT4oMini
	cost := stage1.Usage.ServerCostUSD
	if llm.NeedsStage2(settings, stage1) {
		stage2, err := e.llm.ClassifySparteStage2(ctx, settings, text)
		if err == nil {
			result = stage2
			stageSource = domain.SourceKIGPT4oZweistufig
			cost += stage2.Usage.ServerCostUSD
		}
	}

	filename := e.sparteFilename(doc, result)

	return decision{
		box: domain.BoxType(result.Sparte), category: string(result.Sparte), filename: filename,
		source: stageSource, confidence: domain.ClassificationConfidence(result.Confidence),
		reason: reason, cacheable: true, costUSD: cost,
		aiData: &archive.AIData{
			ExtractedText: text, AIModel: result.ModelUsed, AIStage: "sparte",
			PromptTokens: result.Usage.PromptTokens, CompletionTokens: result.Usage.CompletionTokens,
		},
	}, nil
}

func (e *Engine) sparteFilename(doc *domain.Document, result llm.SparteResult) string {
	vu := result.VUName
	if vu == "" {
		vu = doc.VUName
	}
	vuSlug := "Unbekannt"
	if vu != "" {
		vuSlug = Slugify(vu)
	}

	nameSlug := string(result.Sparte)
	if result.DocumentName != "" {
		nameSlug = Slugify(result.DocumentName)
	}

	filename := vuSlug + "_" + nameSlug
	if result.Sparte == llm.SparteCourtage && result.DocumentDateISO != "" {
		filename += "_" + result.DocumentDateISO
	}
	return filename + ".pdf"
}

func (e *Engine) spreadsheetBranch(ctx context.Context, doc *domain.Document, settings llm.Settings) (decision, error) {
	path, cleanup, err := e.download(ctx, doc)
	if err != nil {
		return decision{}, err
	}
	defer cleanup()

	preview, err := extractSpreadsheetPreview(path)
	if err != nil {
		return decision{}, err
	}

	if e.llm == nil {
		return decision{}, apperror.New(apperror.CodeInternal, "llm classifier not configured")
	}
	result, err := e.llm.ClassifySpreadsheet(ctx, settings, preview)
	if err != nil {
		return decision{}, err
	}

	return decision{
		box: domain.BoxType(result.Sparte), category: string(result.Sparte),
		source: domain.SourceKISpreadsheet, confidence: domain.ClassificationConfidence(result.Confidence),
		reason: "spreadsheet classified from row preview", cacheable: true, costUSD: result.Usage.ServerCostUSD,
		aiData: &archive.AIData{
			ExtractedText: preview, AIModel: result.ModelUsed, AIStage: "spreadsheet",
			PromptTokens: result.Usage.PromptTokens, CompletionTokens: result.Usage.CompletionTokens,
		},
	}, nil
}

func (e *Engine) matchesRawXMLPattern(filename string) bool {
	for _, pattern := range e.rawXMLPatterns {
		if ok, _ := filepath.Match(pattern, filename); ok {
			return true
		}
	}
	return false
}

// download fetches the document's current file into a scratch temp dir and
// returns a cleanup func removing that dir.
func (e *Engine) download(ctx context.Context, doc *domain.Document) (string, func(), error) {
	dir, err := os.MkdirTemp("", "atlas-classify-*")
	if err != nil {
		return "", func() {}, apperror.Wrap(err, apperror.CodeInternal, "create classify temp dir")
	}
	path, err := e.repo.Download(ctx, doc.ID, dir, doc.OriginalFilename)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", func() {}, err
	}
	return path, func() { _ = os.RemoveAll(dir) }, nil
}

// persistDecision walks the document through its three post-classification
// transitions exactly as document_processor.py's _process_document does:
// processing -> classified, then (only if the ladder produced a new
// filename) classified -> renamed, then classified/renamed -> archived. Each
// transition is its own Update call and its own history event, so a partial
// failure leaves an accurate status and an accurate audit trail instead of
// skipping straight to "archived".
func (e *Engine) persistDecision(ctx context.Context, documentID int64, doc *domain.Document, d decision) {
	category := d.category
	source := d.source
	confidence := d.confidence
	reason := d.reason
	timestamp := time.Now().Format(time.RFC3339)

	// Step 1: processing -> classified
	classifiedStatus := domain.StatusClassified
	if _, err := e.repo.Update(ctx, documentID, archive.Patch{
		BoxType:                  &d.box,
		ProcessingStatus:         &classifiedStatus,
		DocumentCategory:         &category,
		ClassificationSource:     &source,
		ClassificationConfidence: &confidence,
		ClassificationReason:     &reason,
		ClassificationTimestamp:  &timestamp,
	}); err != nil {
		e.logHistory(ctx, documentID, archive.HistoryEvent{
			Action: "classify", NewStatus: string(classifiedStatus), PreviousStatus: string(doc.ProcessingStatus),
			Success: false, ErrorMessage: truncateError(err),
		})
		return
	}
	e.logHistory(ctx, documentID, archive.HistoryEvent{
		Action: "classify", NewStatus: string(classifiedStatus), PreviousStatus: string(doc.ProcessingStatus),
		Success: true, ClassificationSource: string(d.source), ClassificationResult: category + " -> " + string(d.box),
	})
	currentStatus := classifiedStatus

	// Step 2: classified -> renamed, only when the ladder produced a new filename
	if d.filename != "" {
		renamed := true
		renamedStatus := domain.StatusRenamed
		if _, err := e.repo.Update(ctx, documentID, archive.Patch{
			OriginalFilename: &d.filename,
			AIRenamed:        &renamed,
			ProcessingStatus: &renamedStatus,
		}); err != nil {
			e.logHistory(ctx, documentID, archive.HistoryEvent{
				Action: "rename", NewStatus: string(renamedStatus), PreviousStatus: string(currentStatus),
				Success: false, ErrorMessage: truncateError(err),
			})
			return
		}
		e.logHistory(ctx, documentID, archive.HistoryEvent{
			Action: "rename", NewStatus: string(renamedStatus), PreviousStatus: string(currentStatus),
			Success: true, ActionDetails: map[string]any{"new_filename": d.filename},
		})
		currentStatus = renamedStatus
	}

	// Step 3: classified/renamed -> archived
	archived := true
	archivedStatus := domain.StatusArchived
	if _, err := e.repo.Update(ctx, documentID, archive.Patch{IsArchived: &archived, ProcessingStatus: &archivedStatus}); err != nil {
		e.logHistory(ctx, documentID, archive.HistoryEvent{
			Action: "archive", NewStatus: string(archivedStatus), PreviousStatus: string(currentStatus),
			Success: false, ErrorMessage: truncateError(err),
		})
		return
	}
	e.logHistory(ctx, documentID, archive.HistoryEvent{
		Action: "archive", NewStatus: string(archivedStatus), PreviousStatus: string(currentStatus),
		Success: true, ActionDetails: map[string]any{"final_box": string(d.box), "new_filename": d.filename},
	})

	if d.aiData != nil {
		_ = e.repo.SaveAIData(ctx, documentID, *d.aiData)
	}
}

func (e *Engine) persistFailure(ctx context.Context, documentID int64, originalFilename string, cause error) {
	status := domain.StatusError
	box := domain.BoxSonstige
	msg := truncateError(cause)
	_, _ = e.repo.Update(ctx, documentID, archive.Patch{
		BoxType:           &box,
		ProcessingStatus:  &status,
		AIProcessingError: &msg,
	})
	e.logHistory(ctx, documentID, archive.HistoryEvent{
		Action: "classify", NewStatus: string(status), Success: false, ErrorMessage: msg,
	})
}

func (e *Engine) failResult(documentID int64, originalFilename string, err error) domain.ProcessingResult {
	return domain.ProcessingResult{
		DocumentID:       documentID,
		OriginalFilename: originalFilename,
		Success:          false,
		BoxType:          domain.BoxSonstige,
		Error:            truncateError(err),
	}
}

func (e *Engine) logHistory(ctx context.Context, documentID int64, event archive.HistoryEvent) {
	if err := e.repo.LogHistory(ctx, documentID, event); err != nil {
		// history logging must never interrupt processing
		_ = err
	}
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > errorMessageMaxLen {
		return msg[:errorMessageMaxLen]
	}
	return msg
}
