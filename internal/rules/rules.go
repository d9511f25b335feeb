// Package rules applies the post-classification document policies (C11):
// duplicate handling and empty-page handling, run once per document right
// after AI data has been persisted, when content_dup_of_ids and
// empty_page_count are finally known server-side.
package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"atlas/internal/archive"
	"atlas/internal/domain"
	"atlas/internal/pdfsvc"
	"atlas/pkg/config"
	"atlas/pkg/logger"
)

// Engine applies config.RulesConfig to a document after classification.
// It implements internal/classifier.RulesApplier.
type Engine struct {
	repo *archive.Repository
	cfg  config.RulesConfig
}

// New builds a rules Engine. A zero-value cfg (every action "") applies
// no rules at all, matching the original's has_any_rule() short circuit.
func New(repo *archive.Repository, cfg config.RulesConfig) *Engine {
	return &Engine{repo: repo, cfg: cfg}
}

func (e *Engine) hasAnyRule() bool {
	return e.cfg.FileDupAction != "" && e.cfg.FileDupAction != "none" ||
		e.cfg.ContentDupAction != "" && e.cfg.ContentDupAction != "none" ||
		e.cfg.FullEmptyAction != "" && e.cfg.FullEmptyAction != "none" ||
		e.cfg.PartialEmptyAction != "" && e.cfg.PartialEmptyAction != "none"
}

// Apply runs every configured rule against documentID. Rules observe a
// document re-fetched fresh from the server, since content_dup_of_ids is
// only populated after the AI-data upsert the classifier just performed.
// Individual rule failures are logged and swallowed: a misconfigured or
// unreachable rule must never fail the document's own classification.
func (e *Engine) Apply(ctx context.Context, documentID int64) error {
	if !e.hasAnyRule() {
		return nil
	}

	doc, err := e.repo.Get(ctx, documentID)
	if err != nil {
		e.logf("rules: could not refetch document %d: %v", documentID, err)
		return nil
	}

	if doc.IsCompletelyEmpty() {
		e.applyFullEmpty(ctx, doc)
	} else if doc.HasEmptyPages() {
		e.applyPartialEmpty(ctx, doc)
	}

	if doc.Version > 1 && doc.PreviousVersionID != nil {
		e.applyDuplicateRule(ctx, doc.ID, *doc.PreviousVersionID, e.cfg.FileDupAction, e.cfg.FileDupColor, "file_duplicate")
	}

	if len(doc.ContentDupOfIDs) > 0 {
		e.applyDuplicateRule(ctx, doc.ID, doc.ContentDupOfIDs[0], e.cfg.ContentDupAction, e.cfg.ContentDupColor, "content_duplicate")
	}

	return nil
}

func (e *Engine) applyFullEmpty(ctx context.Context, doc *domain.Document) {
	switch e.cfg.FullEmptyAction {
	case "delete":
		if _, err := e.repo.Delete(ctx, []int64{doc.ID}); err != nil {
			e.logf("rules: full_empty delete failed for %d: %v", doc.ID, err)
		}
	case "color_file":
		if e.cfg.FullEmptyColor == "" {
			return
		}
		e.setColor(ctx, doc.ID, e.cfg.FullEmptyColor)
	}
}

func (e *Engine) applyPartialEmpty(ctx context.Context, doc *domain.Document) {
	switch e.cfg.PartialEmptyAction {
	case "remove_pages":
		e.removeEmptyPages(ctx, doc)
	case "color_file":
		if e.cfg.PartialEmptyColor == "" {
			return
		}
		e.setColor(ctx, doc.ID, e.cfg.PartialEmptyColor)
	}
}

func (e *Engine) applyDuplicateRule(ctx context.Context, newID, oldID int64, action, color, label string) {
	switch action {
	case "", "none":
		return
	case "color_both":
		if color == "" {
			return
		}
		e.setColors(ctx, []int64{newID, oldID}, color)
	case "color_new":
		if color == "" {
			return
		}
		e.setColor(ctx, newID, color)
	case "delete_new":
		if _, err := e.repo.Delete(ctx, []int64{newID}); err != nil {
			e.logf("rules: %s delete_new failed for %d: %v", label, newID, err)
		}
	case "delete_old":
		if _, err := e.repo.Delete(ctx, []int64{oldID}); err != nil {
			e.logf("rules: %s delete_old failed for %d: %v", label, oldID, err)
		}
	}
}

func (e *Engine) removeEmptyPages(ctx context.Context, doc *domain.Document) {
	tmpDir, err := os.MkdirTemp("", "atlas-emptypages-*")
	if err != nil {
		e.logf("rules: temp dir for empty-page removal failed: %v", err)
		return
	}
	defer os.RemoveAll(tmpDir)

	localPath, err := e.repo.Download(ctx, doc.ID, tmpDir, "")
	if err != nil {
		e.logf("rules: download for empty-page removal failed for %d: %v", doc.ID, err)
		return
	}

	emptyIdx, total, err := pdfsvc.DetectEmptyPages(localPath)
	if err != nil || len(emptyIdx) == 0 || len(emptyIdx) >= total {
		return
	}

	cleaned := filepath.Join(tmpDir, "cleaned.pdf")
	if err := pdfsvc.RemoveEmptyPagesFile(localPath, cleaned, emptyIdx, total); err != nil {
		e.logf("rules: remove empty pages failed for %d: %v", doc.ID, err)
		return
	}

	if err := e.repo.ReplaceFile(ctx, doc.ID, cleaned); err != nil {
		e.logf("rules: replace file failed for %d: %v", doc.ID, err)
		return
	}

	newTotal := total - len(emptyIdx)
	if _, err := e.repo.Update(ctx, doc.ID, archive.Patch{EmptyPageCount: intPtr(0), TotalPageCount: intPtr(newTotal)}); err != nil {
		e.logf("rules: empty-page counter update failed for %d: %v", doc.ID, err)
	}
}

func (e *Engine) setColor(ctx context.Context, id int64, color string) {
	c := domain.DisplayColor(color)
	if _, err := e.repo.SetColor(ctx, []int64{id}, &c); err != nil {
		e.logf("rules: set color failed for %d: %v", id, err)
	}
}

func (e *Engine) setColors(ctx context.Context, ids []int64, color string) {
	c := domain.DisplayColor(color)
	if _, err := e.repo.SetColor(ctx, ids, &c); err != nil {
		e.logf("rules: set colors failed for %v: %v", ids, err)
	}
}

func (e *Engine) logf(format string, args ...any) {
	logger.Warn("rules post-processing step failed", "detail", fmt.Sprintf(format, args...))
}

func intPtr(v int) *int { return &v }
