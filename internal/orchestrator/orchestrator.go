// Package orchestrator runs a full inbox batch (C10): it lists pending
// documents, drives a bounded worker pool over internal/classifier, and
// reconciles LLM cost after the fact. Grounded on the worker-pool shape of
// the teacher's Monte Carlo engine: a buffered task channel, a WaitGroup,
// a mutex-guarded result slice and a progress callback called after each
// document.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"atlas/internal/archive"
	"atlas/internal/classifier"
	"atlas/internal/domain"
	"atlas/internal/llm"
	"atlas/pkg/logger"
	"atlas/pkg/metrics"
)

const defaultMaxWorkers = 8

// Pauser suspends and resumes a background refresher for the duration of
// a batch (internal/boxcache implements this); nil is a valid no-op.
type Pauser interface {
	Pause()
	Resume()
}

// Progress reports batch advancement: completed/total documents processed
// so far and a short human-readable message.
type Progress struct {
	Completed int
	Total     int
	Message   string
}

// ProgressFunc receives Progress updates. The worker that finished a
// document calls it synchronously, so several workers may call it
// concurrently; every update is delivered and a slow callback stalls
// that worker.
type ProgressFunc func(Progress)

// Orchestrator drives one inbox batch end to end.
type Orchestrator struct {
	repo    *archive.Repository
	engine  *classifier.Engine
	credits CreditsProvider
	cache   Pauser

	maxWorkers int
	// delayedCostWait overrides the provider-dependent 5s/90s reconciliation
	// delay when set; zero means "use the spec default" (tests shrink it).
	delayedCostWait time.Duration
}

// New builds an Orchestrator. cache may be nil if no auto-refresh cache is
// wired; maxWorkers <= 0 defaults to 8 (spec.md §4.10/§5).
func New(repo *archive.Repository, engine *classifier.Engine, credits CreditsProvider, cache Pauser, maxWorkers int) *Orchestrator {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	return &Orchestrator{repo: repo, engine: engine, credits: credits, cache: cache, maxWorkers: maxWorkers, delayedCostWait: 0}
}

// SetDelayedCostWait overrides the provider-dependent 5s/90s delay before
// the cost-reconciliation follow-up fetch. Zero restores the default.
func (o *Orchestrator) SetDelayedCostWait(d time.Duration) { o.delayedCostWait = d }

// ProcessInbox runs process_inbox: lists eingang documents (excluding
// manual_excluded), fans them out over a worker pool, and returns the
// batch result. Cancellation via ctx is cooperative: workers finish the
// document in flight and check ctx between documents, never mid-call.
func (o *Orchestrator) ProcessInbox(ctx context.Context, settings llm.Settings, progress ProgressFunc) (*domain.BatchProcessingResult, error) {
	start := time.Now()

	docs, err := o.repo.List(ctx, archive.Filter{BoxType: string(domain.BoxEingang)})
	if err != nil {
		return nil, err
	}
	docs = filterManualExcluded(docs)

	var creditsBefore *float64
	provider := ""
	if o.credits != nil {
		provider = o.credits.Provider()
		if before, err := o.credits.FetchCredits(ctx); err != nil {
			logger.Warn("credits-before fetch failed, proceeding without it", "error", err)
		} else {
			creditsBefore = &before
		}
	}

	if o.cache != nil {
		o.cache.Pause()
		defer o.cache.Resume()
	}

	results := o.runWorkerPool(ctx, docs, settings, progress)

	batch := aggregate(results, creditsBefore, provider, time.Since(start))
	metrics.Get().RecordBatch("completed", time.Since(start), batch.result.SuccessCount, batch.result.FailureCount)

	entryID, err := o.repo.LogBatchHistory(ctx, batch.completeEvent())
	if err != nil {
		logger.Warn("batch_complete history entry failed", "error", err)
		return batch.result, nil
	}

	if o.credits != nil {
		o.scheduleDelayedCostReconciliation(entryID, batch)
	}

	return batch.result, nil
}

// ProcessOne reprocesses a single document by id (a manual "reclassify this
// one" trigger), bypassing the worker pool and batch-completion/cost
// bookkeeping that ProcessInbox does around a full run.
func (o *Orchestrator) ProcessOne(ctx context.Context, documentID int64, settings llm.Settings) domain.ProcessingResult {
	return o.engine.Process(ctx, documentID, settings)
}

func filterManualExcluded(docs []domain.Document) []domain.Document {
	out := docs[:0:0]
	for _, d := range docs {
		if d.ProcessingStatus == domain.StatusManualExcluded {
			continue
		}
		out = append(out, d)
	}
	return out
}

// runWorkerPool is the Monte-Carlo-engine-shaped fan-out: a buffered task
// channel of document ids, maxWorkers goroutines draining it, a mutex
// guarding the results slice, and a synchronous progress callback.
func (o *Orchestrator) runWorkerPool(ctx context.Context, docs []domain.Document, settings llm.Settings, progress ProgressFunc) []domain.ProcessingResult {
	total := len(docs)
	tasks := make(chan domain.Document, total)
	for _, d := range docs {
		tasks <- d
	}
	close(tasks)

	results := make([]domain.ProcessingResult, 0, total)
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := o.maxWorkers
	if workers > total && total > 0 {
		workers = total
	}
	if workers <= 0 {
		workers = 1
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for doc := range tasks {
				select {
				case <-ctx.Done():
					return
				default:
				}

				result := o.engine.Process(context.WithoutCancel(ctx), doc.ID, settings)

				mu.Lock()
				results = append(results, result)
				completed := len(results)
				mu.Unlock()

				if progress != nil {
					progress(Progress{Completed: completed, Total: total, Message: doc.OriginalFilename})
				}
			}
		}()
	}
	wg.Wait()

	return results
}

func (o *Orchestrator) scheduleDelayedCostReconciliation(entryID int64, batch batchAccumulator) {
	delay := 90 * time.Second
	if batch.result.TotalCostUSD != nil && *batch.result.TotalCostUSD > 0 {
		delay = 5 * time.Second
	}
	if o.delayedCostWait > 0 {
		delay = o.delayedCostWait
	}

	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var creditsAfter float64
		if after, err := o.credits.FetchCredits(ctx); err != nil {
			logger.Warn("credits-after fetch failed, skipping cost reconciliation", "error", err)
			return
		} else {
			creditsAfter = after
		}

		event := batch.costUpdateEvent(entryID, creditsAfter)
		if _, err := o.repo.LogBatchHistory(ctx, event); err != nil {
			logger.Warn("batch_cost_update history entry failed", "error", err)
		}
	})
}
