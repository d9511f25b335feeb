package orchestrator

import (
	"fmt"
	"time"

	"atlas/internal/archive"
	"atlas/internal/domain"
)

// batchAccumulator carries the finished BatchProcessingResult plus the
// bits needed to emit the two history entries (batch_complete up front,
// batch_cost_update after the delayed reconciliation).
type batchAccumulator struct {
	result        *domain.BatchProcessingResult
	creditsBefore *float64
	provider      string
}

// aggregate reduces per-document results into a BatchProcessingResult.
// Success, per spec.md §4.10 step 6, means target_box is not sonstige —
// distinct from ProcessingResult.Success, which only means "no uncaught
// exception" (a sonstige/error outcome is still engine-success=true).
func aggregate(results []domain.ProcessingResult, creditsBefore *float64, provider string, duration time.Duration) batchAccumulator {
	successCount, failureCount := 0, 0
	var totalCost float64
	for _, r := range results {
		if r.Success && r.BoxType != domain.BoxSonstige {
			successCount++
		} else {
			failureCount++
		}
		totalCost += r.CostUSD
	}

	var totalCostPtr, costPerDocPtr *float64
	if totalCost > 0 {
		totalCostPtr = &totalCost
		perDoc := totalCost / float64(len(results))
		if successCount > 0 {
			perDoc = totalCost / float64(successCount)
		}
		costPerDocPtr = &perDoc
	}

	return batchAccumulator{
		result: &domain.BatchProcessingResult{
			Results:            results,
			SuccessCount:       successCount,
			FailureCount:       failureCount,
			CreditsBefore:      creditsBefore,
			TotalCostUSD:       totalCostPtr,
			CostPerDocumentUSD: costPerDocPtr,
			DurationSeconds:    duration.Seconds(),
			Provider:           provider,
		},
		creditsBefore: creditsBefore,
		provider:      provider,
	}
}

func (b batchAccumulator) completeEvent() archive.BatchHistoryEvent {
	details := map[string]any{
		"batch_type":           "inbox_processing",
		"total_documents":      len(b.result.Results),
		"successful_documents": b.result.SuccessCount,
		"failed_documents":     b.result.FailureCount,
		"duration_seconds":     round2(b.result.DurationSeconds),
		"provider":             b.provider,
		"cost_pending":         true,
	}
	if b.creditsBefore != nil {
		details["credits_before_usd"] = round6(*b.creditsBefore)
	}
	if b.result.TotalCostUSD != nil && *b.result.TotalCostUSD > 0 {
		details["accumulated_cost_usd"] = round6(*b.result.TotalCostUSD)
		if b.result.CostPerDocumentUSD != nil {
			details["cost_per_document_usd"] = round6(*b.result.CostPerDocumentUSD)
		}
	}

	return archive.BatchHistoryEvent{
		Action:               "batch_complete",
		NewStatus:            "completed",
		PreviousStatus:       "processing",
		Success:              b.result.FailureCount == 0,
		ClassificationSource: "batch_processor",
		ClassificationResult: fmt.Sprintf("%d/%d OK", b.result.SuccessCount, len(b.result.Results)),
		ActionDetails:        details,
		DurationMS:           int64(b.result.DurationSeconds * 1000),
	}
}

// costUpdateEvent computes the delayed cost-reconciliation entry. Source
// priority: accumulated server cost, then (OpenRouter only) the balance
// diff between credits_before and credits_after, falling back to whatever
// accumulated cost is known (possibly zero).
func (b batchAccumulator) costUpdateEvent(referenceEntryID int64, creditsAfter float64) archive.BatchHistoryEvent {
	var accumulated float64
	if b.result.TotalCostUSD != nil {
		accumulated = *b.result.TotalCostUSD
	}

	totalCost := accumulated
	costSource := "accumulated_fallback"
	switch {
	case accumulated > 0:
		totalCost = accumulated
		costSource = "accumulated"
	case b.provider == "openrouter" && b.creditsBefore != nil:
		totalCost = *b.creditsBefore - creditsAfter
		costSource = "balance_diff"
	}

	successCount := b.result.SuccessCount
	total := len(b.result.Results)
	var costPerDoc float64
	if successCount > 0 {
		costPerDoc = totalCost / float64(successCount)
	} else if total > 0 {
		costPerDoc = totalCost / float64(total)
	}

	details := map[string]any{
		"batch_type":            "cost_update",
		"reference_entry_id":    referenceEntryID,
		"provider":              b.provider,
		"cost_source":           costSource,
		"accumulated_cost_usd":  round6(accumulated),
		"credits_after_usd":     round6(creditsAfter),
		"total_cost_usd":        round6(totalCost),
		"cost_per_document_usd": round6(costPerDoc),
		"total_documents":       total,
		"successful_documents":  successCount,
		"failed_documents":      b.result.FailureCount,
		"duration_seconds":      round2(b.result.DurationSeconds),
	}
	if b.creditsBefore != nil {
		details["credits_before_usd"] = round6(*b.creditsBefore)
	}

	ref := referenceEntryID
	return archive.BatchHistoryEvent{
		Action:               "batch_cost_update",
		ClassificationSource: "batch_processor",
		Success:              true,
		ActionDetails:        details,
		ReferenceEntryID:     &ref,
	}
}

func round2(v float64) float64 { return roundTo(v, 100) }
func round6(v float64) float64 { return roundTo(v, 1e6) }

func roundTo(v, factor float64) float64 {
	return float64(int64(v*factor+sign(v)*0.5)) / factor
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
