package cache

import (
	"context"
	"encoding/json"
	"time"
)

// ClassificationCache wraps Cache with the content-hash-keyed lookups
// internal/classifier uses to skip a repeat LLM call for content already seen
// (Testable Property S5).
type ClassificationCache struct {
	cache      Cache
	defaultTTL time.Duration
}

// CachedClassification is the cached outcome of classifying one document's
// content: enough to replay the box/category/filename decision for a
// byte-identical document without a second LLM round trip.
type CachedClassification struct {
	BoxType          string    `json:"box_type"`
	Category         string    `json:"category"`
	NewFilename      string    `json:"new_filename,omitempty"`
	Source           string    `json:"source"`
	Confidence       string    `json:"confidence"`
	Stage1ModelUsed  string    `json:"stage1_model_used"`
	Stage2ModelUsed  string    `json:"stage2_model_used,omitempty"`
	ReasoningSummary string    `json:"reasoning_summary,omitempty"`
	CostUSD          float64   `json:"cost_usd"`
	ClassifiedAt     time.Time `json:"classified_at"`
}

// NewClassificationCache creates a cache for classification results. A
// non-positive defaultTTL falls back to 24h, long enough that re-submitted
// content within the same ingestion run skips the LLM entirely.
func NewClassificationCache(cache Cache, defaultTTL time.Duration) *ClassificationCache {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &ClassificationCache{
		cache:      cache,
		defaultTTL: defaultTTL,
	}
}

// Get returns the cached classification for contentHash, if present.
func (cc *ClassificationCache) Get(ctx context.Context, contentHash string) (*CachedClassification, bool, error) {
	key := BuildClassifyKey(contentHash)

	data, err := cc.cache.Get(ctx, key)
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}

	var result CachedClassification
	if err := json.Unmarshal(data, &result); err != nil {
		// corrupted cache entry, evict it and fall through to a fresh classify
		_ = cc.cache.Delete(ctx, key) //nolint:errcheck // best effort cleanup
		return nil, false, nil
	}

	return &result, true, nil
}

// Set stores a classification result under contentHash. ttl <= 0 uses the
// cache's default.
func (cc *ClassificationCache) Set(ctx context.Context, contentHash string, result *CachedClassification, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cc.defaultTTL
	}

	result.ClassifiedAt = time.Now()

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	return cc.cache.Set(ctx, BuildClassifyKey(contentHash), data, ttl)
}

// Invalidate removes the cached classification for contentHash.
func (cc *ClassificationCache) Invalidate(ctx context.Context, contentHash string) error {
	return cc.cache.Delete(ctx, BuildClassifyKey(contentHash))
}

// InvalidateAll removes every cached classification result.
func (cc *ClassificationCache) InvalidateAll(ctx context.Context) (int64, error) {
	return cc.cache.DeleteByPattern(ctx, "classify:*")
}
