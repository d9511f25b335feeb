package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// BuildClassifyKey builds the cache key for a classification result keyed by
// content hash. Consumed (through ClassificationCache) by
// internal/classifier to skip a repeat LLM call for
// content the classifier has already seen (Testable Property S5).
func BuildClassifyKey(contentHash string) string {
	return fmt.Sprintf("classify:%s", contentHash)
}

// BuildBoxListKey builds the cache key for a cached archive box listing,
// scoped by box type.
func BuildBoxListKey(boxType string) string {
	return fmt.Sprintf("boxlist:%s", boxType)
}

// BuildAllDocumentsKey builds the cache key for the unscoped "every
// document" bucket internal/boxcache refreshes alongside per-box lists.
func BuildAllDocumentsKey() string {
	return "boxlist:__all__"
}

// BuildStatsKey builds the cache key for the cached BoxStats snapshot.
func BuildStatsKey() string {
	return "boxstats"
}

// QuickHash returns the full SHA-256 hex digest of data.
func QuickHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ShortHash returns a 16-character (8-byte) SHA-256 prefix of data, useful
// for cache keys where the full digest would be unwieldy.
func ShortHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}
