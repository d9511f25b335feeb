// Package boxcache is the in-memory box-listing and stats cache (C12)
// read by the archive UI surface: a background ticker keeps an
// all_documents bucket and BoxStats fresh, per-box buckets are derived
// from it and invalidated individually on mutation, and long-running
// operations (a batch run) can pause the ticker without losing the
// ability to answer from the last snapshot.
package boxcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"atlas/internal/archive"
	"atlas/internal/domain"
	"atlas/pkg/cache"
	"atlas/pkg/logger"
)

// DefaultRefreshInterval is the spec default for the background ticker.
const DefaultRefreshInterval = 20 * time.Second

type boxSnapshot struct {
	documents []domain.Document
	loadedAt  time.Time
	valid     bool
}

type statsSnapshot struct {
	stats    archive.Stats
	loadedAt time.Time
	valid    bool
}

// Cache holds the latest known document listing, split by box, plus the
// aggregate stats, refreshed on a ticker and invalidated by mutation.
type Cache struct {
	repo  *archive.Repository
	store cache.Cache // optional write-through, may be nil

	interval time.Duration

	mu    sync.RWMutex
	all   boxSnapshot
	boxes map[domain.BoxType]boxSnapshot
	stats statsSnapshot

	pauseMu sync.Mutex
	paused  bool

	stopCh  chan struct{}
	closeMu sync.Mutex
	closed  bool

	onDocumentsUpdated func(domain.BoxType)
	onStatsUpdated     func()
	onRefreshStarted   func()
	onRefreshFinished  func()
}

// New builds a Cache. store may be nil to skip the cross-process
// write-through and keep everything purely in-process. interval <= 0
// defaults to DefaultRefreshInterval.
func New(repo *archive.Repository, store cache.Cache, interval time.Duration) *Cache {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Cache{
		repo:     repo,
		store:    store,
		interval: interval,
		boxes:    make(map[domain.BoxType]boxSnapshot),
		stopCh:   make(chan struct{}),
	}
}

// OnDocumentsUpdated registers the documents_updated(box) event handler.
func (c *Cache) OnDocumentsUpdated(fn func(domain.BoxType)) { c.onDocumentsUpdated = fn }

// OnStatsUpdated registers the stats_updated() event handler.
func (c *Cache) OnStatsUpdated(fn func()) { c.onStatsUpdated = fn }

// OnRefreshStarted registers the refresh_started() event handler.
func (c *Cache) OnRefreshStarted(fn func()) { c.onRefreshStarted = fn }

// OnRefreshFinished registers the refresh_finished() event handler.
func (c *Cache) OnRefreshFinished(fn func()) { c.onRefreshFinished = fn }

// Start launches the background refresh ticker and blocks until the
// first refresh completes, so callers have a warm cache before serving.
func (c *Cache) Start(ctx context.Context) {
	c.refresh(ctx)
	go c.tick()
}

// Close stops the background ticker. Safe to call more than once.
func (c *Cache) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stopCh)
	return nil
}

// Pause suspends the ticker for the duration of a long-running operation
// (e.g. a batch run); a paused cache still answers from its last snapshot.
func (c *Cache) Pause() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	c.paused = true
}

// Resume re-enables the ticker.
func (c *Cache) Resume() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	c.paused = false
}

func (c *Cache) isPaused() bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.paused
}

func (c *Cache) tick() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.isPaused() {
				continue
			}
			c.refresh(context.Background())
		}
	}
}

// refresh reloads all_documents and stats from the archive API in one
// List + Stats round trip, rebuilds the per-box buckets from the single
// listing, and fires the refresh_started/refresh_finished events.
func (c *Cache) refresh(ctx context.Context) {
	c.fire(c.onRefreshStarted)

	docs, err := c.repo.List(ctx, archive.Filter{})
	if err != nil {
		logger.Warn("boxcache: refresh of all_documents failed", "error", err)
		c.fire(c.onRefreshFinished)
		return
	}
	stats, err := c.repo.Stats(ctx)
	if err != nil {
		logger.Warn("boxcache: refresh of stats failed", "error", err)
	}

	now := time.Now()
	byBox := make(map[domain.BoxType][]domain.Document)
	for _, d := range docs {
		byBox[d.BoxType] = append(byBox[d.BoxType], d)
	}

	c.mu.Lock()
	c.all = boxSnapshot{documents: docs, loadedAt: now, valid: true}
	c.boxes = make(map[domain.BoxType]boxSnapshot, len(byBox))
	for box, list := range byBox {
		c.boxes[box] = boxSnapshot{documents: list, loadedAt: now, valid: true}
	}
	if stats != nil {
		c.stats = statsSnapshot{stats: *stats, loadedAt: now, valid: true}
	}
	c.mu.Unlock()

	c.writeThrough(ctx, docs, stats)

	for box := range byBox {
		c.fireBox(box)
	}
	if stats != nil {
		c.fire(c.onStatsUpdated)
	}
	c.fire(c.onRefreshFinished)
}

// writeThrough persists the snapshot to the optional shared cache.Cache
// backend so multiple worker processes can share one refresh.
func (c *Cache) writeThrough(ctx context.Context, docs []domain.Document, stats *archive.Stats) {
	if c.store == nil {
		return
	}
	if data, err := json.Marshal(docs); err == nil {
		_ = c.store.Set(ctx, cache.BuildAllDocumentsKey(), data, c.interval*2)
	}
	if stats != nil {
		if data, err := json.Marshal(stats); err == nil {
			_ = c.store.Set(ctx, cache.BuildStatsKey(), data, c.interval*2)
		}
	}
}

// Invalidate marks box's cached listing stale; the next Documents(box)
// call re-fetches it from the archive API immediately rather than
// waiting for the next tick. Called after any mutation affecting box.
func (c *Cache) Invalidate(box domain.BoxType) {
	c.mu.Lock()
	delete(c.boxes, box)
	c.mu.Unlock()
}

// Documents returns the cached listing for box and the time it was loaded.
// A stale/missing entry is fetched synchronously.
func (c *Cache) Documents(ctx context.Context, box domain.BoxType) ([]domain.Document, time.Time, error) {
	c.mu.RLock()
	snap, ok := c.boxes[box]
	c.mu.RUnlock()
	if ok && snap.valid {
		return snap.documents, snap.loadedAt, nil
	}

	docs, err := c.repo.List(ctx, archive.Filter{BoxType: string(box)})
	if err != nil {
		return nil, time.Time{}, err
	}
	now := time.Now()
	c.mu.Lock()
	c.boxes[box] = boxSnapshot{documents: docs, loadedAt: now, valid: true}
	c.mu.Unlock()
	c.fireBox(box)
	return docs, now, nil
}

// AllDocuments returns the last refreshed all_documents bucket.
func (c *Cache) AllDocuments() ([]domain.Document, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.all.documents, c.all.loadedAt, c.all.valid
}

// Stats returns the last refreshed BoxStats.
func (c *Cache) Stats() (archive.Stats, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.stats, c.stats.loadedAt, c.stats.valid
}

func (c *Cache) fireBox(box domain.BoxType) {
	if c.onDocumentsUpdated != nil {
		c.onDocumentsUpdated(box)
	}
}

func (c *Cache) fire(fn func()) {
	if fn != nil {
		fn()
	}
}
