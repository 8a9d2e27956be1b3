package cache

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/cupnote/cupsync/internal/errors"
	"github.com/cupnote/cupsync/internal/metrics"
	"github.com/cupnote/cupsync/internal/model"
	"github.com/cupnote/cupsync/internal/store"
	"github.com/cupnote/cupsync/internal/validation"
	"go.uber.org/zap"
)

// SchemaVersion is the layout version written to cache metadata
const SchemaVersion = 1

// entryOverhead approximates per-item bookkeeping bytes
const entryOverhead = 64

// OptimizeAction reports what Optimize did
type OptimizeAction string

const (
	OptimizeNone    OptimizeAction = "none"
	OptimizeCleared OptimizeAction = "cleared"
	OptimizeTrimmed OptimizeAction = "trimmed"
)

// CacheConfig holds cache configuration
type CacheConfig struct {
	MaxSizeBytes      int64
	MaxCollectionSize int
	TTL               time.Duration
	OptimizeThreshold float64
	TrimTarget        int
}

// CacheService owns the sync_cache and cache_metadata keys.
// Read failures degrade to an empty cache and are never returned to callers.
type CacheService struct {
	config    *CacheConfig
	kv        store.KeyValueStore
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewCacheService creates a new cache service
func NewCacheService(cfg *CacheConfig, kv store.KeyValueStore, m *metrics.Metrics, logger *zap.Logger) *CacheService {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = 50 * 1024 * 1024
	}
	if cfg.MaxCollectionSize <= 0 {
		cfg.MaxCollectionSize = 100
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.OptimizeThreshold <= 0 || cfg.OptimizeThreshold > 1 {
		cfg.OptimizeThreshold = 0.9
	}
	if cfg.TrimTarget <= 0 {
		cfg.TrimTarget = 50
	}

	return &CacheService{
		config:    cfg,
		kv:        kv,
		validator: validation.NewValidator(),
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Put replaces the whole collection for a category and stamps a fresh expiry
func (s *CacheService) Put(ctx context.Context, category model.Category, items []model.CacheEntry) error {
	if err := s.validator.ValidateCategory(category); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.loadSnapshot(ctx)
	snapshot.SetCollection(category, append([]model.CacheEntry(nil), items...))

	now := s.now()
	snapshot.CachedAt = now
	snapshot.ExpiresAt = now.Add(s.config.TTL)

	return s.writeSnapshot(ctx, snapshot)
}

// Get returns the collection for a category, or nothing if absent or expired
func (s *CacheService) Get(ctx context.Context, category model.Category) []model.CacheEntry {
	if !category.IsKnown() {
		s.logger.Warn("Cache read for unknown category", zap.String("category", string(category)))
		return []model.CacheEntry{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isExpiredLocked(ctx) {
		return []model.CacheEntry{}
	}

	items := s.loadSnapshot(ctx).Collection(category)
	return append([]model.CacheEntry{}, items...)
}

// AddOrUpdateItem merges one item by id, prepending new items and bounding the collection.
// An item older than the stored copy is ignored so updatedAt never moves backwards.
func (s *CacheService) AddOrUpdateItem(ctx context.Context, category model.Category, item model.CacheEntry) error {
	if err := s.validator.ValidateCategory(category); err != nil {
		return err
	}
	if item.ID == "" {
		return errors.ValidationFailed("id", "cache item requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}

	snapshot := s.loadSnapshot(ctx)
	items := snapshot.Collection(category)

	replaced := false
	for i := range items {
		if items[i].ID != item.ID {
			continue
		}
		if item.UpdatedAt.Before(items[i].UpdatedAt) {
			s.logger.Debug("Ignoring stale cache write",
				zap.String("category", string(category)),
				zap.String("id", item.ID),
				zap.Time("stored_updated_at", items[i].UpdatedAt),
				zap.Time("incoming_updated_at", item.UpdatedAt))
			return nil
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = items[i].CreatedAt
		}
		items[i] = item
		replaced = true
		break
	}

	if !replaced {
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		items = append([]model.CacheEntry{item}, items...)
		if len(items) > s.config.MaxCollectionSize {
			items = items[:s.config.MaxCollectionSize]
		}
	}

	snapshot.SetCollection(category, items)
	return s.writeSnapshot(ctx, snapshot)
}

// RemoveItem removes an item by id; a missing id is a no-op
func (s *CacheService) RemoveItem(ctx context.Context, category model.Category, id string) error {
	if err := s.validator.ValidateCategory(category); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.loadSnapshot(ctx)
	items := snapshot.Collection(category)

	kept := make([]model.CacheEntry, 0, len(items))
	for _, entry := range items {
		if entry.ID != id {
			kept = append(kept, entry)
		}
	}
	if len(kept) == len(items) {
		return nil
	}

	snapshot.SetCollection(category, kept)
	return s.writeSnapshot(ctx, snapshot)
}

// ValidateIntegrity compares stored counts with actual collection sizes.
// On mismatch the metadata is repaired and false is returned.
func (s *CacheService) ValidateIntegrity(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.loadSnapshot(ctx)
	meta, found := s.loadMetadata(ctx)

	actual := countItems(snapshot)
	consistent := true
	for _, category := range model.Categories {
		if meta.ItemCounts[category] != actual[category] {
			consistent = false
			break
		}
	}
	if !found && totalItems(actual) > 0 {
		consistent = false
	}
	if consistent {
		return true
	}

	s.logger.Warn("Cache metadata out of sync, repairing",
		zap.Any("stored_counts", meta.ItemCounts),
		zap.Any("actual_counts", actual))

	meta.ItemCounts = actual
	meta.TotalSize = estimateSize(snapshot)
	meta.LastUpdated = s.now()
	if !snapshot.ExpiresAt.IsZero() {
		meta.ExpiresAt = snapshot.ExpiresAt
	}

	if err := s.writeMetadata(ctx, meta); err != nil {
		s.logger.Error("Failed to persist repaired cache metadata", zap.Error(err))
	}
	s.metrics.CacheIntegrityRepairs.Inc()

	return false
}

// IsExpired reports whether the cache has passed its expiry
func (s *CacheService) IsExpired(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isExpiredLocked(ctx)
}

// ClearAll removes every cached collection and resets metadata
func (s *CacheService) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked(ctx)
}

// Optimize clears an expired cache, or trims records when usage passes the threshold
func (s *CacheService) Optimize(ctx context.Context) (OptimizeAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isExpiredLocked(ctx) {
		s.logger.Info("Cache expired, clearing")
		if err := s.clearLocked(ctx); err != nil {
			return OptimizeNone, err
		}
		return OptimizeCleared, nil
	}

	meta, _ := s.loadMetadata(ctx)
	limit := int64(float64(s.config.MaxSizeBytes) * s.config.OptimizeThreshold)
	if meta.TotalSize <= limit {
		return OptimizeNone, nil
	}

	snapshot := s.loadSnapshot(ctx)
	records := append([]model.CacheEntry(nil), snapshot.Records...)
	if len(records) <= s.config.TrimTarget {
		return OptimizeNone, nil
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	snapshot.Records = records[:s.config.TrimTarget]

	s.logger.Info("Cache over size threshold, trimming records",
		zap.Int64("size_bytes", meta.TotalSize),
		zap.Int64("limit_bytes", limit),
		zap.Int("records_before", len(records)),
		zap.Int("records_after", s.config.TrimTarget))

	if err := s.writeSnapshot(ctx, snapshot); err != nil {
		return OptimizeNone, err
	}
	return OptimizeTrimmed, nil
}

// Stats returns a read-only view of cache usage
func (s *CacheService) Stats(ctx context.Context) model.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, _ := s.loadMetadata(ctx)
	return model.CacheStats{
		SizeBytes:    meta.TotalSize,
		MaxSizeBytes: s.config.MaxSizeBytes,
		UsagePercent: float64(meta.TotalSize) / float64(s.config.MaxSizeBytes) * 100,
		ItemCounts:   meta.ItemCounts,
		ExpiresAt:    meta.ExpiresAt,
		Expired:      s.now().After(meta.ExpiresAt),
	}
}

// Metadata returns the current cache metadata
func (s *CacheService) Metadata(ctx context.Context) model.CacheMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, _ := s.loadMetadata(ctx)
	return *meta
}

func (s *CacheService) isExpiredLocked(ctx context.Context) bool {
	meta, _ := s.loadMetadata(ctx)
	return s.now().After(meta.ExpiresAt)
}

func (s *CacheService) clearLocked(ctx context.Context) error {
	if err := s.kv.Remove(ctx, store.KeySyncCache); err != nil {
		return errors.StorageFailure(store.KeySyncCache, err)
	}
	if err := s.kv.Remove(ctx, store.KeyCacheMetadata); err != nil {
		return errors.StorageFailure(store.KeyCacheMetadata, err)
	}

	meta := s.freshMetadata()
	if err := s.writeMetadata(ctx, meta); err != nil {
		return err
	}
	s.metrics.UpdateCacheStats(0, countsByName(meta.ItemCounts))

	s.logger.Info("Cache cleared")
	return nil
}

func (s *CacheService) freshMetadata() *model.CacheMetadata {
	now := s.now()
	counts := make(map[model.Category]int, len(model.Categories))
	for _, category := range model.Categories {
		counts[category] = 0
	}
	return &model.CacheMetadata{
		LastUpdated: now,
		Version:     SchemaVersion,
		ExpiresAt:   now.Add(s.config.TTL),
		ItemCounts:  counts,
	}
}

func (s *CacheService) loadSnapshot(ctx context.Context) *model.CacheSnapshot {
	snapshot := &model.CacheSnapshot{}
	data, err := s.kv.Get(ctx, store.KeySyncCache)
	if err != nil {
		if !goerrors.Is(err, store.ErrNotFound) {
			s.logger.Warn("Failed to read cache, treating as empty", zap.Error(err))
			s.metrics.CacheReadFailuresTotal.Inc()
		}
		return snapshot
	}
	if err := json.Unmarshal(data, snapshot); err != nil {
		s.logger.Warn("Failed to decode cache, treating as empty", zap.Error(err))
		s.metrics.CacheReadFailuresTotal.Inc()
		return &model.CacheSnapshot{}
	}
	return snapshot
}

func (s *CacheService) loadMetadata(ctx context.Context) (*model.CacheMetadata, bool) {
	data, err := s.kv.Get(ctx, store.KeyCacheMetadata)
	if err != nil {
		if !goerrors.Is(err, store.ErrNotFound) {
			s.logger.Warn("Failed to read cache metadata", zap.Error(err))
			s.metrics.CacheReadFailuresTotal.Inc()
		}
		return s.freshMetadata(), false
	}

	meta := &model.CacheMetadata{}
	if err := json.Unmarshal(data, meta); err != nil {
		s.logger.Warn("Failed to decode cache metadata", zap.Error(err))
		s.metrics.CacheReadFailuresTotal.Inc()
		return s.freshMetadata(), false
	}
	if meta.ItemCounts == nil {
		meta.ItemCounts = make(map[model.Category]int)
	}
	return meta, true
}

func (s *CacheService) writeSnapshot(ctx context.Context, snapshot *model.CacheSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Internal("failed to encode cache", err)
	}
	if err := s.kv.Set(ctx, store.KeySyncCache, data); err != nil {
		s.logger.Error("Failed to write cache", zap.Error(err))
		return errors.StorageFailure(store.KeySyncCache, err)
	}

	meta, _ := s.loadMetadata(ctx)
	meta.Version = SchemaVersion
	meta.LastUpdated = s.now()
	meta.ItemCounts = countItems(snapshot)
	meta.TotalSize = estimateSize(snapshot)
	if !snapshot.ExpiresAt.IsZero() {
		meta.ExpiresAt = snapshot.ExpiresAt
	}

	if err := s.writeMetadata(ctx, meta); err != nil {
		return err
	}
	s.metrics.UpdateCacheStats(meta.TotalSize, countsByName(meta.ItemCounts))
	return nil
}

func (s *CacheService) writeMetadata(ctx context.Context, meta *model.CacheMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return errors.Internal("failed to encode cache metadata", err)
	}
	if err := s.kv.Set(ctx, store.KeyCacheMetadata, data); err != nil {
		s.logger.Error("Failed to write cache metadata", zap.Error(err))
		return errors.StorageFailure(store.KeyCacheMetadata, err)
	}
	return nil
}

func countItems(snapshot *model.CacheSnapshot) map[model.Category]int {
	counts := make(map[model.Category]int, len(model.Categories))
	for _, category := range model.Categories {
		counts[category] = len(snapshot.Collection(category))
	}
	return counts
}

func totalItems(counts map[model.Category]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

func estimateSize(snapshot *model.CacheSnapshot) int64 {
	var size int64
	for _, category := range model.Categories {
		for _, entry := range snapshot.Collection(category) {
			size += int64(len(entry.ID) + len(entry.Payload) + entryOverhead)
		}
	}
	return size
}

func countsByName(counts map[model.Category]int) map[string]int {
	out := make(map[string]int, len(counts))
	for category, n := range counts {
		out[string(category)] = n
	}
	return out
}
