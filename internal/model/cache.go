package model

import (
	"encoding/json"
	"time"
)

// Category names one cached collection
type Category string

const (
	// CategoryRecords holds tasting records
	CategoryRecords Category = "records"
	// CategoryAchievements holds unlocked achievements
	CategoryAchievements Category = "achievements"
	// CategoryStats holds aggregated user statistics
	CategoryStats Category = "stats"
	// CategoryDrafts holds unfinished tasting drafts
	CategoryDrafts Category = "drafts"
)

// Categories lists every cached collection in persisted order
var Categories = []Category{CategoryRecords, CategoryAchievements, CategoryStats, CategoryDrafts}

// IsKnown reports whether c is one of the cached collections
func (c Category) IsKnown() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// CacheEntry is one cached domain record
type CacheEntry struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// CacheSnapshot is the persisted layout of the sync_cache key
type CacheSnapshot struct {
	Records      []CacheEntry `json:"records"`
	Achievements []CacheEntry `json:"achievements"`
	Stats        []CacheEntry `json:"stats"`
	Drafts       []CacheEntry `json:"drafts"`
	CachedAt     time.Time    `json:"cachedAt"`
	ExpiresAt    time.Time    `json:"expiresAt"`
}

// Collection returns the entries stored for a category
func (s *CacheSnapshot) Collection(c Category) []CacheEntry {
	switch c {
	case CategoryRecords:
		return s.Records
	case CategoryAchievements:
		return s.Achievements
	case CategoryStats:
		return s.Stats
	case CategoryDrafts:
		return s.Drafts
	default:
		return nil
	}
}

// SetCollection replaces the entries stored for a category
func (s *CacheSnapshot) SetCollection(c Category, entries []CacheEntry) {
	switch c {
	case CategoryRecords:
		s.Records = entries
	case CategoryAchievements:
		s.Achievements = entries
	case CategoryStats:
		s.Stats = entries
	case CategoryDrafts:
		s.Drafts = entries
	}
}

// CacheMetadata describes the state of one cache instance
type CacheMetadata struct {
	LastUpdated time.Time        `json:"lastUpdated"`
	Version     int              `json:"version"`
	ExpiresAt   time.Time        `json:"expiresAt"`
	TotalSize   int64            `json:"totalSize"`
	ItemCounts  map[Category]int `json:"itemCounts"`
}

// CacheStats is a read-only view of cache usage
type CacheStats struct {
	SizeBytes    int64            `json:"sizeBytes"`
	MaxSizeBytes int64            `json:"maxSizeBytes"`
	UsagePercent float64          `json:"usagePercent"`
	ItemCounts   map[Category]int `json:"itemCounts"`
	ExpiresAt    time.Time        `json:"expiresAt"`
	Expired      bool             `json:"expired"`
}
