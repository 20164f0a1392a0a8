package models

import "time"

// CacheEntry is one key of the database backed cache that holds rate limit
// windows when Redis is disabled. A zero ExpiresAt never expires.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey;size:256"`
	Value     []byte    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index:idx_cache_entries_expiry"`
	UpdatedAt time.Time
}
