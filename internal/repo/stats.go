// Package repo implements the local conversation cache, backed by GORM. This
// file provides small aggregate queries used by the bridge's session endpoint
// and the retention runner's logs. Each function is context-aware.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// Stats summarizes the cache for one owner.
type Stats struct {
	Conversations int64      `json:"conversations"`
	Messages      int64      `json:"messages"`
	LastCachedAt  *time.Time `json:"last_cached_at,omitempty"`
}

// CacheStats returns aggregate metadata for an owner's cached messages: the
// number of distinct conversations, the number of rows and the newest
// CachedAt. When the owner has no rows LastCachedAt is nil.
func CacheStats(ctx context.Context, db *gorm.DB, ownerID string) (Stats, error) {
	var st Stats
	q := db.WithContext(ctx).Model(&domain.MessageRecord{}).Where("owner_id = ?", ownerID)

	if err := q.Session(&gorm.Session{}).Count(&st.Messages).Error; err != nil {
		return Stats{}, err
	}
	if st.Messages == 0 {
		return st, nil
	}
	if err := q.Session(&gorm.Session{}).Distinct("peer_id").Count(&st.Conversations).Error; err != nil {
		return Stats{}, err
	}

	// Get latest cached_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		CachedAt time.Time
	}
	if err := q.Session(&gorm.Session{}).Select("cached_at").Order("cached_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return Stats{}, err
	}
	st.LastCachedAt = &row.CachedAt
	return st, nil
}

// TotalMessages counts every cached row regardless of owner.
func TotalMessages(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.MessageRecord{}).Count(&n).Error
	return n, err
}
