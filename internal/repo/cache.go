package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// DefaultLoadLimit caps how many cached messages seed a conversation.
const DefaultLoadLimit = 500

// MessageCache adapts the repository functions to the session's cache
// contract.
type MessageCache struct {
	DB *gorm.DB
	// Limit caps LoadConversation; zero means DefaultLoadLimit, negative
	// means no limit.
	Limit int
	Now   func() time.Time
}

// NewMessageCache returns a cache over db.
func NewMessageCache(db *gorm.DB) *MessageCache {
	return &MessageCache{DB: db, Limit: DefaultLoadLimit, Now: time.Now}
}

func (c *MessageCache) SaveMessages(ctx context.Context, ownerID, peerID string, msgs []domain.Message) error {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return SaveMessages(ctx, c.DB, ownerID, peerID, msgs, now())
}

func (c *MessageCache) LoadConversation(ctx context.Context, ownerID, peerID string) ([]domain.Message, error) {
	limit := c.Limit
	switch {
	case limit == 0:
		limit = DefaultLoadLimit
	case limit < 0:
		limit = 0
	}
	return ListConversation(ctx, c.DB, ownerID, peerID, limit)
}

// Stats reports cache totals for ownerID.
func (c *MessageCache) Stats(ctx context.Context, ownerID string) (Stats, error) {
	return CacheStats(ctx, c.DB, ownerID)
}

// CountConversation reports how many messages are cached for the pair.
func (c *MessageCache) CountConversation(ctx context.Context, ownerID, peerID string) (int64, error) {
	return CountConversation(ctx, c.DB, ownerID, peerID)
}

// Message returns a cached message by server id, or ErrNotFound.
func (c *MessageCache) Message(ctx context.Context, id string) (domain.Message, error) {
	return GetMessage(ctx, c.DB, id)
}
