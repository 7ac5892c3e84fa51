package domain

import (
	"strings"
	"time"
)

// MessageRecord is the persisted form of a confirmed message in the local
// conversation cache. Only messages with a server id are cached; optimistic
// entries live in memory until they are confirmed.
//
// Fields:
//   - ID: server-assigned message id (primary key).
//   - OwnerID: local user the cache belongs to.
//   - PeerID: the other participant; (OwnerID, PeerID) is the conversation.
//   - MediaRefs: newline-separated media urls.
//   - CreatedAt: message time as reported by the backend (not row time).
//   - CachedAt: last time the row was written.
type MessageRecord struct {
	ID          string     `gorm:"type:varchar(64);primaryKey"`
	OwnerID     string     `gorm:"type:varchar(64);not null;index:idx_conversation,priority:1"`
	PeerID      string     `gorm:"type:varchar(64);not null;index:idx_conversation,priority:2"`
	FromUserID  string     `gorm:"type:varchar(64);not null"`
	ToUserID    string     `gorm:"type:varchar(64);not null"`
	Text        string     `gorm:"type:text"`
	MediaRefs   string     `gorm:"type:text"`
	CreatedAt   time.Time  `gorm:"autoCreateTime:false;index:idx_conversation,priority:3"`
	Delivered   bool       `gorm:"not null;default:false"`
	DeliveredAt *time.Time
	Read        bool `gorm:"not null;default:false"`
	ReadAt      *time.Time
	Outgoing    bool      `gorm:"not null;default:false"`
	CachedAt    time.Time `gorm:"index"`
}

// TableName returns the database table name for MessageRecord.
func (MessageRecord) TableName() string { return "cached_messages" }

// NewMessageRecord builds the cache row for m in the (owner, peer) conversation.
func NewMessageRecord(ownerID, peerID string, m Message, now time.Time) MessageRecord {
	return MessageRecord{
		ID:          m.ServerID,
		OwnerID:     ownerID,
		PeerID:      peerID,
		FromUserID:  m.FromUserID.String(),
		ToUserID:    m.ToUserID.String(),
		Text:        m.Text,
		MediaRefs:   strings.Join(m.MediaRefs, "\n"),
		CreatedAt:   m.CreatedAt.UTC(),
		Delivered:   m.Delivered,
		DeliveredAt: cloneTime(m.DeliveredAt),
		Read:        m.Read,
		ReadAt:      cloneTime(m.ReadAt),
		Outgoing:    m.IsOutgoing() || (m.FromUserID.String() == ownerID && ownerID != ""),
		CachedAt:    now.UTC(),
	}
}

// Message converts the cache row back into a store entry.
func (r MessageRecord) Message() Message {
	m := Message{
		ServerID:    r.ID,
		FromUserID:  Ref(r.FromUserID),
		ToUserID:    Ref(r.ToUserID),
		Text:        r.Text,
		CreatedAt:   r.CreatedAt,
		Delivered:   r.Delivered,
		DeliveredAt: cloneTime(r.DeliveredAt),
		Read:        r.Read,
		ReadAt:      cloneTime(r.ReadAt),
		Outgoing:    Bool(r.Outgoing),
	}
	if r.MediaRefs != "" {
		m.MediaRefs = strings.Split(r.MediaRefs, "\n")
	}
	return m.normalized()
}
