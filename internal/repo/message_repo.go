// Package repo implements the local conversation cache, backed by GORM. This
// file provides repository functions for cached messages.
//
// A conversation is the (owner, peer) pair. Rows are keyed by server id, so
// saving the same message again updates it in place (status changes land as
// upserts). Optimistic messages without a server id are never written.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrUnconfirmed is returned when asked to cache a message without a server id.
var ErrUnconfirmed = errors.New("repo: message has no server id")

// monotoneUpdates refreshes content columns on conflict while delivery
// state only moves forward: a stale copy never clears read or delivered,
// and timestamps already recorded are kept.
var monotoneUpdates = append(
	clause.AssignmentColumns([]string{
		"owner_id", "peer_id", "from_user_id", "to_user_id",
		"text", "media_refs", "created_at", "cached_at",
	}),
	clause.Assignments(map[string]interface{}{
		"delivered":    gorm.Expr("cached_messages.delivered OR excluded.delivered OR cached_messages.read OR excluded.read"),
		"read":         gorm.Expr("cached_messages.read OR excluded.read"),
		"delivered_at": gorm.Expr("COALESCE(cached_messages.delivered_at, excluded.delivered_at)"),
		"read_at":      gorm.Expr("COALESCE(cached_messages.read_at, excluded.read_at)"),
		"outgoing":     gorm.Expr("cached_messages.outgoing OR excluded.outgoing"),
	})...,
)

// SaveMessages upserts msgs into the (owner, peer) conversation. Rows are
// keyed by server id; see monotoneUpdates for the conflict rule.
func SaveMessages(ctx context.Context, db *gorm.DB, ownerID, peerID string, msgs []domain.Message, now time.Time) error {
	if len(msgs) == 0 {
		return nil
	}
	rows := make([]domain.MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		if !m.Confirmed() {
			return ErrUnconfirmed
		}
		rows = append(rows, domain.NewMessageRecord(ownerID, peerID, m, now))
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: monotoneUpdates,
		}).
		Create(&rows).Error
}

// ListConversation returns the conversation ordered (CreatedAt ASC, ID ASC).
// With limit > 0 only the newest limit messages are returned, still in
// ascending order.
func ListConversation(ctx context.Context, db *gorm.DB, ownerID, peerID string, limit int) ([]domain.Message, error) {
	var rows []domain.MessageRecord
	q := db.WithContext(ctx).Where("owner_id = ? AND peer_id = ?", ownerID, peerID)
	if limit > 0 {
		q = q.Order("created_at DESC, id DESC").Limit(limit)
	} else {
		q = q.Order("created_at ASC, id ASC")
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Message, len(rows))
	for i, r := range rows {
		if limit > 0 {
			out[len(rows)-1-i] = r.Message()
		} else {
			out[i] = r.Message()
		}
	}
	return out, nil
}

// CountConversation returns the number of cached messages in a conversation.
func CountConversation(ctx context.Context, db *gorm.DB, ownerID, peerID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.MessageRecord{}).
		Where("owner_id = ? AND peer_id = ?", ownerID, peerID).
		Count(&total).Error
	return total, err
}

// GetMessage fetches a cached message by server id.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (domain.Message, error) {
	var r domain.MessageRecord
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return domain.Message{}, err
	}
	return r.Message(), nil
}

// PruneBefore deletes messages created before cutoff and returns how many
// rows were removed.
func PruneBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&domain.MessageRecord{})
	return res.RowsAffected, res.Error
}
