package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// test DB helper
func newMsgRepoDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("msg_repo_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func msg(id, from, to, text string, at time.Time) domain.Message {
	return domain.Message{ServerID: id, FromUserID: domain.Ref(from), ToUserID: domain.Ref(to), Text: text, CreatedAt: at}
}

func TestSaveMessages_UpsertsStatus(t *testing.T) {
	db := newMsgRepoDB(t)
	ctx := context.Background()

	m := msg("m1", "me", "u1", "hello", base)
	if err := SaveMessages(ctx, db, "me", "u1", []domain.Message{m}, base); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	read := m.ApplyStatus(domain.StatusRead, base.Add(time.Minute))
	if err := SaveMessages(ctx, db, "me", "u1", []domain.Message{read}, base.Add(time.Minute)); err != nil {
		t.Fatalf("SaveMessages (update): %v", err)
	}

	n, err := CountConversation(ctx, db, "me", "u1")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 row, got n=%d err=%v", n, err)
	}
	got, err := GetMessage(ctx, db, "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !got.Read || !got.Delivered || got.ReadAt == nil {
		t.Fatalf("status not upserted: %+v", got)
	}
}

func TestSaveMessages_StaleCopyDoesNotRegressStatus(t *testing.T) {
	db := newMsgRepoDB(t)
	ctx := context.Background()
	readAt := base.Add(time.Minute)

	m := msg("m1", "me", "u1", "hello", base)
	read := m.ApplyStatus(domain.StatusRead, readAt)
	if err := SaveMessages(ctx, db, "me", "u1", []domain.Message{read}, base); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	stale := m
	stale.Text = "hello (edited)"
	if err := SaveMessages(ctx, db, "me", "u1", []domain.Message{stale}, base.Add(time.Hour)); err != nil {
		t.Fatalf("SaveMessages (stale): %v", err)
	}

	got, err := GetMessage(ctx, db, "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !got.Read || !got.Delivered {
		t.Fatalf("stale copy regressed status: %+v", got)
	}
	if got.ReadAt == nil || !got.ReadAt.Equal(readAt) {
		t.Fatalf("read time lost: %v", got.ReadAt)
	}
	if got.Text != "hello (edited)" {
		t.Fatalf("content columns should still refresh, got %q", got.Text)
	}
}

func TestSaveMessages_RejectsUnconfirmed(t *testing.T) {
	db := newMsgRepoDB(t)
	opt := domain.Message{ClientID: "c1", Text: "draft", CreatedAt: base}
	err := SaveMessages(context.Background(), db, "me", "u1", []domain.Message{opt}, base)
	if !errors.Is(err, ErrUnconfirmed) {
		t.Fatalf("expected ErrUnconfirmed, got %v", err)
	}
	if err := SaveMessages(context.Background(), db, "me", "u1", nil, base); err != nil {
		t.Fatalf("empty save should be a no-op, got %v", err)
	}
}

func TestListConversation_OrderAndLimit(t *testing.T) {
	db := newMsgRepoDB(t)
	ctx := context.Background()

	var msgs []domain.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, msg(fmt.Sprintf("m%d", i), "u1", "me", fmt.Sprintf("t%d", i), base.Add(time.Duration(4-i)*time.Minute)))
	}
	// another conversation must not leak in
	msgs2 := []domain.Message{msg("x1", "u2", "me", "other", base)}
	if err := SaveMessages(ctx, db, "me", "u1", msgs, base); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	if err := SaveMessages(ctx, db, "me", "u2", msgs2, base); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	all, err := ListConversation(ctx, db, "me", "u1", 0)
	if err != nil {
		t.Fatalf("ListConversation: %v", err)
	}
	if len(all) != 5 || all[0].ServerID != "m4" || all[4].ServerID != "m0" {
		t.Fatalf("expected ascending createdAt, got %v", ids(all))
	}

	newest, err := ListConversation(ctx, db, "me", "u1", 2)
	if err != nil {
		t.Fatalf("ListConversation limit: %v", err)
	}
	if len(newest) != 2 || newest[0].ServerID != "m1" || newest[1].ServerID != "m0" {
		t.Fatalf("expected newest two ascending, got %v", ids(newest))
	}
	if newest[0].IsOutgoing() {
		t.Fatalf("peer message must not be outgoing")
	}
}

func TestGetMessage_NotFound(t *testing.T) {
	db := newMsgRepoDB(t)
	if _, err := GetMessage(context.Background(), db, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPruneBefore(t *testing.T) {
	db := newMsgRepoDB(t)
	ctx := context.Background()
	old := msg("old", "u1", "me", "a", base.Add(-48*time.Hour))
	fresh := msg("new", "u1", "me", "b", base)
	if err := SaveMessages(ctx, db, "me", "u1", []domain.Message{old, fresh}, base); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	n, err := PruneBefore(ctx, db, base.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 deleted, got n=%d err=%v", n, err)
	}
	if _, err := GetMessage(ctx, db, "new"); err != nil {
		t.Fatalf("fresh message should survive: %v", err)
	}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID()
	}
	return out
}
