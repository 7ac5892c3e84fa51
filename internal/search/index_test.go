package search

import (
	"testing"
	"time"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, text string, offset time.Duration) domain.Message {
	return domain.Message{ServerID: id, FromUserID: "u1", ToUserID: "me", Text: text, CreatedAt: t0.Add(offset)}
}

func ids(rs []Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Message.ID()
	}
	return out
}

func TestOptionsAndDefaults(t *testing.T) {
	def := defaultConfig()
	if def.minRunes != 0 || def.stopwords != nil || def.maxDocs != 0 {
		t.Fatalf("defaultConfig unexpected: %#v", def)
	}

	cfg := def
	WithMinRunes(10)(&cfg)
	WithMinRunes(-5)(&cfg) // ignored
	if cfg.minRunes != 10 {
		t.Fatalf("WithMinRunes = %d", cfg.minRunes)
	}

	WithStopwords([]string{"  The ", "", "An"})(&cfg)
	if _, ok := cfg.stopwords["the"]; !ok {
		t.Fatalf("missing 'the': %#v", cfg.stopwords)
	}
	cfg2 := def
	WithStopwords(nil)(&cfg2)
	if cfg2.stopwords != nil {
		t.Fatalf("empty stopwords should remain nil")
	}

	WithMaxDocs(2)(&cfg)
	WithMaxDocs(0)(&cfg) // ignored
	if cfg.maxDocs != 2 {
		t.Fatalf("WithMaxDocs = %d", cfg.maxDocs)
	}
}

func TestTopK_RanksByJaccard(t *testing.T) {
	idx := NewMessageIndex([]domain.Message{
		msg("m1", "lunch tomorrow at noon?", 0),
		msg("m2", "Lunch!", time.Second),
		msg("m3", "see you tomorrow", 2*time.Second),
		msg("m4", "", 3*time.Second), // media only
	})

	got := ids(idx.TopK("lunch tomorrow", 5))
	// m1 and m2 tie at 0.5; the newer one ranks first
	want := []string{"m2", "m1", "m3"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}

	res := idx.TopK("lunch", 1)
	if len(res) != 1 || res[0].Message.ID() != "m2" || res[0].Score != 1 {
		t.Fatalf("exact single-token match should win: %+v", res)
	}
}

func TestTopK_TieBreaksNewestThenID(t *testing.T) {
	idx := NewMessageIndex([]domain.Message{
		msg("b", "ping", 0),
		msg("a", "ping", 0),
		msg("c", "ping", time.Minute),
	})
	got := ids(idx.TopK("ping", 0))
	if len(got) != 3 || got[0] != "c" || got[1] != "a" || got[2] != "b" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestTopK_EmptyInputs(t *testing.T) {
	if NewMessageIndex(nil).TopK("x", 3) != nil {
		t.Fatalf("empty index should return nil")
	}
	idx := NewMessageIndex([]domain.Message{msg("m1", "the cat", 0)}, WithStopwords([]string{"the"}))
	for _, q := range []string{"", "   ", "the", "?!", "dog"} {
		if res := idx.TopK(q, 3); res != nil {
			t.Fatalf("TopK(%q) = %+v, want nil", q, res)
		}
	}
}

func TestNewMessageIndex_FiltersAndMaxDocs(t *testing.T) {
	msgs := []domain.Message{
		msg("old", "hello there", 0),
		msg("short", "hi", time.Second),
		msg("new", "hello again", 2*time.Second),
	}
	idx := NewMessageIndex(msgs, WithMinRunes(3))
	if got := ids(idx.TopK("hi hello", 5)); len(got) != 2 {
		t.Fatalf("short message should be skipped: %v", got)
	}

	idx = NewMessageIndex(msgs, WithMaxDocs(1))
	if got := ids(idx.TopK("hello", 5)); len(got) != 1 || got[0] != "new" {
		t.Fatalf("only the newest message should be indexed: %v", got)
	}
}

func TestTokenize_NormalizesCaseAndForm(t *testing.T) {
	a := tokenize("CAFÉ 42", nil)
	b := tokenize("cafe\u0301 42", nil)
	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("unexpected tokens %v %v", a, b)
	}
	if overlap(a, b) != 2 {
		t.Fatalf("NFC forms should match: %v %v", a, b)
	}
	if tokenize("...", nil) != nil {
		t.Fatalf("punctuation only should yield nil")
	}
}
