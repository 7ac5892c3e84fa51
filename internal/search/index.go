// Package search ranks the messages of a conversation against a free-text
// query. The index is built from a snapshot and is read-only afterwards, so
// it is safe for concurrent use.
//
// Scoring uses Jaccard similarity between the query token set and each
// message's token set: score = |Q ∩ M| / |Q ∪ M|. Ties go to the newer
// message, then to the lower id, so results are deterministic.
package search

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// DefaultLimit is used when TopK is called with k <= 0.
const DefaultLimit = 10

// Result is a ranked message with its similarity score.
type Result struct {
	Message domain.Message `json:"message"`
	Score   float64        `json:"score"`
}

// Index is implemented by message indices.
type Index interface {
	TopK(query string, k int) []Result
}

// Option configures NewMessageIndex.
type Option func(*config)

type config struct {
	minRunes  int
	stopwords map[string]struct{}
	maxDocs   int
}

func defaultConfig() config {
	return config{}
}

// WithMinRunes skips messages whose trimmed text is shorter than n runes.
func WithMinRunes(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.minRunes = n
		}
	}
}

// WithStopwords drops the given words from messages and queries.
func WithStopwords(words []string) Option {
	return func(c *config) {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				m[w] = struct{}{}
			}
		}
		if len(m) > 0 {
			c.stopwords = m
		}
	}
}

// WithMaxDocs indexes only the newest n messages of the snapshot.
func WithMaxDocs(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxDocs = n
		}
	}
}

type doc struct {
	msg    domain.Message
	tokens map[string]struct{}
}

type index struct {
	cfg  config
	docs []doc
}

// NewMessageIndex builds an index over msgs, which are expected in store
// order (oldest first). Messages without text, such as media-only ones, are
// skipped.
func NewMessageIndex(msgs []domain.Message, opts ...Option) Index {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxDocs > 0 && len(msgs) > cfg.maxDocs {
		msgs = msgs[len(msgs)-cfg.maxDocs:]
	}

	docs := make([]doc, 0, len(msgs))
	for _, m := range msgs {
		t := strings.TrimSpace(m.Text)
		if t == "" {
			continue
		}
		if cfg.minRunes > 0 && utf8.RuneCountInString(t) < cfg.minRunes {
			continue
		}
		toks := tokenize(t, cfg.stopwords)
		if len(toks) == 0 {
			continue
		}
		docs = append(docs, doc{msg: m, tokens: toks})
	}
	return &index{cfg: cfg, docs: docs}
}

// TopK returns up to k best-matching messages. An empty or stopword-only
// query yields nil.
func (i *index) TopK(q string, k int) []Result {
	if len(i.docs) == 0 || strings.TrimSpace(q) == "" {
		return nil
	}
	if k <= 0 {
		k = DefaultLimit
	}
	qTokens := tokenize(q, i.cfg.stopwords)
	if len(qTokens) == 0 {
		return nil
	}

	out := make([]Result, 0, min(k*4, len(i.docs)))
	for _, d := range i.docs {
		over := overlap(qTokens, d.tokens)
		if over == 0 {
			continue
		}
		union := float64(len(qTokens) + len(d.tokens) - over)
		out = append(out, Result{Message: d.msg, Score: float64(over) / union})
	}

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		ta, tb := out[a].Message.CreatedAt, out[b].Message.CreatedAt
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return out[a].Message.ID() < out[b].Message.ID()
	})

	if k < len(out) {
		out = out[:k]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var wordRE = regexp.MustCompile(`[\p{L}\p{N}]+`)

// tokenize lowercases and NFC-normalizes s, then splits it into a set of
// letter/digit words.
func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	s = norm.NFC.String(strings.ToLower(s))
	words := wordRE.FindAllString(s, -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, skip := stop[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}
