// Package resolver maps an incoming message or status event to an existing
// store entry. It owns no state and is safe to call from any goroutine.
//
// Precedence:
//  1. exact id (server id or client id)
//  2. same sender + same text + createdAt within Window
//  3. same text + (createdAt within Window OR same sender OR same recipient)
//
// Step 3 is only used for status events, which usually arrive with less
// context than a full message. Steps 2 and 3 are heuristics: two distinct
// messages with identical text inside the window can be merged by mistake.
// Both the window and the predicates are part of Policy so callers can tune
// or replace them.
package resolver

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// DefaultWindow is the tolerance used when comparing createdAt values.
const DefaultWindow = 15 * time.Second

// Kind reports which rule produced a match.
type Kind int

const (
	NoMatch Kind = iota
	ExactMatch
	HeuristicMatch
)

func (k Kind) String() string {
	switch k {
	case ExactMatch:
		return "exact"
	case HeuristicMatch:
		return "heuristic"
	}
	return "none"
}

// Target describes what an event refers to. Only ID is mandatory; the other
// fields feed the heuristic rules when present.
type Target struct {
	ID   string
	From string
	To   string
	Text string
	At   time.Time
}

// TargetOf builds a Target from a message.
func TargetOf(m domain.Message) Target {
	return Target{
		ID:   m.ServerID,
		From: m.FromUserID.String(),
		To:   m.ToUserID.String(),
		Text: m.Text,
		At:   m.CreatedAt,
	}
}

// Predicate decides whether existing is the same logical message as t.
type Predicate func(p Policy, existing domain.Message, t Target) bool

// Policy configures the heuristic rules.
type Policy struct {
	// Window bounds createdAt proximity. Zero means DefaultWindow.
	Window time.Duration
	// Normalize is applied to text before comparison. Nil means NFC + trim.
	Normalize func(string) string
	// MessageRule overrides rule 2. Nil means SenderTextWithinWindow.
	MessageRule Predicate
	// StatusRule overrides rule 3. Nil means TextWithContext.
	StatusRule Predicate
}

// DefaultPolicy returns the 15s window with the default predicates.
func DefaultPolicy() Policy {
	return Policy{Window: DefaultWindow}
}

// ExactIndex returns the index of the entry named by id, or -1.
func ExactIndex(msgs []domain.Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range msgs {
		if msgs[i].HasID(id) {
			return i
		}
	}
	return -1
}

// MatchMessage resolves an incoming chat message: exact id, then rule 2.
func (p Policy) MatchMessage(msgs []domain.Message, t Target) (int, Kind) {
	if i := ExactIndex(msgs, t.ID); i >= 0 {
		return i, ExactMatch
	}
	rule := p.MessageRule
	if rule == nil {
		rule = SenderTextWithinWindow
	}
	if i := p.scan(msgs, t, rule); i >= 0 {
		return i, HeuristicMatch
	}
	return -1, NoMatch
}

// MatchStatus resolves a status event: exact id, then rule 2, then rule 3.
func (p Policy) MatchStatus(msgs []domain.Message, t Target) (int, Kind) {
	if i, k := p.MatchMessage(msgs, t); k != NoMatch {
		return i, k
	}
	rule := p.StatusRule
	if rule == nil {
		rule = TextWithContext
	}
	if i := p.scan(msgs, t, rule); i >= 0 {
		return i, HeuristicMatch
	}
	return -1, NoMatch
}

func (p Policy) scan(msgs []domain.Message, t Target, rule Predicate) int {
	for i := range msgs {
		if !claimable(msgs[i], t) {
			continue
		}
		if rule(p, msgs[i], t) {
			return i
		}
	}
	return -1
}

// claimable excludes entries already confirmed under a different server id:
// those are distinct messages no matter how similar they look.
func claimable(existing domain.Message, t Target) bool {
	return existing.ServerID == "" || t.ID == "" || existing.ServerID == t.ID
}

// SenderTextWithinWindow is rule 2.
func SenderTextWithinWindow(p Policy, existing domain.Message, t Target) bool {
	return sameUser(existing.FromUserID.String(), t.From) &&
		p.SameText(existing.Text, t.Text) &&
		p.WithinWindow(existing.CreatedAt, t.At)
}

// TextWithContext is rule 3.
func TextWithContext(p Policy, existing domain.Message, t Target) bool {
	if !p.SameText(existing.Text, t.Text) {
		return false
	}
	return p.WithinWindow(existing.CreatedAt, t.At) ||
		sameUser(existing.FromUserID.String(), t.From) ||
		sameUser(existing.ToUserID.String(), t.To)
}

// SameText compares two non-empty texts after normalization.
func (p Policy) SameText(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	n := p.Normalize
	if n == nil {
		n = normalizeText
	}
	na, nb := n(a), n(b)
	return na != "" && na == nb
}

// WithinWindow reports whether both times are set and at most Window apart.
func (p Policy) WithinWindow(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	w := p.Window
	if w <= 0 {
		w = DefaultWindow
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= w
}

func sameUser(a, b string) bool { return a != "" && a == b }

func normalizeText(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}
