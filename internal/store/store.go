// Package store holds the ordered message collection of the active
// conversation and reconciles optimistic sends, live echoes, server
// confirmations and out-of-order status events against it.
//
// No operation returns an error. Anything that cannot be resolved degrades to
// an append or to a deferred PendingStatus, which is applied as soon as the
// message it names shows up. Entries are values: every change replaces the
// slot with a fresh copy, and Revision increases on every change so readers
// can detect updates cheaply.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/resolver"
)

// DefaultPendingTTL bounds how long a deferred status waits for its message.
const DefaultPendingTTL = 10 * time.Minute

// Outcome reports what an operation did to the collection.
type Outcome int

const (
	Ignored Outcome = iota
	Appended
	Merged
	Updated
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Merged:
		return "merged"
	case Updated:
		return "updated"
	case Deferred:
		return "deferred"
	}
	return "ignored"
}

// Options configures a Store. The zero value is usable.
type Options struct {
	Policy resolver.Policy
	// PendingTTL is the age after which an unapplied status is evicted.
	// Zero means DefaultPendingTTL; negative disables eviction.
	PendingTTL time.Duration
	// SortOnAppend inserts new entries by createdAt instead of at the tail.
	SortOnAppend bool
	Now          func() time.Time
}

// StatusUpdate is a delivered/read transition plus whatever context the
// event carried for heuristic matching.
type StatusUpdate struct {
	MessageID string
	Status    domain.Status
	// At is the server timestamp of the transition, if known.
	At     time.Time
	From   string
	To     string
	Text   string
	SentAt time.Time
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	opts    Options
	msgs    []domain.Message
	pending map[string]domain.PendingStatus
	rev     uint64
}

// New returns an empty store.
func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PendingTTL == 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	if opts.Policy.Window <= 0 {
		opts.Policy.Window = resolver.DefaultWindow
	}
	return &Store{opts: opts, pending: make(map[string]domain.PendingStatus)}
}

// SetMessages replaces the collection with list, preserving its order.
func (s *Store) SetMessages(list []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]domain.Message, 0, len(list))
	for _, m := range list {
		msgs = append(msgs, m.Clone())
	}
	s.msgs = msgs
	s.rev++
	observe("set", Updated)
}

// AddMessage inserts a live or optimistic message.
//
// A message with a server id is merged into the entry it resolves to (exact
// id, then sender+text+window). Otherwise queued statuses for its ids are
// applied and it is appended. An optimistic message whose client id is
// already present is ignored.
func (s *Store) AddMessage(in domain.Message) (domain.Message, Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, out := s.addLocked(in)
	observe("add", out)
	return m.Clone(), out
}

func (s *Store) addLocked(in domain.Message) (domain.Message, Outcome) {
	if in.ServerID == "" {
		if i := resolver.ExactIndex(s.msgs, in.ClientID); i >= 0 {
			return s.msgs[i], Ignored
		}
		m := s.applyPending(in.Clone())
		s.insert(m)
		return m, Appended
	}

	if i, kind := s.opts.Policy.MatchMessage(s.msgs, resolver.TargetOf(in)); kind != resolver.NoMatch {
		m := s.applyPending(s.msgs[i].Merge(in))
		s.msgs[i] = m
		s.rev++
		return m, Merged
	}

	m := s.applyPending(in.Clone())
	s.insert(m)
	return m, Appended
}

// Reload replaces the collection with history in one step, for a
// conversation whose live events kept arriving while history was fetched.
//
// An entry already in the store that history also holds keeps whichever
// delivered/read state is further along. Other entries are added back
// through the AddMessage path, except those whose id is in stale (rows
// seeded from a cache that the backend no longer returns). Statuses queued
// under history ids are applied. Unlike SetMessages this never moves a
// message back to a lower status.
func (s *Store) Reload(history []domain.Message, stale map[string]bool) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.msgs
	s.msgs = make([]domain.Message, 0, len(history)+len(prev))
	for _, m := range history {
		s.msgs = append(s.msgs, m.Clone())
	}
	for i := range s.msgs {
		s.msgs[i] = s.applyPending(s.msgs[i])
	}

	for _, old := range prev {
		if j := indexOfEntry(s.msgs, old); j >= 0 {
			s.msgs[j] = s.msgs[j].WithStatusOf(old)
			continue
		}
		if stale[old.ID()] {
			continue
		}
		s.addLocked(old)
	}
	s.rev++
	observe("reload", Updated)

	out := make([]domain.Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Clone()
	}
	return out
}

// indexOfEntry finds m by server id, then by client id.
func indexOfEntry(msgs []domain.Message, m domain.Message) int {
	if m.ServerID != "" {
		if i := resolver.ExactIndex(msgs, m.ServerID); i >= 0 {
			return i
		}
	}
	if m.ClientID != "" {
		return resolver.ExactIndex(msgs, m.ClientID)
	}
	return -1
}

// ConfirmMessage swaps the optimistic entry tracked by clientID for the
// server's copy. The entry keeps its position and its Outgoing flag.
//
// When no optimistic entry exists, server is merged into an entry that
// already carries its id, or appended.
func (s *Store) ConfirmMessage(clientID string, server domain.Message) domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := -1
	if clientID != "" {
		for k := range s.msgs {
			if s.msgs[k].ClientID == clientID {
				i = k
				break
			}
		}
	}

	if i < 0 {
		if j := resolver.ExactIndex(s.msgs, server.ServerID); j >= 0 {
			m := s.applyPending(s.msgs[j].Merge(server))
			s.msgs[j] = m
			s.rev++
			observe("confirm", Merged)
			return m.Clone()
		}
		m := server.Clone()
		if m.ClientID == "" {
			m.ClientID = clientID
		}
		m = s.applyPending(m)
		s.insert(m)
		observe("confirm", Appended)
		return m.Clone()
	}

	m := s.msgs[i].Merge(server)
	// an echo may already have landed as its own entry
	if server.ServerID != "" {
		for j := range s.msgs {
			if j != i && s.msgs[j].ServerID == server.ServerID {
				m = m.Merge(s.msgs[j])
				s.msgs = append(s.msgs[:j], s.msgs[j+1:]...)
				if j < i {
					i--
				}
				break
			}
		}
	}
	m = s.applyPending(m)
	s.msgs[i] = m
	s.rev++
	observe("confirm", Merged)
	return m.Clone()
}

// UpdateMessageStatus applies a delivered/read transition. Unresolvable
// updates are queued under MessageID; a later read overrides a queued
// delivered but never the reverse.
func (s *Store) UpdateMessageStatus(u StatusUpdate) (domain.Message, Outcome) {
	if u.Status != domain.StatusDelivered && u.Status != domain.StatusRead {
		observe("status", Ignored)
		return domain.Message{}, Ignored
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	at := u.At
	if at.IsZero() {
		at = now
	}

	t := resolver.Target{ID: u.MessageID, From: u.From, To: u.To, Text: u.Text, At: u.SentAt}
	if i, kind := s.opts.Policy.MatchStatus(s.msgs, t); kind != resolver.NoMatch {
		m := s.msgs[i].ApplyStatus(u.Status, at)
		s.msgs[i] = m
		s.rev++
		observe("status", Updated)
		return m.Clone(), Updated
	}

	if u.MessageID == "" {
		observe("status", Ignored)
		return domain.Message{}, Ignored
	}

	s.evictLocked(now)
	if prev, ok := s.pending[u.MessageID]; ok && prev.Status.Rank() > u.Status.Rank() {
		observe("status", Deferred)
		return domain.Message{}, Deferred
	}
	s.pending[u.MessageID] = domain.PendingStatus{
		MessageID:  u.MessageID,
		Status:     u.Status,
		At:         u.At,
		ReceivedAt: now,
	}
	pendingGauge.Set(float64(len(s.pending)))
	observe("status", Deferred)
	return domain.Message{}, Deferred
}

// ResetMessages clears the collection. Queued statuses survive: they may
// belong to a conversation that is opened again before they expire.
func (s *Store) ResetMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
	s.rev++
	observe("reset", Updated)
}

// Messages returns a copy of the collection in display order.
func (s *Store) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Find looks an entry up by server or client id.
func (s *Store) Find(id string) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := resolver.ExactIndex(s.msgs, id); i >= 0 {
		return s.msgs[i].Clone(), true
	}
	return domain.Message{}, false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Revision increases on every change to the collection.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rev
}

// Pending returns the queued statuses ordered by message id.
func (s *Store) Pending() []domain.PendingStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PendingStatus, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}

// EvictExpired drops queued statuses older than the TTL and returns how many
// were removed.
func (s *Store) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(s.opts.Now())
}

func (s *Store) evictLocked(now time.Time) int {
	if s.opts.PendingTTL < 0 {
		return 0
	}
	n := 0
	for id, p := range s.pending {
		if now.Sub(p.ReceivedAt) > s.opts.PendingTTL {
			delete(s.pending, id)
			n++
		}
	}
	if n > 0 {
		pendingEvicted.Add(float64(n))
		pendingGauge.Set(float64(len(s.pending)))
	}
	return n
}

// applyPending folds and clears any status queued under m's ids.
func (s *Store) applyPending(m domain.Message) domain.Message {
	for _, id := range []string{m.ServerID, m.ClientID} {
		if id == "" {
			continue
		}
		p, ok := s.pending[id]
		if !ok {
			continue
		}
		at := p.At
		if at.IsZero() {
			at = p.ReceivedAt
		}
		m = m.ApplyStatus(p.Status, at)
		delete(s.pending, id)
		pendingApplied.Inc()
	}
	pendingGauge.Set(float64(len(s.pending)))
	return m
}

// insert appends m, or places it after the last entry not newer than it when
// SortOnAppend is set.
func (s *Store) insert(m domain.Message) {
	defer func() { s.rev++ }()
	if !s.opts.SortOnAppend || m.CreatedAt.IsZero() {
		s.msgs = append(s.msgs, m)
		return
	}
	pos := len(s.msgs)
	for pos > 0 && s.msgs[pos-1].CreatedAt.After(m.CreatedAt) {
		pos--
	}
	s.msgs = append(s.msgs, domain.Message{})
	copy(s.msgs[pos+1:], s.msgs[pos:])
	s.msgs[pos] = m
}
