// Package domain defines the client-side chat model: messages as they live in
// the local store, delivery/read status, deferred statuses, the live channel
// wire envelope, and the gorm record used by the conversation cache.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the delivery state of a message. It only moves forward:
// none → delivered → read.
type Status string

const (
	StatusNone      Status = ""
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// ParseStatus maps a wire value to a Status. Unknown values report false.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusDelivered:
		return StatusDelivered, true
	case StatusRead:
		return StatusRead, true
	}
	return StatusNone, false
}

// Rank orders statuses so callers can compare progress.
func (s Status) Rank() int {
	switch s {
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	}
	return 0
}

// Message is a single chat message in the active conversation.
//
// ServerID is assigned by the backend once the message is persisted and is
// empty for optimistic entries; ClientID is generated locally at send time and
// tracks the optimistic entry until it is confirmed. Outgoing is nil until it
// is known and never changes afterwards.
type Message struct {
	ServerID    string     `json:"_id,omitempty"`
	ClientID    string     `json:"client_id,omitempty"`
	FromUserID  Ref        `json:"from_user_id"`
	ToUserID    Ref        `json:"to_user_id"`
	Text        string     `json:"text,omitempty"`
	MediaRefs   []string   `json:"media_refs,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	Outgoing    *bool      `json:"outgoing,omitempty"`
}

// wireMessage lists every field spelling the backend is known to use.
type wireMessage struct {
	UnderscoreID   Ref        `json:"_id"`
	ID             Ref        `json:"id"`
	ClientID       string     `json:"client_id"`
	ClientIDAlt    string     `json:"clientId"`
	FromUserID     Ref        `json:"from_user_id"`
	SenderID       Ref        `json:"sender_id"`
	From           Ref        `json:"from"`
	ToUserID       Ref        `json:"to_user_id"`
	RecipientID    Ref        `json:"recipient_id"`
	To             Ref        `json:"to"`
	Text           string     `json:"text"`
	MediaRefs      []string   `json:"media_refs"`
	MessageURL     string     `json:"message_url"`
	CreatedAt      *time.Time `json:"createdAt"`
	CreatedAtAlt   *time.Time `json:"created_at"`
	Delivered      bool       `json:"delivered"`
	DeliveredAt    *time.Time `json:"delivered_at"`
	DeliveredAtAlt *time.Time `json:"deliveredAt"`
	Read           bool       `json:"read"`
	ReadAt         *time.Time `json:"read_at"`
	ReadAtAlt      *time.Time `json:"readAt"`
	Outgoing       *bool      `json:"outgoing"`
}

// UnmarshalJSON decodes both the store's own encoding and the backend's
// (legacy aliases, populated user documents, media url).
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Message{
		ServerID:   FirstRef(w.UnderscoreID, w.ID).String(),
		ClientID:   firstNonEmpty(w.ClientID, w.ClientIDAlt),
		FromUserID: FirstRef(w.FromUserID, w.SenderID, w.From),
		ToUserID:   FirstRef(w.ToUserID, w.RecipientID, w.To),
		Text:       w.Text,
		MediaRefs:  w.MediaRefs,
		Delivered:  w.Delivered,
		Read:       w.Read,
		Outgoing:   w.Outgoing,
	}
	if w.MessageURL != "" && !containsString(out.MediaRefs, w.MessageURL) {
		out.MediaRefs = append(out.MediaRefs, w.MessageURL)
	}
	if t := firstTime(w.CreatedAt, w.CreatedAtAlt); t != nil {
		out.CreatedAt = *t
	}
	out.DeliveredAt = firstTime(w.DeliveredAt, w.DeliveredAtAlt)
	out.ReadAt = firstTime(w.ReadAt, w.ReadAtAlt)
	*m = out.normalized()
	return nil
}

// ID returns the server id when known, otherwise the client id.
func (m Message) ID() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.ClientID
}

// HasID reports whether id names this message by either identity.
func (m Message) HasID(id string) bool {
	return id != "" && (m.ServerID == id || m.ClientID == id)
}

// Confirmed reports whether the backend has assigned a server id.
func (m Message) Confirmed() bool { return m.ServerID != "" }

// IsOutgoing reports whether the local user authored the message.
func (m Message) IsOutgoing() bool { return m.Outgoing != nil && *m.Outgoing }

// Status returns the furthest status reached.
func (m Message) Status() Status {
	switch {
	case m.Read:
		return StatusRead
	case m.Delivered:
		return StatusDelivered
	}
	return StatusNone
}

// Clone returns a deep copy so that stored entries are never shared.
func (m Message) Clone() Message {
	out := m
	if m.MediaRefs != nil {
		out.MediaRefs = append([]string(nil), m.MediaRefs...)
	}
	out.DeliveredAt = cloneTime(m.DeliveredAt)
	out.ReadAt = cloneTime(m.ReadAt)
	if m.Outgoing != nil {
		v := *m.Outgoing
		out.Outgoing = &v
	}
	return out
}

// ApplyStatus returns a copy advanced to st. Timestamps already set are kept;
// read backfills delivered. A status lower than the current one is a no-op.
func (m Message) ApplyStatus(st Status, at time.Time) Message {
	out := m.Clone()
	switch st {
	case StatusDelivered:
		out.Delivered = true
		if out.DeliveredAt == nil {
			out.DeliveredAt = &at
		}
	case StatusRead:
		out.Read = true
		if out.ReadAt == nil {
			out.ReadAt = &at
		}
		out.Delivered = true
		if out.DeliveredAt == nil {
			t := at
			out.DeliveredAt = &t
		}
	}
	return out
}

// Merge overlays the non-empty fields of in onto a copy of m. Status flags
// never regress and an Outgoing value already set is preserved.
func (m Message) Merge(in Message) Message {
	out := m.Clone()
	if in.ServerID != "" {
		out.ServerID = in.ServerID
	}
	if out.ClientID == "" {
		out.ClientID = in.ClientID
	}
	if !in.FromUserID.IsZero() {
		out.FromUserID = in.FromUserID
	}
	if !in.ToUserID.IsZero() {
		out.ToUserID = in.ToUserID
	}
	if in.Text != "" {
		out.Text = in.Text
	}
	if len(in.MediaRefs) > 0 {
		out.MediaRefs = append([]string(nil), in.MediaRefs...)
	}
	if !in.CreatedAt.IsZero() {
		out.CreatedAt = in.CreatedAt
	}
	if out.Outgoing == nil && in.Outgoing != nil {
		v := *in.Outgoing
		out.Outgoing = &v
	}
	return out.absorbStatus(in)
}

// WithStatusOf returns m with the delivered/read state of other folded in.
// Neither flag regresses.
func (m Message) WithStatusOf(other Message) Message { return m.absorbStatus(other) }

// absorbStatus folds the status of in into m without regressing.
func (m Message) absorbStatus(in Message) Message {
	out := m
	if in.Delivered {
		out = out.ApplyStatus(StatusDelivered, timeOr(in.DeliveredAt, in.CreatedAt))
	}
	if in.Read {
		out = out.ApplyStatus(StatusRead, timeOr(in.ReadAt, in.CreatedAt))
		if out.DeliveredAt == nil && in.DeliveredAt != nil {
			out.DeliveredAt = cloneTime(in.DeliveredAt)
		}
	}
	return out.normalized()
}

// normalized enforces read ⇒ delivered with a delivered timestamp.
func (m Message) normalized() Message {
	if m.Read {
		m.Delivered = true
		if m.DeliveredAt == nil {
			m.DeliveredAt = cloneTime(m.ReadAt)
		}
		if m.DeliveredAt == nil && !m.CreatedAt.IsZero() {
			t := m.CreatedAt
			m.DeliveredAt = &t
		}
	}
	return m
}

// Bool returns a pointer to v, for Outgoing literals.
func Bool(v bool) *bool { return &v }

// PendingStatus is a delivered/read update received before the message it
// refers to exists locally. At carries the server timestamp when the event
// had one; ReceivedAt drives TTL eviction.
type PendingStatus struct {
	MessageID  string    `json:"message_id"`
	Status     Status    `json:"status"`
	At         time.Time `json:"at,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstTime(ts ...*time.Time) *time.Time {
	for _, t := range ts {
		if t != nil && !t.IsZero() {
			return cloneTime(t)
		}
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timeOr(t *time.Time, def time.Time) time.Time {
	if t != nil {
		return *t
	}
	return def
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
