package domain

import "time"

// EventType is the "type" discriminator of a live channel payload. A payload
// without a type is a bare chat message.
type EventType string

const (
	EventOnlineUsers   EventType = "onlineUsersList"
	EventUserStatus    EventType = "userStatus"
	EventMessageStatus EventType = "messageStatus"
	EventHeartbeat     EventType = "heartbeat"
	EventConnected     EventType = "connected"
)

// Envelope is the typed part of a live channel payload. Message ids may be
// sent as messageId, id or _id, raw or nested. A messageStatus event may also
// echo the message's text, participants and createdAt.
type Envelope struct {
	Type      EventType  `json:"type"`
	Users     []Ref      `json:"users,omitempty"`
	UserID    Ref        `json:"userId,omitempty"`
	IsOnline  bool       `json:"isOnline,omitempty"`
	MessageID Ref        `json:"messageId,omitempty"`
	ID        Ref        `json:"id,omitempty"`
	AltID     Ref        `json:"_id,omitempty"`
	Status    string     `json:"status,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Text      string     `json:"text,omitempty"`
	From      Ref        `json:"from_user_id,omitempty"`
	To        Ref        `json:"to_user_id,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// TargetMessageID returns the normalized id a messageStatus event refers to.
func (e Envelope) TargetMessageID() string {
	return FirstRef(e.MessageID, e.ID, e.AltID).String()
}
