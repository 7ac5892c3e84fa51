package live

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

var (
	// ErrMalformedEvent wraps payloads that cannot be decoded or lack
	// required fields.
	ErrMalformedEvent = errors.New("live: malformed event")
	// ErrUnknownEvent is returned for a type discriminator this client does
	// not handle.
	ErrUnknownEvent = errors.New("live: unknown event type")
)

// Kind classifies a live payload.
type Kind int

const (
	KindHeartbeat Kind = iota
	KindOnlineUsers
	KindUserStatus
	KindMessageStatus
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindOnlineUsers:
		return "online_users"
	case KindUserStatus:
		return "user_status"
	case KindMessageStatus:
		return "message_status"
	case KindMessage:
		return "message"
	}
	return "heartbeat"
}

// Event is a classified live payload. Which fields are set depends on Kind.
type Event struct {
	Kind Kind

	// KindOnlineUsers
	Users []string

	// KindUserStatus
	UserID string
	Online bool

	// KindMessageStatus; At is the server timestamp when sent. Text, From,
	// To and SentAt are optional matching context.
	MessageID string
	Status    domain.Status
	At        time.Time
	Text      string
	From      string
	To        string
	SentAt    time.Time

	// KindMessage
	Message domain.Message
}

// Handler consumes classified events. It is called from the channel's
// goroutine, one event at a time.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event)

func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Classify decodes one payload. An empty payload is a heartbeat; a payload
// without "type" is a chat message.
func Classify(data []byte) (Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Event{Kind: KindHeartbeat}, nil
	}

	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Type {
	case "":
		var m domain.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if m.FromUserID.IsZero() && m.ToUserID.IsZero() {
			return Event{}, fmt.Errorf("%w: message without participants", ErrMalformedEvent)
		}
		return Event{Kind: KindMessage, Message: m}, nil

	case domain.EventHeartbeat, domain.EventConnected:
		return Event{Kind: KindHeartbeat}, nil

	case domain.EventOnlineUsers:
		users := make([]string, 0, len(env.Users))
		for _, u := range env.Users {
			if !u.IsZero() {
				users = append(users, u.String())
			}
		}
		return Event{Kind: KindOnlineUsers, Users: users}, nil

	case domain.EventUserStatus:
		if env.UserID.IsZero() {
			return Event{}, fmt.Errorf("%w: userStatus without userId", ErrMalformedEvent)
		}
		return Event{Kind: KindUserStatus, UserID: env.UserID.String(), Online: env.IsOnline}, nil

	case domain.EventMessageStatus:
		id := env.TargetMessageID()
		st, ok := domain.ParseStatus(env.Status)
		if id == "" || !ok {
			return Event{}, fmt.Errorf("%w: messageStatus id=%q status=%q", ErrMalformedEvent, id, env.Status)
		}
		ev := Event{
			Kind:      KindMessageStatus,
			MessageID: id,
			Status:    st,
			Text:      env.Text,
			From:      env.From.String(),
			To:        env.To.String(),
		}
		if env.Timestamp != nil {
			ev.At = *env.Timestamp
		}
		if env.CreatedAt != nil {
			ev.SentAt = *env.CreatedAt
		}
		return ev, nil
	}
	return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
}
