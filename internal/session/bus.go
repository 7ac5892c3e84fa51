package session

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// NotificationType names what changed.
type NotificationType string

const (
	// NotifyConversation: the active conversation was (re)loaded.
	NotifyConversation NotificationType = "conversation"
	// NotifyMessage: the active conversation's store changed.
	NotifyMessage NotificationType = "message"
	// NotifyIncoming: a message arrived for a conversation that is not active.
	NotifyIncoming NotificationType = "incoming"
	// NotifyStatus: a delivered/read event was applied or deferred.
	NotifyStatus NotificationType = "message_status"
	// NotifyPresence: the online set changed.
	NotifyPresence NotificationType = "presence"
	// NotifyConnection: the live channel changed state.
	NotifyConnection NotificationType = "connection"
	// NotifyConnectionLost: reconnects are exhausted.
	NotifyConnectionLost NotificationType = "connection_lost"
)

// Notification is a typed change event. Only the fields relevant to Type
// are set.
type Notification struct {
	Type      NotificationType `json:"type"`
	PeerID    string           `json:"peer_id,omitempty"`
	Message   *domain.Message  `json:"message,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
	Status    domain.Status    `json:"status,omitempty"`
	Outcome   string           `json:"outcome,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	Online    *bool            `json:"online,omitempty"`
	Users     []string         `json:"users,omitempty"`
	State     string           `json:"state,omitempty"`
	At        time.Time        `json:"at"`
}

var droppedNotifications = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "chat_session_notifications_dropped_total",
	Help: "Notifications dropped because a subscriber was not keeping up.",
})

func init() {
	prometheus.MustRegister(droppedNotifications)
}

// bus fans notifications out to subscribers. Publish never blocks: a
// subscriber with a full buffer misses the notification.
type bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Notification
	next   int
	closed bool
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan Notification)}
}

func (b *bus) subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Notification, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *bus) publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			droppedNotifications.Inc()
		}
	}
}

func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
