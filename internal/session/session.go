package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-realtime/internal/api"
	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/live"
	"github.com/tbourn/go-chat-realtime/internal/presence"
	"github.com/tbourn/go-chat-realtime/internal/store"
)

const (
	DefaultPollInterval  = 8 * time.Second
	DefaultSweepInterval = time.Minute
)

// Backend is the REST surface the session needs.
type Backend interface {
	FetchHistory(ctx context.Context, peerID string) ([]domain.Message, error)
	Send(ctx context.Context, req api.SendRequest) (domain.Message, error)
	MarkRead(ctx context.Context, fromUserID string) (int, error)
	OnlineUsers(ctx context.Context, userID string) ([]string, error)
}

// Cache persists confirmed messages per conversation.
type Cache interface {
	SaveMessages(ctx context.Context, ownerID, peerID string, msgs []domain.Message) error
	LoadConversation(ctx context.Context, ownerID, peerID string) ([]domain.Message, error)
}

// Options configures a Session.
type Options struct {
	UserID  string
	Backend Backend
	// Cache is optional.
	Cache    Cache
	Store    *store.Store
	Presence *presence.Projector
	// Live configures the channel; UserID and OnStateChange are set by New.
	Live live.Options
	// PollInterval drives the online-users poll after the connection is
	// lost. Negative disables it; zero means DefaultPollInterval.
	PollInterval  time.Duration
	SweepInterval time.Duration
	Logger        *zerolog.Logger
	Now           func() time.Time
	NewClientID   func() string
}

// Session owns the realtime state of one user. Create it with New and start
// it with Run.
type Session struct {
	opts     Options
	store    *store.Store
	presence *presence.Projector
	channel  *live.Channel
	bus      *bus
	log      zerolog.Logger

	convMu sync.Mutex // serializes conversation switches
	mu     sync.RWMutex
	peer   string
	lost   bool

	wg sync.WaitGroup
}

// New wires the store, presence projector and live channel.
func New(opts Options) (*Session, error) {
	opts.UserID = strings.TrimSpace(opts.UserID)
	if opts.UserID == "" {
		return nil, ErrUserRequired
	}
	if opts.Backend == nil {
		return nil, ErrBackendRequired
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewClientID == nil {
		opts.NewClientID = uuid.NewString
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Store == nil {
		opts.Store = store.New(store.Options{Now: opts.Now})
	}
	if opts.Presence == nil {
		opts.Presence = presence.New()
	}
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}

	s := &Session{
		opts:     opts,
		store:    opts.Store,
		presence: opts.Presence,
		bus:      newBus(),
		log:      lg.With().Str("component", "session").Str("user_id", opts.UserID).Logger(),
	}

	lo := opts.Live
	lo.UserID = opts.UserID
	if lo.Logger == nil {
		lo.Logger = opts.Logger
	}
	lo.OnStateChange = s.onStateChange
	ch, err := live.New(lo, s)
	if err != nil {
		return nil, err
	}
	s.channel = ch
	return s, nil
}

// Run drives the live channel until ctx is cancelled. When reconnects are
// exhausted it publishes NotifyConnectionLost, starts the presence poll in
// the background and returns live.ErrConnectionLost. Background work stops
// with ctx; Wait blocks until it has.
func (s *Session) Run(ctx context.Context) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweep(ctx)
	}()

	err := s.channel.Run(ctx)
	if !errors.Is(err, live.ErrConnectionLost) {
		return err
	}

	s.mu.Lock()
	s.lost = true
	s.mu.Unlock()
	s.log.Error().Msg("live channel lost; falling back to presence polling")
	s.bus.publish(Notification{Type: NotifyConnectionLost, State: live.StateClosed.String(), At: s.opts.Now()})

	if s.opts.PollInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.poll(ctx)
		}()
	}
	return err
}

// Wait blocks until background goroutines started by Run have exited.
func (s *Session) Wait() { s.wg.Wait() }

// Close releases subscribers. Call it after Run has returned.
func (s *Session) Close() { s.bus.close() }

// Subscribe returns a notification stream and its cancel function.
func (s *Session) Subscribe(buffer int) (<-chan Notification, func()) {
	return s.bus.subscribe(buffer)
}

// HandleEvent routes one live event. It implements live.Handler.
func (s *Session) HandleEvent(ctx context.Context, ev live.Event) {
	now := s.opts.Now()
	switch ev.Kind {
	case live.KindOnlineUsers:
		added := s.presence.BulkSetOnline(ev.Users)
		s.log.Debug().Int("online", s.presence.Len()).Int("added", len(added)).Msg("online users snapshot")
		s.bus.publish(Notification{Type: NotifyPresence, Users: s.presence.Online(), At: now})

	case live.KindUserStatus:
		var changed bool
		if ev.Online {
			changed = s.presence.SetOnline(ev.UserID)
		} else {
			changed = s.presence.SetOffline(ev.UserID)
		}
		if changed {
			online := ev.Online
			s.bus.publish(Notification{Type: NotifyPresence, UserID: ev.UserID, Online: &online, At: now})
		}

	case live.KindMessageStatus:
		m, out := s.store.UpdateMessageStatus(store.StatusUpdate{
			MessageID: ev.MessageID,
			Status:    ev.Status,
			At:        ev.At,
			From:      ev.From,
			To:        ev.To,
			Text:      ev.Text,
			SentAt:    ev.SentAt,
		})
		n := Notification{Type: NotifyStatus, MessageID: ev.MessageID, Status: ev.Status, Outcome: out.String(), At: now}
		if out == store.Updated {
			n.Message = &m
			n.PeerID = s.ActivePeer()
			s.persist(ctx, n.PeerID, m)
		}
		s.log.Debug().Str("message_id", ev.MessageID).Str("status", string(ev.Status)).Str("outcome", out.String()).Msg("message status")
		s.bus.publish(n)

	case live.KindMessage:
		s.handleMessage(ctx, ev.Message, now)
	}
}

func (s *Session) handleMessage(ctx context.Context, m domain.Message, now time.Time) {
	from, to := m.FromUserID.String(), m.ToUserID.String()
	if m.Outgoing == nil && from != "" {
		m.Outgoing = domain.Bool(from == s.opts.UserID)
	}

	peer := s.ActivePeer()
	if peer == "" || (from != peer && to != peer) {
		other := from
		if from == s.opts.UserID {
			other = to
		}
		s.bus.publish(Notification{Type: NotifyIncoming, PeerID: other, Message: &m, At: now})
		return
	}

	stored, out := s.store.AddMessage(m)
	s.persist(ctx, peer, stored)
	s.bus.publish(Notification{Type: NotifyMessage, PeerID: peer, Message: &stored, Outcome: out.String(), At: now})
}

// OpenConversation makes peerID the active conversation: the store is reset,
// seeded from the cache, then replaced by the backend history. Messages and
// statuses that arrived on the live channel during the fetch are kept. The peer's
// messages are marked read on a best-effort basis.
func (s *Session) OpenConversation(ctx context.Context, peerID string) ([]domain.Message, error) {
	tr := otel.Tracer("session/Session")
	ctx, span := tr.Start(ctx, "OpenConversation",
		trace.WithAttributes(
			attribute.String("user.id", s.opts.UserID),
			attribute.String("peer.id", peerID),
		),
	)
	defer span.End()

	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, ErrPeerRequired
	}

	s.convMu.Lock()
	defer s.convMu.Unlock()

	s.mu.Lock()
	s.peer = peerID
	s.mu.Unlock()
	s.store.ResetMessages()

	seeded := map[string]bool{}
	if s.opts.Cache != nil {
		cached, err := s.opts.Cache.LoadConversation(ctx, s.opts.UserID, peerID)
		if err != nil {
			s.log.Warn().Err(err).Str("peer_id", peerID).Msg("cache load failed")
		} else if len(cached) > 0 {
			s.store.SetMessages(cached)
			for _, m := range cached {
				seeded[m.ID()] = true
			}
		}
	}

	history, err := s.opts.Backend.FetchHistory(ctx, peerID)
	if err != nil {
		span.RecordError(err)
		s.log.Warn().Err(err).Str("peer_id", peerID).Msg("history fetch failed")
		return s.store.Messages(), err
	}
	for i := range history {
		if history[i].Outgoing == nil {
			history[i].Outgoing = domain.Bool(history[i].FromUserID.String() == s.opts.UserID)
		}
	}

	// seeded rows the backend no longer returns are dropped; everything the
	// live channel delivered meanwhile is kept
	msgs := s.store.Reload(history, seeded)
	s.persist(ctx, peerID, msgs...)

	if n, err := s.opts.Backend.MarkRead(ctx, peerID); err != nil {
		s.log.Warn().Err(err).Str("peer_id", peerID).Msg("mark read failed")
	} else {
		s.log.Debug().Str("peer_id", peerID).Int("count", n).Msg("marked read")
	}

	span.SetAttributes(attribute.Int("messages.count", len(msgs)))
	s.bus.publish(Notification{Type: NotifyConversation, PeerID: peerID, At: s.opts.Now()})
	return msgs, nil
}

// CloseConversation clears the active conversation.
func (s *Session) CloseConversation() {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	s.mu.Lock()
	s.peer = ""
	s.mu.Unlock()
	s.store.ResetMessages()
}

// Send adds an optimistic entry, posts it and confirms it with the server's
// copy. clientID may be empty. On a backend failure the optimistic entry
// stays in the store and the error is returned with it.
func (s *Session) Send(ctx context.Context, peerID, text, clientID string) (domain.Message, error) {
	tr := otel.Tracer("session/Session")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("user.id", s.opts.UserID),
			attribute.String("peer.id", peerID),
		),
	)
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, ErrEmptyMessage
	}
	if peerID == "" || peerID != s.ActivePeer() {
		return domain.Message{}, ErrNotActive
	}
	if clientID == "" {
		clientID = s.opts.NewClientID()
	}
	span.SetAttributes(attribute.String("message.client_id", clientID))

	opt := domain.Message{
		ClientID:   clientID,
		FromUserID: domain.Ref(s.opts.UserID),
		ToUserID:   domain.Ref(peerID),
		Text:       text,
		CreatedAt:  s.opts.Now(),
		Outgoing:   domain.Bool(true),
	}
	added, out := s.store.AddMessage(opt)
	if out == store.Ignored {
		return added, ErrDuplicateSend
	}
	s.bus.publish(Notification{Type: NotifyMessage, PeerID: peerID, Message: &added, Outcome: out.String(), At: s.opts.Now()})

	server, err := s.opts.Backend.Send(ctx, api.SendRequest{ToUserID: peerID, Text: text})
	if err != nil {
		span.RecordError(err)
		s.log.Warn().Err(err).Str("client_id", clientID).Msg("send failed")
		return added, err
	}

	if s.ActivePeer() != peerID {
		// conversation switched while the request was in flight
		server.ClientID = clientID
		server.Outgoing = domain.Bool(true)
		s.persist(ctx, peerID, server)
		return server, nil
	}

	confirmed := s.store.ConfirmMessage(clientID, server)
	s.persist(ctx, peerID, confirmed)
	s.bus.publish(Notification{Type: NotifyMessage, PeerID: peerID, Message: &confirmed, Outcome: store.Merged.String(), At: s.opts.Now()})
	return confirmed, nil
}

// MarkRead marks the peer's messages read on the backend.
func (s *Session) MarkRead(ctx context.Context, peerID string) (int, error) {
	tr := otel.Tracer("session/Session")
	ctx, span := tr.Start(ctx, "MarkRead", trace.WithAttributes(attribute.String("peer.id", peerID)))
	defer span.End()

	if strings.TrimSpace(peerID) == "" {
		return 0, ErrPeerRequired
	}
	n, err := s.opts.Backend.MarkRead(ctx, peerID)
	if err != nil {
		span.RecordError(err)
	}
	return n, err
}

func (s *Session) UserID() string { return s.opts.UserID }

// ActivePeer returns the peer of the open conversation, or "".
func (s *Session) ActivePeer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

// Messages returns the active conversation.
func (s *Session) Messages() []domain.Message { return s.store.Messages() }

// Revision changes whenever Messages would.
func (s *Session) Revision() uint64 { return s.store.Revision() }

// Find looks a message up in the active conversation.
func (s *Session) Find(id string) (domain.Message, bool) { return s.store.Find(id) }

func (s *Session) PendingStatuses() int { return len(s.store.Pending()) }

func (s *Session) Online() []string { return s.presence.Online() }

func (s *Session) IsOnline(id string) bool { return s.presence.IsOnline(id) }

func (s *Session) ConnectionState() live.State { return s.channel.State() }

// ConnectionLost reports whether the live channel gave up.
func (s *Session) ConnectionLost() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lost
}

func (s *Session) onStateChange(st live.State) {
	s.bus.publish(Notification{Type: NotifyConnection, State: st.String(), At: s.opts.Now()})
}

// persist caches the confirmed messages among msgs.
func (s *Session) persist(ctx context.Context, peerID string, msgs ...domain.Message) {
	if s.opts.Cache == nil || peerID == "" {
		return
	}
	confirmed := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Confirmed() {
			confirmed = append(confirmed, m)
		}
	}
	if len(confirmed) == 0 {
		return
	}
	if err := s.opts.Cache.SaveMessages(ctx, s.opts.UserID, peerID, confirmed); err != nil {
		s.log.Warn().Err(err).Str("peer_id", peerID).Msg("cache write failed")
	}
}

func (s *Session) sweep(ctx context.Context) {
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.store.EvictExpired(); n > 0 {
				s.log.Debug().Int("evicted", n).Msg("expired pending statuses")
			}
		}
	}
}

func (s *Session) poll(ctx context.Context) {
	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Session) pollOnce(ctx context.Context) {
	users, err := s.opts.Backend.OnlineUsers(ctx, s.opts.UserID)
	if err != nil {
		s.log.Warn().Err(err).Msg("online users poll failed")
		return
	}
	s.presence.Replace(users)
	s.bus.publish(Notification{Type: NotifyPresence, Users: s.presence.Online(), At: s.opts.Now()})
}
