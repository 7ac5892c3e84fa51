package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-realtime/internal/api"
	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/live"
)

// ---------- test helpers ----------

var (
	quiet = zerolog.Nop()
	t0    = time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
)

type fakeBackend struct {
	mu       sync.Mutex
	history  map[string][]domain.Message
	histErr  error
	onFetch  func()
	sendFn   func(req api.SendRequest) (domain.Message, error)
	marked   []string
	online   []string
	polls    int
	fetchCnt int
}

func (f *fakeBackend) FetchHistory(_ context.Context, peer string) ([]domain.Message, error) {
	f.mu.Lock()
	f.fetchCnt++
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.histErr != nil {
		return nil, f.histErr
	}
	return append([]domain.Message(nil), f.history[peer]...), nil
}

func (f *fakeBackend) Send(_ context.Context, req api.SendRequest) (domain.Message, error) {
	if f.sendFn != nil {
		return f.sendFn(req)
	}
	return domain.Message{}, errors.New("send not configured")
}

func (f *fakeBackend) MarkRead(_ context.Context, from string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, from)
	return 1, nil
}

func (f *fakeBackend) OnlineUsers(context.Context, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return append([]string(nil), f.online...), nil
}

type memCache struct {
	mu   sync.Mutex
	rows map[string][]domain.Message
}

func (c *memCache) SaveMessages(_ context.Context, owner, peer string, msgs []domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rows == nil {
		c.rows = map[string][]domain.Message{}
	}
	c.rows[owner+"/"+peer] = append(c.rows[owner+"/"+peer], msgs...)
	return nil
}

func (c *memCache) LoadConversation(_ context.Context, owner, peer string) ([]domain.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.rows[owner+"/"+peer]...), nil
}

type refusingTransport struct{}

func (refusingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func newSession(t *testing.T, be *fakeBackend, mutate ...func(*Options)) *Session {
	t.Helper()
	opts := Options{
		UserID:  "me",
		Backend: be,
		Logger:  &quiet,
		Now:     func() time.Time { return t0 },
		Live: live.Options{
			BaseURL: "http://backend.invalid",
			Client:  &http.Client{Transport: refusingTransport{}},
			Timer: func(time.Duration) (<-chan time.Time, func() bool) {
				ch := make(chan time.Time, 1)
				ch <- time.Time{}
				return ch, func() bool { return false }
			},
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func incoming(id, from, to, text string, at time.Time) live.Event {
	return live.Event{Kind: live.KindMessage, Message: domain.Message{
		ServerID: id, FromUserID: domain.Ref(from), ToUserID: domain.Ref(to), Text: text, CreatedAt: at,
	}}
}

func next(t *testing.T, ch <-chan Notification, want NotificationType) Notification {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-ch:
			if n.Type == want {
				return n
			}
		case <-timeout:
			t.Fatalf("no %q notification", want)
		}
	}
}

// ---------- New() ----------

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Backend: &fakeBackend{}}); !errors.Is(err, ErrUserRequired) {
		t.Fatalf("expected ErrUserRequired, got %v", err)
	}
	if _, err := New(Options{UserID: "me"}); !errors.Is(err, ErrBackendRequired) {
		t.Fatalf("expected ErrBackendRequired, got %v", err)
	}
	if _, err := New(Options{UserID: "me", Backend: &fakeBackend{}}); err == nil {
		t.Fatalf("expected live channel validation error for empty base url")
	}
}

// ---------- HandleEvent() ----------

func TestHandleEvent_Presence(t *testing.T) {
	s := newSession(t, &fakeBackend{})
	ch, cancel := s.Subscribe(8)
	defer cancel()

	ctx := context.Background()
	s.HandleEvent(ctx, live.Event{Kind: live.KindOnlineUsers, Users: []string{"u1", "u2"}})
	n := next(t, ch, NotifyPresence)
	if len(n.Users) != 2 {
		t.Fatalf("snapshot users = %v", n.Users)
	}

	s.HandleEvent(ctx, live.Event{Kind: live.KindUserStatus, UserID: "u1", Online: false})
	n = next(t, ch, NotifyPresence)
	if n.UserID != "u1" || n.Online == nil || *n.Online {
		t.Fatalf("unexpected delta %+v", n)
	}
	if s.IsOnline("u1") || !s.IsOnline("u2") {
		t.Fatalf("online = %v", s.Online())
	}
}

func TestHandleEvent_StatusBeforeMessage(t *testing.T) {
	be := &fakeBackend{}
	s := newSession(t, be)
	ctx := context.Background()
	if _, err := s.OpenConversation(ctx, "u1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	s.HandleEvent(ctx, live.Event{Kind: live.KindMessageStatus, MessageID: "m9", Status: domain.StatusRead})
	if s.PendingStatuses() != 1 {
		t.Fatalf("expected one pending status")
	}

	s.HandleEvent(ctx, incoming("m9", "me", "u1", "hello", t0))
	m, ok := s.Find("m9")
	if !ok {
		t.Fatalf("m9 not stored")
	}
	if !m.Read || !m.Delivered {
		t.Fatalf("pending read not applied: %+v", m)
	}
	if !m.IsOutgoing() {
		t.Fatalf("message from local user must be outgoing")
	}
}

func TestHandleEvent_InactiveConversation(t *testing.T) {
	s := newSession(t, &fakeBackend{})
	ch, cancel := s.Subscribe(8)
	defer cancel()
	ctx := context.Background()
	_, _ = s.OpenConversation(ctx, "u1")

	s.HandleEvent(ctx, incoming("m1", "u7", "me", "psst", t0))
	n := next(t, ch, NotifyIncoming)
	if n.PeerID != "u7" {
		t.Fatalf("peer = %q", n.PeerID)
	}
	if len(s.Messages()) != 0 {
		t.Fatalf("inactive conversation leaked into store")
	}
}

// ---------- Send() ----------

func TestSend_ConfirmsOptimisticDespiteEcho(t *testing.T) {
	be := &fakeBackend{}
	s := newSession(t, be)
	ctx := context.Background()
	_, _ = s.OpenConversation(ctx, "u1")

	be.sendFn = func(req api.SendRequest) (domain.Message, error) {
		// live echo wins the race against the REST response
		s.HandleEvent(ctx, incoming("srv-1", "me", "u1", req.Text, t0.Add(time.Second)))
		return domain.Message{ServerID: "srv-1", FromUserID: "me", ToUserID: "u1", Text: req.Text, CreatedAt: t0.Add(time.Second)}, nil
	}

	m, err := s.Send(ctx, "u1", "  hi there ", "c1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.ServerID != "srv-1" || m.ClientID != "c1" || !m.IsOutgoing() {
		t.Fatalf("unexpected confirmed message %+v", m)
	}
	if got := len(s.Messages()); got != 1 {
		t.Fatalf("expected 1 entry, got %d", got)
	}
}

func TestSend_DuplicateClientID(t *testing.T) {
	be := &fakeBackend{sendFn: func(req api.SendRequest) (domain.Message, error) {
		return domain.Message{ServerID: "srv-1", Text: req.Text}, nil
	}}
	s := newSession(t, be)
	ctx := context.Background()
	_, _ = s.OpenConversation(ctx, "u1")

	if _, err := s.Send(ctx, "u1", "hi", "c1"); err != nil {
		t.Fatalf("send: %v", err)
	}
	m, err := s.Send(ctx, "u1", "hi", "c1")
	if !errors.Is(err, ErrDuplicateSend) {
		t.Fatalf("expected ErrDuplicateSend, got %v", err)
	}
	if m.ServerID != "srv-1" {
		t.Fatalf("replay should return the stored entry, got %+v", m)
	}
}

func TestSend_BackendFailureKeepsOptimistic(t *testing.T) {
	boom := errors.New("502")
	be := &fakeBackend{sendFn: func(api.SendRequest) (domain.Message, error) { return domain.Message{}, boom }}
	s := newSession(t, be)
	ctx := context.Background()
	_, _ = s.OpenConversation(ctx, "u1")

	m, err := s.Send(ctx, "u1", "hi", "")
	if !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if m.ClientID == "" || m.Confirmed() {
		t.Fatalf("expected unconfirmed optimistic entry, got %+v", m)
	}
	if len(s.Messages()) != 1 {
		t.Fatalf("optimistic entry should remain")
	}
}

func TestSend_Validation(t *testing.T) {
	s := newSession(t, &fakeBackend{})
	ctx := context.Background()
	if _, err := s.Send(ctx, "u1", "hi", ""); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	_, _ = s.OpenConversation(ctx, "u1")
	if _, err := s.Send(ctx, "u1", "   ", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

// ---------- OpenConversation() ----------

func TestOpenConversation_KeepsLiveArrivals(t *testing.T) {
	be := &fakeBackend{history: map[string][]domain.Message{
		"u1": {{ServerID: "m1", FromUserID: "u1", ToUserID: "me", Text: "hi", CreatedAt: t0}},
	}}
	s := newSession(t, be)
	be.onFetch = func() {
		s.HandleEvent(context.Background(), incoming("m5", "u1", "me", "during fetch", t0.Add(time.Minute)))
	}

	msgs, err := s.OpenConversation(context.Background(), "u1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ServerID != "m1" || msgs[1].ServerID != "m5" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if msgs[0].IsOutgoing() {
		t.Fatalf("peer's message must not be outgoing")
	}
	if len(be.marked) != 1 || be.marked[0] != "u1" {
		t.Fatalf("expected mark-read for u1, got %v", be.marked)
	}
}

func TestOpenConversation_StatusDuringFetchAppliesToHistory(t *testing.T) {
	be := &fakeBackend{history: map[string][]domain.Message{
		"u1": {{ServerID: "m1", FromUserID: "me", ToUserID: "u1", Text: "hi", CreatedAt: t0}},
	}}
	s := newSession(t, be)
	be.onFetch = func() {
		s.HandleEvent(context.Background(), live.Event{Kind: live.KindMessageStatus, MessageID: "m1", Status: domain.StatusRead, At: t0.Add(time.Minute)})
	}

	msgs, err := s.OpenConversation(context.Background(), "u1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Read || !msgs[0].Delivered {
		t.Fatalf("read status received during fetch was lost: %+v", msgs)
	}
	if n := s.PendingStatuses(); n != 0 {
		t.Fatalf("status should leave the pending queue, %d left", n)
	}
}

func TestOpenConversation_CachedStatusNotRegressedByHistory(t *testing.T) {
	cache := &memCache{}
	_ = cache.SaveMessages(context.Background(), "me", "u1", []domain.Message{
		{ServerID: "m1", FromUserID: "me", ToUserID: "u1", Text: "hi", CreatedAt: t0},
	})
	be := &fakeBackend{history: map[string][]domain.Message{
		"u1": {{ServerID: "m1", FromUserID: "me", ToUserID: "u1", Text: "hi", CreatedAt: t0}},
	}}
	s := newSession(t, be, func(o *Options) { o.Cache = cache })
	be.onFetch = func() {
		s.HandleEvent(context.Background(), live.Event{Kind: live.KindMessageStatus, MessageID: "m1", Status: domain.StatusRead, At: t0.Add(time.Minute)})
	}

	msgs, err := s.OpenConversation(context.Background(), "u1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Read || !msgs[0].Delivered {
		t.Fatalf("older history copy regressed the read status: %+v", msgs)
	}
	if msgs[0].ReadAt == nil || !msgs[0].ReadAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("read time should come from the status event: %v", msgs[0].ReadAt)
	}
	if n := s.PendingStatuses(); n != 0 {
		t.Fatalf("unexpected pending statuses: %d", n)
	}
}

func TestOpenConversation_FetchFailureKeepsCache(t *testing.T) {
	cache := &memCache{}
	_ = cache.SaveMessages(context.Background(), "me", "u1", []domain.Message{{ServerID: "c-1", Text: "cached", CreatedAt: t0}})
	be := &fakeBackend{histErr: errors.New("offline")}
	s := newSession(t, be, func(o *Options) { o.Cache = cache })

	msgs, err := s.OpenConversation(context.Background(), "u1")
	if err == nil {
		t.Fatalf("expected fetch error")
	}
	if len(msgs) != 1 || msgs[0].ServerID != "c-1" {
		t.Fatalf("expected cached messages, got %+v", msgs)
	}
	if s.ActivePeer() != "u1" {
		t.Fatalf("peer should stay active")
	}
}

func TestOpenConversation_PersistsHistory(t *testing.T) {
	cache := &memCache{}
	be := &fakeBackend{history: map[string][]domain.Message{
		"u2": {{ServerID: "m1", FromUserID: "me", ToUserID: "u2", Text: "a", CreatedAt: t0}},
	}}
	s := newSession(t, be, func(o *Options) { o.Cache = cache })
	if _, err := s.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatalf("open: %v", err)
	}
	rows, _ := cache.LoadConversation(context.Background(), "me", "u2")
	if len(rows) != 1 || !rows[0].IsOutgoing() {
		t.Fatalf("unexpected cache rows %+v", rows)
	}

	if _, err := s.OpenConversation(context.Background(), " "); !errors.Is(err, ErrPeerRequired) {
		t.Fatalf("expected ErrPeerRequired, got %v", err)
	}
}

// ---------- Run() ----------

func TestRun_ConnectionLostStartsPolling(t *testing.T) {
	be := &fakeBackend{online: []string{"u4"}}
	s := newSession(t, be, func(o *Options) { o.PollInterval = 5 * time.Millisecond })
	ch, cancel := s.Subscribe(64)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	err := s.Run(ctx)
	if !errors.Is(err, live.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	next(t, ch, NotifyConnectionLost)
	if !s.ConnectionLost() {
		t.Fatalf("ConnectionLost() should report true")
	}

	n := next(t, ch, NotifyPresence)
	if len(n.Users) != 1 || n.Users[0] != "u4" {
		t.Fatalf("poll did not replace presence: %+v", n)
	}

	stop()
	s.Wait()
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	s := newSession(t, &fakeBackend{})
	ch, cancel := s.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
}
