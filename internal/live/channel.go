// Package live owns the server-push connection of one signed-in user.
//
// A Channel opens {base}/api/message/{userId} as a text/event-stream,
// classifies every payload and hands it to a Handler. When the stream fails it
// reconnects after initialDelay*2^attempt (1s, 2s, 4s, 8s, 16s by default);
// once MaxAttempts consecutive reconnects have failed Run returns
// ErrConnectionLost and does not retry again. A successful open resets the
// attempt counter.
//
// Only one Run may be active per Channel. Cancelling the context passed to Run
// closes the stream and stops any pending reconnect timer.
package live

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-realtime/internal/auth"
)

const (
	DefaultInitialDelay = time.Second
	DefaultMaxAttempts  = 5
)

var (
	// ErrConnectionLost is the terminal signal: reconnects are exhausted.
	ErrConnectionLost = errors.New("live: connection lost")
	// ErrAlreadyRunning is returned by Run while another Run is active.
	ErrAlreadyRunning = errors.New("live: channel already running")
)

// HandshakeError reports a stream endpoint that answered but did not open.
type HandshakeError struct {
	Status      int
	ContentType string
}

func (e *HandshakeError) Error() string {
	if e.Status != http.StatusOK {
		return fmt.Sprintf("live: handshake failed: status %d", e.Status)
	}
	return fmt.Sprintf("live: handshake failed: content type %q", e.ContentType)
}

// State is the lifecycle of the connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "disconnected"
}

// Options configures a Channel.
type Options struct {
	BaseURL string
	UserID  string
	Tokens  auth.TokenSource
	// Client must not set a Timeout; the stream is long-lived.
	Client       *http.Client
	InitialDelay time.Duration
	MaxAttempts  int
	// Timer starts the reconnect wait and returns its channel and stop
	// func; nil uses time.NewTimer. Mostly for tests.
	Timer         func(time.Duration) (<-chan time.Time, func() bool)
	Logger        *zerolog.Logger
	OnStateChange func(State)
}

// Channel is the live event connection. Create it with New.
type Channel struct {
	opts    Options
	url     string
	handler Handler
	log     zerolog.Logger

	running  atomic.Bool
	state    atomic.Int32
	attempts atomic.Int32
}

// New validates opts and fills defaults.
func New(opts Options, h Handler) (*Channel, error) {
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, errors.New("live: user id is required")
	}
	if h == nil {
		return nil, errors.New("live: handler is required")
	}
	base := strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"), "/api")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("live: invalid base url %q", opts.BaseURL)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Timer == nil {
		opts.Timer = newTimer
	}
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	return &Channel{
		opts:    opts,
		url:     base + "/api/message/" + url.PathEscape(opts.UserID),
		handler: h,
		log:     lg.With().Str("component", "live").Str("user_id", opts.UserID).Logger(),
	}, nil
}

// URL is the stream endpoint.
func (c *Channel) URL() string { return c.url }

// State returns the current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Attempts returns the number of reconnects since the last successful open.
func (c *Channel) Attempts() int { return int(c.attempts.Load()) }

// Run connects and keeps the stream alive until ctx is cancelled (nil) or
// reconnects are exhausted (ErrConnectionLost).
func (c *Channel) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)
	defer c.setState(StateClosed)

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     c.opts.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.opts.InitialDelay << c.opts.MaxAttempts,
	}
	bo.Reset()
	c.attempts.Store(0)

	for {
		opened, err := c.connect(ctx)
		if ctx.Err() != nil {
			c.log.Debug().Msg("live channel stopped")
			return nil
		}
		if opened {
			bo.Reset()
		}

		n := int(c.attempts.Load())
		if n >= c.opts.MaxAttempts {
			c.log.Error().Err(err).Int("attempts", n).Msg("live channel: reconnect attempts exhausted")
			connectionLost.Inc()
			return ErrConnectionLost
		}

		delay := bo.NextBackOff()
		c.attempts.Store(int32(n + 1))
		c.setState(StateDisconnected)
		reconnects.Inc()
		c.log.Warn().Err(err).Int("attempt", n+1).Dur("delay", delay).Msg("live channel: reconnecting")

		fire, stop := c.opts.Timer(delay)
		select {
		case <-ctx.Done():
			stop()
			return nil
		case <-fire:
		}
	}
}

func newTimer(d time.Duration) (<-chan time.Time, func() bool) {
	t := time.NewTimer(d)
	return t.C, t.Stop
}

// connect performs one handshake and reads the stream until it ends.
func (c *Channel) connect(ctx context.Context) (opened bool, err error) {
	c.setState(StateConnecting)
	connects.Inc()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if err := auth.Authorize(ctx, c.opts.Tokens, req); err != nil {
		return false, err
	}

	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if resp.StatusCode != http.StatusOK || ct != "text/event-stream" {
		return false, &HandshakeError{Status: resp.StatusCode, ContentType: ct}
	}

	c.attempts.Store(0)
	c.setState(StateOpen)
	c.log.Info().Msg("live channel open")

	fr := newFrameReader(resp.Body)
	for {
		f, err := fr.Next()
		if err != nil {
			return true, err
		}
		ev, err := Classify([]byte(f.data))
		if err != nil {
			eventsDiscarded.Inc()
			c.log.Warn().Err(err).Str("event", f.event).Msg("live channel: discarding payload")
			continue
		}
		eventsReceived.WithLabelValues(ev.Kind.String()).Inc()
		if ev.Kind == KindHeartbeat {
			continue
		}
		c.handler.HandleEvent(ctx, ev)
	}
}

func (c *Channel) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	channelState.Set(float64(s))
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}
