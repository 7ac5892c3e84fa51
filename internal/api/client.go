// Package api is the REST client for the chat backend: history fetch, send,
// mark-read and the online-users poll. Every response uses the backend's
// {success, message, ...} envelope.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-realtime/internal/auth"
	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// ErrUnauthorized is returned for 401 responses.
var ErrUnauthorized = errors.New("api: unauthorized")

// maxBody caps how much of a response is read.
const maxBody = 8 << 20

// RequestError describes a failed backend call.
type RequestError struct {
	Op        string
	Status    int
	Message   string
	Retryable bool
	Err       error
}

func (e *RequestError) Error() string {
	switch {
	case e.Status > 0 && e.Message != "":
		return fmt.Sprintf("api: %s: %d %s", e.Op, e.Status, e.Message)
	case e.Status > 0 && e.Err != nil:
		return fmt.Sprintf("api: %s: status %d: %v", e.Op, e.Status, e.Err)
	case e.Status > 0:
		return fmt.Sprintf("api: %s: status %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("api: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("api: %s: %s", e.Op, e.Message)
}

func (e *RequestError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return e.Err
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Retryable
}

// Client talks to one backend origin.
type Client struct {
	base   string
	http   *http.Client
	tokens auth.TokenSource
}

// New builds a client. A nil hc gets a client with the given timeout.
func New(baseURL string, tokens auth.TokenSource, hc *http.Client, timeout time.Duration) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{base: NormalizeBaseURL(baseURL), http: hc, tokens: tokens}
}

// NormalizeBaseURL strips trailing slashes and a trailing /api so that paths
// can always be joined as /api/....
func NormalizeBaseURL(raw string) string {
	s := strings.TrimRight(strings.TrimSpace(raw), "/")
	s = strings.TrimSuffix(s, "/api")
	return strings.TrimRight(s, "/")
}

// BaseURL returns the normalized origin.
func (c *Client) BaseURL() string { return c.base }

// envelope is the backend's response shape.
type envelope struct {
	Success  bool             `json:"success"`
	Message  json.RawMessage  `json:"message"`
	Error    string           `json:"error"`
	Messages []domain.Message `json:"messages"`
	Users    []domain.Ref     `json:"users"`
	Count    int              `json:"count"`
}

// text returns message when it is a plain string.
func (e envelope) text() string {
	var s string
	if len(e.Message) > 0 && json.Unmarshal(e.Message, &s) == nil {
		return s
	}
	return e.Error
}

// FetchHistory returns the conversation with peerID in backend order.
func (c *Client) FetchHistory(ctx context.Context, peerID string) ([]domain.Message, error) {
	var env envelope
	if err := c.do(ctx, "history", http.MethodPost, "/api/message/get", map[string]string{"to_user_id": peerID}, &env); err != nil {
		return nil, err
	}
	return env.Messages, nil
}

// SendRequest is the body of a send call.
type SendRequest struct {
	ToUserID    string `json:"to_user_id"`
	Text        string `json:"text,omitempty"`
	MessageType string `json:"message_type,omitempty"`
	MessageURL  string `json:"message_url,omitempty"`
}

// Send posts a message and returns the server's persisted copy.
func (c *Client) Send(ctx context.Context, req SendRequest) (domain.Message, error) {
	var env envelope
	if err := c.do(ctx, "send", http.MethodPost, "/api/message/send", req, &env); err != nil {
		return domain.Message{}, err
	}
	var m domain.Message
	if len(env.Message) == 0 || json.Unmarshal(env.Message, &m) != nil || m.ServerID == "" {
		return domain.Message{}, &RequestError{Op: "send", Message: "response carries no message"}
	}
	return m, nil
}

// MarkRead marks every message from fromUserID as read and returns how many
// were updated.
func (c *Client) MarkRead(ctx context.Context, fromUserID string) (int, error) {
	var env envelope
	if err := c.do(ctx, "mark_read", http.MethodPost, "/api/message/mark-read", map[string]string{"from_user_id": fromUserID}, &env); err != nil {
		return 0, err
	}
	return env.Count, nil
}

// OnlineUsers polls the online set as seen by userID.
func (c *Client) OnlineUsers(ctx context.Context, userID string) ([]string, error) {
	var env envelope
	if err := c.do(ctx, "online", http.MethodGet, "/api/message/online/"+url.PathEscape(userID), nil, &env); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(env.Users))
	for _, u := range env.Users {
		if !u.IsZero() {
			out = append(out, u.String())
		}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out *envelope) error {
	ctx, span := otel.Tracer("api/Client").Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		),
	)
	defer span.End()

	err := c.roundTrip(ctx, op, method, path, body, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, body any, out *envelope) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &RequestError{Op: op, Err: err}
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := auth.Authorize(ctx, c.tokens, req); err != nil {
		return &RequestError{Op: op, Message: "token", Err: err}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return &RequestError{Op: op, Err: err, Retryable: ctx.Err() == nil}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return &RequestError{Op: op, Status: resp.StatusCode, Err: err, Retryable: true}
	}
	decodeErr := json.Unmarshal(raw, out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RequestError{
			Op:        op,
			Status:    resp.StatusCode,
			Message:   out.text(),
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}
	if decodeErr != nil {
		return &RequestError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", decodeErr)}
	}
	if !out.Success {
		msg := out.text()
		if msg == "" {
			msg = "request failed"
		}
		return &RequestError{Op: op, Status: resp.StatusCode, Message: msg}
	}
	return nil
}
