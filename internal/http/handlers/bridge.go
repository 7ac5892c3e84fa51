// Bridge HTTP handlers.
//
// This file exposes the local session over REST:
//   - GET  /session                          (identity and connection state)
//   - PUT  /conversations/{peer}             (open a conversation)
//   - GET  /conversations/{peer}/messages    (paginated snapshot, ETag)
//   - POST /conversations/{peer}/messages    (send, Idempotency-Key = clientId)
//   - POST /conversations/{peer}/read        (mark the peer's messages read)
//   - GET  /conversations/{peer}/search      (rank messages against ?q=)
//   - DELETE /conversations/{peer}           (close the active conversation)
//   - GET  /presence                         (online user ids, or ?user= for one)
//
// Handlers are transport-thin: they validate input, call the session and
// translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/http/middleware"
	"github.com/tbourn/go-chat-realtime/internal/live"
	"github.com/tbourn/go-chat-realtime/internal/search"
	"github.com/tbourn/go-chat-realtime/internal/session"
	"github.com/tbourn/go-chat-realtime/internal/utils"
)

// MaxTextRunes caps outgoing message text.
const MaxTextRunes = 4000

// Session is the part of session.Session the bridge uses.
type Session interface {
	UserID() string
	ActivePeer() string
	ConnectionState() live.State
	ConnectionLost() bool
	PendingStatuses() int

	OpenConversation(ctx context.Context, peerID string) ([]domain.Message, error)
	CloseConversation()
	Messages() []domain.Message
	Revision() uint64
	Find(id string) (domain.Message, bool)
	Send(ctx context.Context, peerID, text, clientID string) (domain.Message, error)
	MarkRead(ctx context.Context, peerID string) (int, error)

	Online() []string
	IsOnline(userID string) bool
	Subscribe(buffer int) (<-chan session.Notification, func())
}

// Handlers groups the bridge endpoints.
type Handlers struct {
	sess Session
	// Cache is the local message cache; nil when caching is off.
	Cache Cache
	// Heartbeat is the comment interval on the notification stream.
	Heartbeat time.Duration
	// StreamBuffer is the per-stream notification buffer.
	StreamBuffer int
}

// New returns Handlers bound to sess.
func New(sess Session) *Handlers {
	return &Handlers{sess: sess, Heartbeat: 25 * time.Second, StreamBuffer: 64}
}

//
// DTOs
//

// SessionResponse describes the local session.
type SessionResponse struct {
	UserID          string `json:"user_id"`
	ActivePeer      string `json:"active_peer,omitempty"`
	Connection      string `json:"connection"`
	ConnectionLost  bool   `json:"connection_lost"`
	PendingStatuses int    `json:"pending_statuses"`
	OnlineCount     int    `json:"online_count"`
}

// ConversationResponse is returned when a conversation is opened.
type ConversationResponse struct {
	PeerID   string           `json:"peer_id"`
	Messages []domain.Message `json:"messages"`
	Count    int              `json:"count"`
}

// ListMessagesResponse contains a page of the active conversation.
type ListMessagesResponse struct {
	PeerID     string           `json:"peer_id"`
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// PostMessageRequest is the payload for sending a message.
type PostMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// PostMessageResponse wraps the stored message.
type PostMessageResponse struct {
	Message domain.Message `json:"message"`
}

// MarkReadResponse reports how many messages the backend marked read.
type MarkReadResponse struct {
	Count int `json:"count"`
}

// SearchResponse lists messages of the active conversation matching a query.
type SearchResponse struct {
	PeerID  string          `json:"peer_id"`
	Query   string          `json:"query"`
	Results []search.Result `json:"results"`
}

// PresenceResponse lists online users.
type PresenceResponse struct {
	Online []string `json:"online"`
	Count  int      `json:"count"`
}

// UserPresenceResponse reports one user's presence.
type UserPresenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeText normalizes line endings, collapses blank-line runs and trims
// surrounding whitespace.
func sanitizeText(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func peerParam(c *gin.Context) (string, bool) {
	peer := strings.TrimSpace(c.Param("peer"))
	if peer == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "peer id required")
		return "", false
	}
	return peer, true
}

//
// Handlers
//

// GetSession reports identity and connection state.
func (h *Handlers) GetSession(c *gin.Context) {
	ok(c, http.StatusOK, h.snapshot())
}

// OpenConversation makes {peer} the active conversation and returns its
// messages. A failed history fetch is reported as an upstream error; the
// cache-seeded snapshot stays readable through ListMessages.
func (h *Handlers) OpenConversation(c *gin.Context) {
	peer, okPeer := peerParam(c)
	if !okPeer {
		return
	}
	msgs, err := h.sess.OpenConversation(c.Request.Context(), peer)
	if err != nil {
		if len(msgs) > 0 {
			c.Header("X-Snapshot-Count", fmt.Sprint(len(msgs)))
		}
		failFrom(c, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	ok(c, http.StatusOK, ConversationResponse{PeerID: peer, Messages: msgs, Count: len(msgs)})
}

// CloseConversation clears the active conversation when it is {peer}.
func (h *Handlers) CloseConversation(c *gin.Context) {
	peer, okPeer := peerParam(c)
	if !okPeer {
		return
	}
	if peer != h.sess.ActivePeer() {
		failFrom(c, session.ErrNotActive)
		return
	}
	h.sess.CloseConversation()
	c.Status(http.StatusNoContent)
}

// ListMessages pages through the active conversation. The ETag tracks the
// store revision so unchanged snapshots answer 304.
func (h *Handlers) ListMessages(c *gin.Context) {
	peer, okPeer := peerParam(c)
	if !okPeer {
		return
	}
	if peer != h.sess.ActivePeer() {
		failFrom(c, session.ErrNotActive)
		return
	}

	etag := fmt.Sprintf(`W/"conv:%s:%d"`, peer, h.sess.Revision())
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	page, size := utils.ClampPage(c.Query("page"), c.Query("page_size"))
	all := h.sess.Messages()
	start, end, pages := utils.PageBounds(len(all), page, size)

	ok(c, http.StatusOK, ListMessagesResponse{
		PeerID:   peer,
		Messages: all[start:end],
		Pagination: Pagination{
			Page:       page,
			PageSize:   size,
			Total:      int64(len(all)),
			TotalPages: pages,
			HasNext:    page < pages,
		},
	})
}

// PostMessage sends text to {peer}. The Idempotency-Key header becomes the
// message's client id; a key already in the store returns that entry with
// Idempotency-Replayed: true instead of sending again.
func (h *Handlers) PostMessage(c *gin.Context) {
	peer, okPeer := peerParam(c)
	if !okPeer {
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "text required")
		return
	}
	text := sanitizeText(req.Text)
	if text == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "text required")
		return
	}
	if utf8.RuneCountInString(text) > MaxTextRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("text too long: max %d runes", MaxTextRunes))
		return
	}

	key, _ := middleware.GetIdempotencyKey(c)
	if key != "" && middleware.IsReplay(c) {
		if prev, found := h.sess.Find(key); found {
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, PostMessageResponse{Message: prev})
			return
		}
	}

	m, err := h.sess.Send(c.Request.Context(), peer, text, key)
	switch {
	case errors.Is(err, session.ErrDuplicateSend):
		c.Header("Idempotency-Replayed", "true")
		ok(c, http.StatusOK, PostMessageResponse{Message: m})
	case err != nil:
		failFrom(c, err)
	default:
		ok(c, http.StatusCreated, PostMessageResponse{Message: m})
	}
}

// MarkRead marks {peer}'s messages read on the backend.
func (h *Handlers) MarkRead(c *gin.Context) {
	peer, okPeer := peerParam(c)
	if !okPeer {
		return
	}
	n, err := h.sess.MarkRead(c.Request.Context(), peer)
	if err != nil {
		failFrom(c, err)
		return
	}
	ok(c, http.StatusOK, MarkReadResponse{Count: n})
}

// SearchMessages ranks the active conversation's messages against ?q=.
// ?limit= caps the results (default 10, max MaxPageSize).
func (h *Handlers) SearchMessages(c *gin.Context) {
	peer, okPeer := peerParam(c)
	if !okPeer {
		return
	}
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "query parameter q required")
		return
	}
	if peer != h.sess.ActivePeer() {
		failFrom(c, session.ErrNotActive)
		return
	}
	limit := utils.AtoiDefault(c.Query("limit"), search.DefaultLimit)
	if limit < 1 || limit > utils.MaxPageSize {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("limit must be in [1, %d]", utils.MaxPageSize))
		return
	}

	results := search.NewMessageIndex(h.sess.Messages()).TopK(q, limit)
	if results == nil {
		results = []search.Result{}
	}
	ok(c, http.StatusOK, SearchResponse{PeerID: peer, Query: q, Results: results})
}

// Presence lists online users. With ?user= it reports that user only.
func (h *Handlers) Presence(c *gin.Context) {
	if u := strings.TrimSpace(c.Query("user")); u != "" {
		ok(c, http.StatusOK, UserPresenceResponse{UserID: u, Online: h.sess.IsOnline(u)})
		return
	}
	online := h.sess.Online()
	if online == nil {
		online = []string{}
	}
	ok(c, http.StatusOK, PresenceResponse{Online: online, Count: len(online)})
}

// IdempotencyLookup reports whether key is a client id in the active
// conversation with peerID.
func (h *Handlers) IdempotencyLookup(_ context.Context, peerID, key string) bool {
	if peerID == "" || peerID != h.sess.ActivePeer() {
		return false
	}
	m, found := h.sess.Find(key)
	return found && m.ClientID == key
}
