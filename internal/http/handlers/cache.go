package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/repo"
)

// Cache is the read side of the local message cache.
type Cache interface {
	Stats(ctx context.Context, ownerID string) (repo.Stats, error)
	CountConversation(ctx context.Context, ownerID, peerID string) (int64, error)
	Message(ctx context.Context, id string) (domain.Message, error)
}

// CacheResponse describes the local cache. Stats is omitted when caching is
// off; PeerMessages only appears while a conversation is open.
type CacheResponse struct {
	Enabled      bool        `json:"enabled"`
	Stats        *repo.Stats `json:"stats,omitempty"`
	PeerID       string      `json:"peer_id,omitempty"`
	PeerMessages *int64      `json:"peer_messages,omitempty"`
}

// MessageResponse wraps a single message and where it was found.
type MessageResponse struct {
	Message domain.Message `json:"message"`
	Source  string         `json:"source"`
}

// GetCache reports cache totals for the local user.
func (h *Handlers) GetCache(c *gin.Context) {
	if h.Cache == nil {
		ok(c, http.StatusOK, CacheResponse{})
		return
	}
	ctx := c.Request.Context()
	owner := h.sess.UserID()

	st, err := h.Cache.Stats(ctx, owner)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "cache stats failed")
		return
	}
	resp := CacheResponse{Enabled: true, Stats: &st}
	if peer := h.sess.ActivePeer(); peer != "" {
		n, err := h.Cache.CountConversation(ctx, owner, peer)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "cache count failed")
			return
		}
		resp.PeerID = peer
		resp.PeerMessages = &n
	}
	ok(c, http.StatusOK, resp)
}

// GetMessage looks a message up by server or client id: the active
// conversation first, then the cache.
func (h *Handlers) GetMessage(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id required")
		return
	}
	if m, found := h.sess.Find(id); found {
		ok(c, http.StatusOK, MessageResponse{Message: m, Source: "session"})
		return
	}
	if h.Cache == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
		return
	}
	m, err := h.Cache.Message(c.Request.Context(), id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "cache lookup failed")
	default:
		ok(c, http.StatusOK, MessageResponse{Message: m, Source: "cache"})
	}
}
