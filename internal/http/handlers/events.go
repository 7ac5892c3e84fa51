package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-realtime/internal/http/middleware"
)

// Events streams session notifications as server-sent events. Each frame's
// event name is the notification type and its data the JSON notification.
// A comment line is written every Heartbeat so idle proxies keep the
// connection open. The stream ends when the client goes away or the session
// closes its bus.
func (h *Handlers) Events(c *gin.Context) {
	buffer := h.StreamBuffer
	if buffer <= 0 {
		buffer = 64
	}
	ch, cancel := h.sess.Subscribe(buffer)
	defer cancel()
	defer middleware.TrackStream()()

	// the server's read timeout must not cut the stream
	_ = http.NewResponseController(c.Writer).SetReadDeadline(time.Time{})

	hdr := c.Writer.Header()
	hdr.Set("Content-Type", sse.ContentType)
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	// the first frame reports where the session stands
	_ = sse.Encode(c.Writer, sse.Event{Event: "session", Data: h.snapshot()})
	c.Writer.Flush()

	var tick <-chan time.Time
	if h.Heartbeat > 0 {
		t := time.NewTicker(h.Heartbeat)
		defer t.Stop()
		tick = t.C
	}

	lg := middleware.LoggerFrom(c)
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if _, err := io.WriteString(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case n, open := <-ch:
			if !open {
				return
			}
			if err := sse.Encode(c.Writer, sse.Event{Event: string(n.Type), Data: n}); err != nil {
				lg.Debug().Err(err).Msg("event stream write failed")
				return
			}
			c.Writer.Flush()
		}
	}
}

func (h *Handlers) snapshot() SessionResponse {
	return SessionResponse{
		UserID:          h.sess.UserID(),
		ActivePeer:      h.sess.ActivePeer(),
		Connection:      h.sess.ConnectionState().String(),
		ConnectionLost:  h.sess.ConnectionLost(),
		PendingStatuses: h.sess.PendingStatuses(),
		OnlineCount:     len(h.sess.Online()),
	}
}
