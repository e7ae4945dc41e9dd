package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// StreamEvents pushes the caller's ledger events as server-sent events. Each event's name is
// its kind. Events for other users are filtered out here, so one bus serves every stream.
func (h Handlers) StreamEvents(c *gin.Context) {
	if h.Events == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "events not configured"})
		return
	}
	uid, _ := caller(c)

	ch, cancel, err := h.Events.Subscribe(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	defer cancel()

	every := h.Heartbeat
	if every <= 0 {
		every = 15 * time.Second
	}
	heartbeat := time.NewTicker(every)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"user_id": uid})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			if ev.UserID == uid {
				c.SSEvent(string(ev.Kind), ev)
			}
			return true
		}
	})
}
