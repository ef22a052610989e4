package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/events"
)

// EventsHandler streams engine events to HTTP clients
type EventsHandler struct {
	bus *events.Bus
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(bus *events.Bus) *EventsHandler {
	return &EventsHandler{bus: bus}
}

// Stream sends events as server-sent events until the client goes away.
// ?types=order_filled,stop_triggered narrows the stream.
func (h *EventsHandler) Stream(c *gin.Context) {
	var types []domain.EventType
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			types = append(types, domain.EventType(strings.TrimSpace(t)))
		}
	}
	ch, sub := h.bus.SubscribeChan(256, types...)
	defer sub.Unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	ctx := c.Request.Context()
	var reported uint64
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			// tell the client how many events it missed while lagging
			if n := sub.Dropped(); n > reported {
				c.SSEvent("lagged", gin.H{"dropped": n - reported})
				reported = n
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// Stats returns the event bus counters
func (h *EventsHandler) Stats(c *gin.Context) {
	respond(c, http.StatusOK, h.bus.Stats())
}
