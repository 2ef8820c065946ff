package realtime

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ServeSSE streams poll events as a text/event-stream until the client
// disconnects. Disconnect deregisters the subscription synchronously.
func ServeSSE(hub *Hub, logger *zap.Logger, pollID int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "max-age=0, no-cache, no-store, must-revalidate")
		c.Header("Connection", "keep-alive")
		c.Writer.WriteHeader(http.StatusOK)
		_, _ = c.Writer.WriteString("\n")
		flusher.Flush()

		sub := hub.Subscribe(pollID)
		defer hub.Unsubscribe(sub)

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.C:
				if _, err := c.Writer.WriteString(formatSSE(ev)); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// formatSSE frames an event per the event-stream wire format, prefixing each
// payload line with "data: ".
func formatSSE(ev Event) string {
	payload := "data: " + strings.ReplaceAll(string(ev.Data), "\n", "\ndata: ")
	return fmt.Sprintf("event: %s\n%s\n\n", ev.Type, payload)
}
