package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hivekit/hive/event"
)

// events streams the session bus over Server-Sent Events. Each event is one
// JSON object on a single data: line; a ": ping" comment goes out every
// keepalive interval. The subscription queue is bounded: a slow client loses
// the oldest events rather than backpressuring the runtime.
func (s *Server) events(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	filter := event.Filter{
		Types:       parseTypes(c.QueryArray("types")),
		StreamID:    c.Query("stream_id"),
		NodeID:      c.Query("node_id"),
		ExecutionID: c.Query("execution_id"),
		GraphID:     c.Query("graph_id"),
	}
	sub := sess.Subscribe(filter)
	defer func() {
		if s.metrics != nil {
			s.metrics.AddSSEDropped(sub.Dropped())
		}
		sess.Unsubscribe(sub)
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, open := <-sub.Events():
			if !open {
				return
			}
			data, err := event.Encode(e)
			if err != nil {
				s.logger.Warn("encode sse event", "event_type", string(e.Type), "error", err)
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
