package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// keepaliveInterval paces SSE comment lines that defeat idle proxies.
const keepaliveInterval = 25 * time.Second

func newKeepaliveTicker() *time.Ticker {
	return time.NewTicker(keepaliveInterval)
}

// handleRunEvents streams a run's progress events as SSE. The stream is
// resumable: Last-Event-Id (or ?after=N) replays everything the client has
// not seen, then continues live. Event ids are the run's sequence numbers.
func (s *Server) handleRunEvents(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := s.queue.Get(c.Request.Context(), jobID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return
	}

	after := int64(0)
	if v := c.GetHeader("Last-Event-ID"); v != "" {
		after, _ = strconv.ParseInt(v, 10, 64)
	} else if v := c.Query("after"); v != "" {
		after, _ = strconv.ParseInt(v, 10, 64)
	}

	sub, err := s.manager.Subscribe(c.Request.Context(), jobID, after)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe failed"})
		return
	}
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	s.logger.Info("event stream opened", "job_id", jobID, "after", after)
	keepalive := newKeepaliveTicker()
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		case ev, ok := <-sub.C:
			if !ok {
				// Disconnected for falling behind; the client reconnects with
				// Last-Event-Id and resumes.
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, raw)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
