package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codeplane/codeplane/internal/events/bus"
	"github.com/codeplane/codeplane/internal/streaming"
	v1 "github.com/codeplane/codeplane/pkg/api/v1"
)

// sseHeartbeat is the keep-alive comment interval on SSE streams.
const sseHeartbeat = 15 * time.Second

// handleJobEvents serves the per-job event feed. Clients that accept
// text/event-stream get a live SSE subscription; everyone else gets a
// one-shot JSON page for cursor-based polling.
func (s *Server) handleJobEvents(c *gin.Context) {
	cursor, limit, err := cursorParams(c)
	if err != nil {
		s.renderError(c, err)
		return
	}

	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		s.streamJobEvents(c, c.Param("jid"), cursor)
		return
	}

	page, err := s.orchestrator.ListEvents(c.Request.Context(), c.Param("jid"), cursor, limit)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// streamJobEvents replays from the cursor and then follows the live
// stream until the job finishes or the client goes away.
func (s *Server) streamJobEvents(c *gin.Context, jobID string, cursor int64) {
	sub, err := s.orchestrator.SubscribeJob(c.Request.Context(), jobID, cursor)
	if err != nil {
		s.renderError(c, err)
		return
	}
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			c.Writer.Flush()
		case event, ok := <-sub.Events():
			if !ok {
				s.writeSSEClose(c, sub.Reason())
				return
			}
			s.writeSSEEvent(c, event)
		case <-sub.Done():
			// Drain buffered events before reporting the close.
			for {
				select {
				case event, ok := <-sub.Events():
					if !ok {
						s.writeSSEClose(c, sub.Reason())
						return
					}
					s.writeSSEEvent(c, event)
				default:
					s.writeSSEClose(c, sub.Reason())
					return
				}
			}
		}
	}
}

func (s *Server) writeSSEEvent(c *gin.Context, event v1.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal event for sse", zap.Error(err))
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

func (s *Server) writeSSEClose(c *gin.Context, reason streaming.CloseReason) {
	fmt.Fprintf(c.Writer, "event: close\ndata: {\"reason\":%q}\n\n", string(reason))
	c.Writer.Flush()
}

// handleAnnounceWS bridges the announce bus onto a websocket so a
// client can watch thread and job lifecycle changes across all jobs
// without holding per-job SSE subscriptions.
func (s *Server) handleAnnounceWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	forward := func(ctx context.Context, event *bus.Event) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(event)
	}

	subjects := []string{"job.>", "thread.>"}
	subs := make([]bus.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := s.bus.Subscribe(subject, forward)
		if err != nil {
			s.logger.Error("announce subscription failed",
				zap.String("subject", subject), zap.Error(err))
			break
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	// Consume the read side to observe disconnects. Inbound frames
	// carry no meaning on this endpoint.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
