package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/internal/streaming"
)

const sseHeartbeat = 15 * time.Second

// streamAllEvents streams every live event via Server-Sent Events.
func (s *Server) streamAllEvents(c *gin.Context) {
	s.serveSSE(c, streaming.EventFilter{EventTypes: c.QueryArray("type")}, nil, nil)
}

// streamActEvents replays the act's event log after ?since, then streams
// live events until the act completes. Events near the switch-over may be
// delivered twice; stored events carry an id, live ones do not.
func (s *Server) streamActEvents(c *gin.Context) {
	ctx := c.Request.Context()
	actID := c.Param("actID")
	if _, err := s.deps.Store.GetAct(ctx, actID); err != nil {
		s.writeError(c, err)
		return
	}
	var since int64
	var err error
	if raw := c.Query("since"); raw != "" {
		if since, err = strconv.ParseInt(raw, 10, 64); err != nil {
			s.badRequest(c, "since must be an integer", err)
			return
		}
	}

	replay := func(w *sseWriter) bool {
		// Read the status after subscribing so a completion in between is
		// either replayed or delivered live.
		act, err := s.deps.Store.GetAct(ctx, actID)
		if err != nil {
			return false
		}
		events, err := s.deps.Store.GetEvents(ctx, actID, since)
		if err != nil {
			logging.LogWith(ctx, s.deps.Logger).Error("replay act events failed", logging.ActID(actID), logging.Err(err))
			return false
		}
		for _, e := range events {
			w.stored(e)
		}
		return act.Status.IsTerminal()
	}
	finished := func() bool {
		act, err := s.deps.Store.GetAct(ctx, actID)
		return err == nil && act.Status.IsTerminal()
	}
	s.serveSSE(c, streaming.EventFilter{ActID: actID}, replay, finished)
}

// serveSSE subscribes before replaying so nothing published in between is
// lost. replay reports whether the stream is already complete; finished is
// polled on every heartbeat since live delivery is best effort.
func (s *Server) serveSSE(c *gin.Context, filter streaming.EventFilter, replay func(*sseWriter) bool, finished func() bool) {
	ctx := c.Request.Context()
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "streaming not supported", Status: http.StatusInternalServerError})
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(ctx, filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer cancel()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	w := &sseWriter{w: c.Writer, f: flusher}
	w.flush()
	if replay != nil && replay(w) {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if finished != nil && finished() {
				return
			}
			w.comment("ping")
		case event, ok := <-ch:
			if !ok {
				return
			}
			w.live(event)
			if filter.ActID != "" && event.EventType == streaming.EventActCompleted {
				return
			}
		}
	}
}

type sseWriter struct {
	w gin.ResponseWriter
	f http.Flusher
}

func (w *sseWriter) stored(e *store.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w.w, "id: %d\nevent: %s\ndata: %s\n\n", e.Sequence, e.Type, data)
	w.flush()
}

func (w *sseWriter) live(e streaming.StreamEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", e.EventType, data)
	w.flush()
}

func (w *sseWriter) comment(text string) {
	fmt.Fprintf(w.w, ": %s\n\n", text)
	w.flush()
}

func (w *sseWriter) flush() { w.f.Flush() }
