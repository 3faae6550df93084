package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/deployd/internal/events"
)

// eventPing is how often an idle stream gets a comment frame.
const eventPing = 15 * time.Second

// eventStream frames hub events onto one response and remembers the last ID
// sent, so a replayed event is never sent twice.
type eventStream struct {
	w      http.ResponseWriter
	cursor int64
	buf    bytes.Buffer
}

// send writes ev as a single frame. Events at or below the cursor are skipped.
func (s *eventStream) send(ev events.Event) error {
	if ev.ID <= s.cursor {
		return nil
	}
	s.buf.Reset()
	fmt.Fprintf(&s.buf, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&s.buf, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(&s.buf, "data: %s\n\n", ev.Data)
	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		return err
	}
	s.cursor = ev.ID
	return nil
}

func (s *eventStream) ping(now time.Time) error {
	_, err := fmt.Fprintf(s.w, ": ping %d\n\n", now.Unix())
	return err
}

// handleEvents serves GET /events. A client resuming with Last-Event-ID, or
// the lastEventId query parameter, first receives what the hub still buffers
// after that ID.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Live events published during the replay are caught by the cursor.
	live, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &eventStream{w: w, cursor: resumeFrom(r)}
	for _, ev := range s.events.Since(stream.cursor) {
		if err := stream.send(ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(eventPing)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-live:
			if !open {
				return
			}
			err = stream.send(ev)
		case now := <-ticker.C:
			err = stream.ping(now)
		}
		if err != nil {
			return
		}
		flusher.Flush()
	}
}

// resumeFrom reads the client's resume point. Anything unparsable starts from
// the oldest buffered event.
func resumeFrom(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
