package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/queuedjobs/internal/events"
)

const sseKeepAlive = 15 * time.Second

// eventFilter reads ?type=job.,dispatch. and ?job_id= from the query.
func eventFilter(r *http.Request) events.Filter {
	q := r.URL.Query()
	var f events.Filter
	for _, t := range strings.Split(q.Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.Types = append(f.Types, t)
		}
	}
	f.JobID = q.Get("job_id")
	return f
}

// handleEvents streams hub events as server-sent events. Retained events
// after Last-Event-ID are replayed before live delivery starts; the live
// subscription is opened first so nothing published in between is lost.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := eventFilter(r)

	live, unsubscribe := s.events.Subscribe(filter)
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sent := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.events.Replay(sent, filter) {
		if writeSSE(w, ev) != nil {
			return
		}
		sent = ev.ID
	}
	flusher.Flush()

	tick := time.NewTicker(sseKeepAlive)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.ID <= sent {
				continue
			}
			if writeSSE(w, ev) != nil {
				return
			}
			sent = ev.ID
		case <-tick.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE frames one event. Data is compact JSON so it always fits on a
// single data: line.
func writeSSE(w io.Writer, ev events.Event) error {
	data := ev.Data
	if !json.Valid(data) {
		data = json.RawMessage("{}")
	}
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}
