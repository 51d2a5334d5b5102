package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blah-code/blah-code/internal/logging"
)

// sseHeartbeatInterval matches spec.md §6's SSE stream description.
const sseHeartbeatInterval = 30 * time.Second

// handleEventStream implements GET /v1/sessions/:id/events/stream: one
// snapshot event reflecting every event already appended, then an update
// event per subsequently appended event, with a 30s heartbeat.
//
// Grounded on the teacher's internal/server/sse.go (sseWriter,
// ResponseController-based flush, heartbeat ticker, drop-on-full-and-log
// subscriber channel), narrowed to spec.md's snapshot/update vocabulary
// instead of the teacher's bare event relay.
func (d *Daemon) handleEventStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before taking the snapshot so no event appended concurrently
	// with this request is lost; any such event will appear in both the
	// snapshot and the subscription channel, so seenIDs below dedups it
	// rather than replaying it as an update (spec.md §6).
	sub, cancel := d.store.Subscribe(sessionID)
	defer cancel()

	snapshot, err := d.store.ListEvents(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	seenIDs := make(map[string]bool, len(snapshot))
	for _, ev := range snapshot {
		seenIDs[ev.ID] = true
	}

	rc := http.NewResponseController(w)

	w.WriteHeader(http.StatusOK)
	if err := writeSSE(w, rc, "snapshot", map[string]any{"events": snapshot}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if seenIDs[ev.ID] {
				continue
			}
			if err := writeSSE(w, rc, "update", map[string]any{"event": ev}); err != nil {
				return
			}
		case <-ticker.C:
			if err := writeSSE(w, rc, "heartbeat", map[string]any{"ts": time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, rc *http.ResponseController, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		logging.Error().Err(err).Str("eventType", eventType).Msg("sse: failed to marshal payload")
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	return rc.Flush()
}
