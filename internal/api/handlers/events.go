package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// ── Discovery Event Stream (SSE) ─────────────────────────────

// StreamEvents serves a connection's discovery progress as Server-Sent
// Events. The buffered tail replays first so late or reconnecting
// clients resynchronize, then live events flow until the client goes
// away. Heartbeat frames keep proxies from reaping idle streams.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	org, err := h.org(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	conn, err := h.connection(r, org.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel := h.Events.Subscribe(conn.ID)
	defer cancel()

	fmt.Fprintf(w, "event: connected\ndata: {\"connection_id\":%q}\n\n", conn.ID)

	// Replay after subscribing: a frame published in the gap may arrive
	// twice, which beats losing it. Delivery is at-least-once.
	for _, ev := range h.Events.Recent(conn.ID) {
		writeEvent(w, ev)
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()

		case <-heartbeat.C:
			// Heartbeats go straight to the wire, never through the bus:
			// the Recent buffer holds progress, not keepalives.
			writeEvent(w, models.AutomationEvent{
				Kind:         models.EventHeartbeat,
				ConnectionID: conn.ID,
				Timestamp:    time.Now().UTC(),
			})
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// writeEvent emits one SSE frame named after the event kind.
func writeEvent(w io.Writer, ev models.AutomationEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
}
