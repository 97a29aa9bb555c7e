// ABOUTME: Server-Sent Events stream of session updates for one conversation
// ABOUTME: Pushes appended messages and mode changes so clients avoid polling

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jeetjeet26/oneclick-chat/internal/conversation"
)

// sseHeartbeatInterval keeps intermediaries from closing idle streams.
const sseHeartbeatInterval = 30 * time.Second

// handleEvents handles GET /api/conversations/{id}/events.
// Streams message and mode events for the conversation as SSE until the
// client disconnects. Clients re-sync with GET .../session after reconnect;
// the stream is a change notification channel, not the ordering authority.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request, conversationID string) {
	// Verify the conversation exists before holding a stream open
	if _, err := g.conversation.Mode(r.Context(), conversationID); err != nil {
		g.writeServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, subID := g.broadcaster.Subscribe(r.Context(), conversationID)
	defer g.broadcaster.Unsubscribe(conversationID, subID)

	// Send initial connection event
	fmt.Fprintf(w, "event: connected\ndata: {\"conversation_id\": %q}\n\n", conversationID)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			// SSE comment as heartbeat to detect dead connections
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case event, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, event)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single session event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event *conversation.Event) {
	var data interface{}
	switch event.Type {
	case conversation.EventMessage:
		data = messageToResponse(event.Message)
	case conversation.EventMode:
		data = map[string]string{"mode": string(event.Mode)}
	default:
		return
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event.Type)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
