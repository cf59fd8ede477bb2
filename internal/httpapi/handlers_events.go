package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/llmrelay/relay/internal/events"
)

// SSEHandler streams gateway events as Server-Sent Events. An optional
// ?types=health_change,request_failed restricts the stream.
func SSEHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var types []events.EventType
		if q := r.URL.Query().Get("types"); q != "" {
			for _, name := range strings.Split(q, ",") {
				t, ok := events.ParseType(strings.TrimSpace(name))
				if !ok {
					jsonError(w, fmt.Sprintf("unknown event type %q", name), http.StatusBadRequest)
					return
				}
				types = append(types, t)
			}
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := bus.Subscribe(64, types...)
		defer bus.Unsubscribe(sub)

		_, _ = fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e := <-sub.C:
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.JSON())
				flusher.Flush()
			}
		}
	}
}
