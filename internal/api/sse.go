package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/intake/internal/streaming"
)

// handleStream replays the run's persisted events and then streams live
// telemetry via Server-Sent Events. The subscription is opened before the
// replay so no event falls between the two.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	if s.deps.Hub == nil {
		writeError(w, errBadRequest("live streaming is disabled"))
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), streaming.EventFilter{RunID: runID})
	if err != nil {
		s.deps.Logger.Error("sse subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	history, err := s.deps.Coordinator.Events(r.Context(), runID, int64(queryInt(r, "since", 0)))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var last int64
	for _, e := range history {
		writeSSE(w, streaming.FromRunEvent(e))
		last = e.Sequence
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Kind == streaming.KindEvent && event.Sequence <= last {
				continue
			}
			writeSSE(w, event)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event streaming.StreamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if event.Sequence > 0 {
		fmt.Fprintf(w, "id: %d\n", event.Sequence)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}
