package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/deepnoodle-ai/nbexec"
)

// handleEvents streams execution progress as server-sent events. Named
// events:
//
//	info     stream lifecycle notices
//	status   a status record snapshot (JSON)
//	log      newly appended log content
//	error    a delivery failure notice
//	complete the final status record; the stream closes after it
//
// The stream ends when the execution reaches a terminal status or the client
// disconnects. Disconnecting only ends this stream; the execution continues.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported by response writer")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "info", fmt.Sprintf("streaming execution %s", executionID))
	flusher.Flush()

	var last *nbexec.StatusRecord
	for event := range s.poller.Watch(r.Context(), executionID) {
		switch event.Type {
		case nbexec.WatchEventStatus:
			last = event.Status
			data, err := json.Marshal(event.Status)
			if err != nil {
				writeSSE(w, "error", fmt.Sprintf("failed to encode status: %v", err))
				flusher.Flush()
				continue
			}
			writeSSE(w, "status", string(data))
		case nbexec.WatchEventLog:
			writeSSE(w, "log", string(event.Log))
		}
		flusher.Flush()
	}

	// The watch channel closes on terminal status or client disconnect;
	// only the former gets the closing event.
	if r.Context().Err() == nil && last != nil && last.Status.Terminal() {
		if data, err := json.Marshal(last); err == nil {
			writeSSE(w, "complete", string(data))
			flusher.Flush()
		}
	}
}

// writeSSE writes one named event. Multi-line payloads become one data line
// per line, per the SSE wire format.
func writeSSE(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(strings.TrimRight(data, "\n"), "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}
