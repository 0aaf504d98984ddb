package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/forever8896/web3summit-hackaton-pop-server/internal/model"
)

// streamLogs serves a job's log stream as server-sent events: one
// `event: log` per entry (backlog first, then live entries in insertion
// order) and a closing `event: done` carrying the terminal status.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	sub, err := s.store.Subscribe(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown job id")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		batch, status, err := sub.Next(ctx)
		if err != nil {
			// client went away
			return
		}
		for _, entry := range batch {
			if err := writeEvent(w, "log", entry); err != nil {
				slog.DebugContext(ctx, "log stream write failed", "job_id", id, "error", err)
				return
			}
		}
		if len(batch) > 0 {
			flusher.Flush()
			continue
		}
		_ = writeEvent(w, "done", map[string]model.Status{"status": status})
		flusher.Flush()
		return
	}
}

func writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
