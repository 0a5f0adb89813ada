package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"exam-paper-orchestrator/internal/models"
	"exam-paper-orchestrator/internal/progress"
)

// handleStream serves a job's events as server-sent events. Finished jobs get their
// terminal event replayed from the job record; live jobs stream until they finish.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "live progress is not configured", http.StatusNotImplemented)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// subscribe first so nothing published between the status read and the stream is lost
	ch, unsubscribe := s.events.Subscribe(chi.URLParam(r, "id"))
	defer unsubscribe()
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev progress.Event) error {
		if err := writeEvent(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if ev, ok := terminalEvent(job); ok {
		_ = send(ev)
		return
	}
	err := progress.Stream(r.Context(), job.ID, ch, s.streamHeartbeat(), send)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("progress stream ended", "job_id", job.ID, "error", err)
	}
}

func terminalEvent(job models.JobRecord) (progress.Event, bool) {
	ev := progress.Event{JobID: job.ID, At: job.UpdatedAt}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	switch job.Status {
	case models.StatusCompleted:
		ev.Type = progress.EventJobCompleted
		ev.Payload = map[string]any{"warnings": job.Warnings, "replayed": true}
		if job.ArtifactID != nil {
			ev.Payload["artifact_id"] = *job.ArtifactID
		}
	case models.StatusFailed:
		ev.Type = progress.EventJobFailed
		ev.Payload = map[string]any{"replayed": true}
		if job.ErrorMessage != nil {
			ev.Payload["error"] = *job.ErrorMessage
		}
	default:
		return progress.Event{}, false
	}
	return ev, true
}

// writeEvent renders one SSE frame. Heartbeats are comments so clients ignore them.
func writeEvent(w io.Writer, ev progress.Event) error {
	if ev.Type == progress.EventHeartbeat {
		_, err := io.WriteString(w, ": heartbeat\n\n")
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
