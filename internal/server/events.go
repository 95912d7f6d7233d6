package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/recoup-ai/recoup/internal/model"
)

const eventsKeepAlive = 25 * time.Second

// HandleEvents handles GET /v1/events?job_id=: a server-sent event stream of
// job progress. The first event is a snapshot of the job's current state so
// a client that connects mid-job does not start blind; live events follow.
// The stream ends when the client disconnects or a terminal event is sent.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event stream not available")
		return
	}

	jobID, err := uuid.Parse(r.URL.Query().Get("job_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "job_id query parameter required")
		return
	}

	job, err := h.db.GetJob(r.Context(), claims.SellerID, jobID)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	// Subscribe before writing the snapshot so no event falls between the
	// snapshot read and the stream start.
	events, cancel := h.broker.Subscribe(claims.SellerID, jobID, 64)
	defer cancel()

	// The server-wide write timeout would cut a long-lived stream short.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, snapshotEvent(job))
	flusher.Flush()

	if job.State == model.JobCompleted || job.State == model.JobFailed || job.State == model.JobCancelled {
		return
	}

	keepAlive := time.NewTicker(eventsKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
			if ev.Type == model.EventCompleted || ev.Type == model.EventFailed {
				return
			}
		}
	}
}

// snapshotEvent renders a job row as the stream's opening event.
func snapshotEvent(job model.SyncJob) model.Event {
	ev := model.Event{
		SellerID: job.SellerID,
		JobID:    job.ID,
		Current:  job.ProgressCurrent,
		Total:    job.ProgressTotal,
		At:       time.Now().UTC(),
	}
	switch job.State {
	case model.JobCompleted:
		ev.Type = model.EventCompleted
		ev.Level = model.LevelSuccess
	case model.JobFailed:
		ev.Type = model.EventFailed
		ev.Level = model.LevelError
		if job.LastError != nil {
			ev.Message = *job.LastError
		}
	case model.JobCancelled:
		ev.Type = model.EventLog
		ev.Level = model.LevelWarn
		ev.Message = "job cancelled"
	default:
		ev.Type = model.EventProgress
	}
	return ev
}

func writeEvent(w http.ResponseWriter, ev model.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
}
