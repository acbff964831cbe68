package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/queue"
	"github.com/go-chi/chi/v5"
)

const defaultCleanGrace = 24 * time.Hour

type QueueHandler struct {
	scheduler *queue.Scheduler
	logger    *slog.Logger
}

func NewQueueHandler(scheduler *queue.Scheduler, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{scheduler: scheduler, logger: logger}
}

func (h *QueueHandler) fail(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, queue.ErrUnknownQueue):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrJobNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("queue operation failed", "action", action, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// Stats returns job counts for every queue, or one with ?queue=.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.scheduler.Stats(r.Context(), r.URL.Query().Get("queue"))
	if err != nil {
		h.fail(w, err, "read queue stats")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

func (h *QueueHandler) Job(w http.ResponseWriter, r *http.Request) {
	job, err := h.scheduler.Job(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "get job")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// Retry moves failed jobs back to waiting. ?limit= caps how many.
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	n, err := h.scheduler.RetryFailedJobs(r.Context(), name, queryInt(r, "limit", 0))
	if err != nil {
		h.fail(w, err, "retry jobs")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"queue": name, "retried": n})
}

// Clean removes finished jobs older than ?grace= (a Go duration, default 24h).
func (h *QueueHandler) Clean(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	grace := defaultCleanGrace
	if v := r.URL.Query().Get("grace"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			respondError(w, http.StatusBadRequest, "grace must be a non-negative duration such as 1h")
			return
		}
		grace = d
	}

	n, err := h.scheduler.CleanQueue(r.Context(), name, grace)
	if err != nil {
		h.fail(w, err, "clean queue")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"queue": name, "removed": n})
}

func (h *QueueHandler) Pause(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if err := h.scheduler.Pause(r.Context(), name); err != nil {
		h.fail(w, err, "pause queue")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"queue": name, "paused": true})
}

func (h *QueueHandler) Resume(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if err := h.scheduler.Resume(r.Context(), name); err != nil {
		h.fail(w, err, "resume queue")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"queue": name, "paused": false})
}
