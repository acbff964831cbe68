package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/Priya8975/hoa-notifier/internal/ledger"
	"github.com/Priya8975/hoa-notifier/internal/queue"
	"github.com/go-chi/chi/v5"
)

type DeliveryHandler struct {
	ledger    *ledger.Ledger
	scheduler *queue.Scheduler
	logger    *slog.Logger
}

func NewDeliveryHandler(l *ledger.Ledger, scheduler *queue.Scheduler, logger *slog.Logger) *DeliveryHandler {
	return &DeliveryHandler{ledger: l, scheduler: scheduler, logger: logger}
}

func deliveryFilter(r *http.Request) (domain.DeliveryFilter, error) {
	q := r.URL.Query()
	f := domain.DeliveryFilter{
		UserID:    q.Get("user_id"),
		Type:      domain.Channel(q.Get("type")),
		Status:    domain.Status(q.Get("status")),
		Template:  q.Get("template"),
		Recipient: q.Get("recipient"),
	}
	var err error
	if f.Since, err = queryTime(r, "since"); err != nil {
		return f, errors.New("since must be RFC 3339 or YYYY-MM-DD")
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		return f, errors.New("until must be RFC 3339 or YYYY-MM-DD")
	}
	return f, nil
}

// List returns a page of delivery history, newest first.
func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := deliveryFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.ledger.History(r.Context(), f, ledger.Page{
		Page:  queryInt(r, "page", 1),
		Limit: queryInt(r, "limit", 50),
	})
	if err != nil {
		h.logger.Error("failed to list deliveries", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	respondJSON(w, http.StatusOK, page)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.ledger.Get(r.Context(), id)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

func (h *DeliveryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	f, err := deliveryFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := h.ledger.Stats(r.Context(), ledger.StatsFilter{
		UserID: f.UserID,
		Type:   f.Type,
		Since:  f.Since,
		Until:  f.Until,
	})
	if err != nil {
		h.logger.Error("failed to compute delivery stats", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

// Failed lists failed deliveries that are still eligible for a retry.
func (h *DeliveryHandler) Failed(w http.ResponseWriter, r *http.Request) {
	recs, err := h.ledger.FailedCandidates(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list failed deliveries")
		return
	}
	if recs == nil {
		recs = []domain.DeliveryRecord{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"records":     recs,
		"count":       len(recs),
		"max_retries": ledger.MaxRetries,
	})
}

// Retry requeues the notification behind a failed delivery.
func (h *DeliveryHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.ledger.Get(r.Context(), id)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if rec.Status != domain.StatusFailed {
		respondError(w, http.StatusConflict, "only failed deliveries can be retried")
		return
	}
	if rec.RetryCount() >= ledger.MaxRetries {
		respondError(w, http.StatusConflict, "delivery has reached its retry limit")
		return
	}

	n, err := ledger.RetryNotification(*rec)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	job, err := h.scheduler.Enqueue(r.Context(), n, queue.EnqueueOptions{})
	if err != nil {
		h.logger.Error("failed to requeue delivery", "delivery_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to requeue delivery")
		return
	}
	if err := h.ledger.MarkForRetry(r.Context(), id); err != nil {
		h.logger.Error("failed to mark delivery for retry", "delivery_id", id, "error", err)
	}

	respondJSON(w, http.StatusAccepted, map[string]any{
		"success":        true,
		"jobId":          job.ID,
		"notificationId": n.ID,
	})
}
