package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/Priya8975/hoa-notifier/internal/gateway"
	"github.com/Priya8975/hoa-notifier/internal/queue"
)

const maxBulkNotifications = 1000

// Sender delivers a notification synchronously.
type Sender interface {
	Send(ctx context.Context, n domain.Notification) (domain.SendResult, error)
}

type NotificationHandler struct {
	sender    Sender
	scheduler *queue.Scheduler
	logger    *slog.Logger
}

func NewNotificationHandler(sender Sender, scheduler *queue.Scheduler, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{sender: sender, scheduler: scheduler, logger: logger}
}

type sendRequest struct {
	domain.Notification
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	Priority     int        `json:"priority,omitempty"`
}

type sendResponse struct {
	Success      bool       `json:"success"`
	MessageID    string     `json:"messageId,omitempty"`
	RecordID     string     `json:"recordId,omitempty"`
	JobID        string     `json:"jobId,omitempty"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	Denied       bool       `json:"denied,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Send delivers one notification. With ?async=true or a scheduledFor time
// the notification is queued instead and the job id is returned.
func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	n := req.Notification

	if req.ScheduledFor != nil {
		job, err := h.scheduler.Schedule(r.Context(), n, *req.ScheduledFor)
		if err != nil {
			h.queueError(w, err)
			return
		}
		at := req.ScheduledFor.UTC()
		respondJSON(w, http.StatusAccepted, sendResponse{Success: true, JobID: job.ID, ScheduledFor: &at})
		return
	}

	if r.URL.Query().Get("async") == "true" {
		job, err := h.scheduler.Enqueue(r.Context(), n, queue.EnqueueOptions{Priority: req.Priority})
		if err != nil {
			h.queueError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, sendResponse{Success: true, JobID: job.ID})
		return
	}

	result, err := h.sender.Send(r.Context(), n)
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, gateway.ErrThrottled):
		respondError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, gateway.ErrNoAdapter):
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.logger.Error("send failed", "recipient", n.Recipient, "template", n.Template, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to send notification")
		return
	}

	switch {
	case result.Denied:
		respondJSON(w, http.StatusOK, sendResponse{Denied: true, Error: result.Reason})
	case !result.Success:
		respondJSON(w, http.StatusBadGateway, sendResponse{Error: result.Error, RecordID: result.RecordID})
	default:
		respondJSON(w, http.StatusOK, sendResponse{Success: true, MessageID: result.ProviderID, RecordID: result.RecordID})
	}
}

type bulkRequest struct {
	Notifications []domain.Notification `json:"notifications"`
	// Batch sends everything as one bulk job instead of a job per
	// notification.
	Batch     bool `json:"batch,omitempty"`
	BatchSize int  `json:"batchSize,omitempty"`
}

type bulkResponse struct {
	Success bool             `json:"success"`
	Queued  int              `json:"queued"`
	Failed  int              `json:"failed"`
	JobID   string           `json:"jobId,omitempty"`
	Results []queue.BulkItem `json:"results"`
}

// SendBulk queues many notifications and returns without waiting for
// delivery.
func (h *NotificationHandler) SendBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Notifications) == 0 {
		respondError(w, http.StatusBadRequest, "notifications are required")
		return
	}
	if len(req.Notifications) > maxBulkNotifications {
		respondError(w, http.StatusBadRequest, "too many notifications in one request")
		return
	}

	if req.Batch {
		job, err := h.scheduler.EnqueueBulk(r.Context(), req.Notifications, queue.BulkOptions{BatchSize: req.BatchSize})
		if err != nil {
			h.queueError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, bulkResponse{
			Success: true,
			Queued:  len(req.Notifications),
			JobID:   job.ID,
			Results: []queue.BulkItem{},
		})
		return
	}

	result := h.scheduler.SendBulk(r.Context(), req.Notifications)
	respondJSON(w, http.StatusAccepted, bulkResponse{
		Success: result.Failed == 0,
		Queued:  result.Queued,
		Failed:  result.Failed,
		Results: result.Results,
	})
}

func (h *NotificationHandler) queueError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Error("failed to queue notification", "error", err)
	respondError(w, http.StatusInternalServerError, "failed to queue notification")
}
