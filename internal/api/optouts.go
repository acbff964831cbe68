package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Priya8975/hoa-notifier/internal/compliance"
	"github.com/Priya8975/hoa-notifier/internal/domain"
)

type OptOutHandler struct {
	gate   *compliance.Gate
	logger *slog.Logger
}

func NewOptOutHandler(gate *compliance.Gate, logger *slog.Logger) *OptOutHandler {
	return &OptOutHandler{gate: gate, logger: logger}
}

type optOutRequest struct {
	UserID string         `json:"user_id"`
	Type   domain.Channel `json:"type"`
	Reason string         `json:"reason,omitempty"`
	Source string         `json:"source,omitempty"`
}

func (req optOutRequest) validate() string {
	if req.UserID == "" {
		return "user_id is required"
	}
	if !req.Type.Valid() && req.Type != domain.ChannelAll {
		return "type must be email, sms or all"
	}
	return ""
}

// Create records an opt-out. Repeating it for an already opted-out user
// returns the existing record.
func (h *OptOutHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req optOutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Source == "" {
		req.Source = compliance.SourceAPI
	}

	o, err := h.gate.RecordOptOut(r.Context(), domain.OptOut{
		UserID: req.UserID,
		Type:   req.Type,
		Reason: req.Reason,
		Source: req.Source,
	})
	if err != nil {
		h.logger.Error("failed to record opt-out", "user_id", req.UserID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to record opt-out")
		return
	}

	respondJSON(w, http.StatusCreated, o)
}

// OptIn re-subscribes a user to a channel.
func (h *OptOutHandler) OptIn(w http.ResponseWriter, r *http.Request) {
	var req optOutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	o, err := h.gate.RecordOptIn(r.Context(), req.UserID, req.Type, req.Source)
	if err != nil {
		h.logger.Error("failed to record opt-in", "user_id", req.UserID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to record opt-in")
		return
	}

	respondJSON(w, http.StatusOK, o)
}
