package api

import (
	"context"
	"net/http"

	"github.com/Priya8975/hoa-notifier/internal/engine"
	"github.com/Priya8975/hoa-notifier/internal/ledger"
	"github.com/Priya8975/hoa-notifier/internal/queue"
	"github.com/go-chi/chi/v5"
)

// ClientCounter reports connected live-feed clients.
type ClientCounter interface {
	ClientCount() int
}

type DashboardHandler struct {
	ledger    *ledger.Ledger
	scheduler *queue.Scheduler
	cb        *engine.CircuitBreaker
	hub       ClientCounter
	providers []string
}

func NewDashboardHandler(l *ledger.Ledger, scheduler *queue.Scheduler, cb *engine.CircuitBreaker, hub ClientCounter, providers []string) *DashboardHandler {
	return &DashboardHandler{ledger: l, scheduler: scheduler, cb: cb, hub: hub, providers: providers}
}

func (h *DashboardHandler) providerStates(ctx context.Context) []engine.ProviderState {
	states := make([]engine.ProviderState, 0, len(h.providers))
	for _, p := range h.providers {
		states = append(states, h.cb.GetState(ctx, p))
	}
	return states
}

// Overview returns ledger stats, queue depths and provider health in one
// response for the operator dashboard.
func (h *DashboardHandler) Overview(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Stats(r.Context(), ledger.StatsFilter{})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get delivery stats")
		return
	}

	queues, err := h.scheduler.Stats(r.Context(), "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get queue stats")
		return
	}

	type overviewResponse struct {
		Deliveries       ledger.Stats           `json:"deliveries"`
		Queues           []queue.Counts         `json:"queues"`
		Providers        []engine.ProviderState `json:"providers"`
		WebSocketClients int                    `json:"websocket_clients"`
	}

	respondJSON(w, http.StatusOK, overviewResponse{
		Deliveries:       stats,
		Queues:           queues,
		Providers:        h.providerStates(r.Context()),
		WebSocketClients: h.hub.ClientCount(),
	})
}

// ProviderHealth returns the circuit breaker state of every provider.
func (h *DashboardHandler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.providerStates(r.Context()))
}

// ResetProvider closes a provider's circuit.
func (h *DashboardHandler) ResetProvider(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	known := false
	for _, p := range h.providers {
		if p == provider {
			known = true
			break
		}
	}
	if !known {
		respondError(w, http.StatusNotFound, "provider not found")
		return
	}

	if err := h.cb.Reset(r.Context(), provider); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to reset circuit")
		return
	}
	respondJSON(w, http.StatusOK, h.cb.GetState(r.Context(), provider))
}
