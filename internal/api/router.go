package api

import (
	"log/slog"
	"net/http"

	"github.com/Priya8975/hoa-notifier/internal/channel"
	"github.com/Priya8975/hoa-notifier/internal/compliance"
	"github.com/Priya8975/hoa-notifier/internal/engine"
	"github.com/Priya8975/hoa-notifier/internal/ledger"
	"github.com/Priya8975/hoa-notifier/internal/metrics"
	"github.com/Priya8975/hoa-notifier/internal/queue"
	ws "github.com/Priya8975/hoa-notifier/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the services the HTTP layer calls into.
type Deps struct {
	Sender        Sender
	Scheduler     *queue.Scheduler
	Ledger        *ledger.Ledger
	Gate          *compliance.Gate
	Breaker       *engine.CircuitBreaker
	Hub           *ws.Hub
	Providers     []string
	WebhookSecret string
	HealthChecks  map[string]HealthCheck
	Logger        *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	notifHandler := NewNotificationHandler(d.Sender, d.Scheduler, d.Logger)
	webhookHandler := NewWebhookHandler(d.Ledger, d.Gate, d.WebhookSecret, d.Logger)
	deliveryHandler := NewDeliveryHandler(d.Ledger, d.Scheduler, d.Logger)
	optOutHandler := NewOptOutHandler(d.Gate, d.Logger)
	queueHandler := NewQueueHandler(d.Scheduler, d.Logger)
	dashHandler := NewDashboardHandler(d.Ledger, d.Scheduler, d.Breaker, d.Hub, d.Providers)

	r.Get("/ws", d.Hub.HandleWebSocket)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", HealthHandler(d.HealthChecks))

		r.Route("/notifications", func(r chi.Router) {
			r.Post("/send", notifHandler.Send)
			r.Post("/send-bulk", notifHandler.SendBulk)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/email", webhookHandler.Email)
			r.Post("/sms/status", webhookHandler.SMSStatus)
			r.Post("/sms/inbound", webhookHandler.SMSInbound)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
			r.Get("/stats", deliveryHandler.Stats)
			r.Get("/failed", deliveryHandler.Failed)
			r.Get("/{id}", deliveryHandler.Get)
			r.Post("/{id}/retry", deliveryHandler.Retry)
		})

		r.Route("/opt-outs", func(r chi.Router) {
			r.Post("/", optOutHandler.Create)
			r.Post("/opt-in", optOutHandler.OptIn)
		})

		r.Route("/queues", func(r chi.Router) {
			r.Get("/stats", queueHandler.Stats)
			r.Get("/{queue}/jobs/{id}", queueHandler.Job)
			r.Post("/{queue}/retry", queueHandler.Retry)
			r.Post("/{queue}/clean", queueHandler.Clean)
			r.Post("/{queue}/pause", queueHandler.Pause)
			r.Post("/{queue}/resume", queueHandler.Resume)
		})

		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/overview", dashHandler.Overview)
			r.Get("/providers", dashHandler.ProviderHealth)
			r.Post("/providers/{provider}/reset", dashHandler.ResetProvider)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for the operator dashboard.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+channel.SignatureHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
