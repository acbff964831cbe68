package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/Priya8975/hoa-notifier/internal/channel"
	"github.com/Priya8975/hoa-notifier/internal/compliance"
	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/Priya8975/hoa-notifier/internal/ledger"
	"github.com/Priya8975/hoa-notifier/internal/metrics"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	ledger *ledger.Ledger
	gate   *compliance.Gate
	secret string
	logger *slog.Logger
}

func NewWebhookHandler(l *ledger.Ledger, gate *compliance.Gate, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{ledger: l, gate: gate, secret: secret, logger: logger}
}

// readSigned reads the body and checks its signature. It writes the error
// response itself and returns ok=false on failure.
func (h *WebhookHandler) readSigned(w http.ResponseWriter, r *http.Request, source string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if !channel.VerifySignature(h.secret, body, r.Header.Get(channel.SignatureHeader)) {
		h.logger.Warn("webhook signature mismatch", "source", source, "remote_addr", r.RemoteAddr)
		metrics.WebhookEvents.WithLabelValues(source, "rejected").Inc()
		respondError(w, http.StatusUnauthorized, "invalid signature")
		return nil, false
	}
	return body, true
}

func recordBatch(source string, res ledger.BatchResult) {
	metrics.WebhookEvents.WithLabelValues(source, "applied").Add(float64(res.Applied))
	metrics.WebhookEvents.WithLabelValues(source, "skipped").Add(float64(res.Skipped))
	metrics.WebhookEvents.WithLabelValues(source, "failed").Add(float64(res.Failed))
}

// Email applies an email provider event batch.
func (h *WebhookHandler) Email(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readSigned(w, r, "email")
	if !ok {
		return
	}

	events, parseErrs, err := channel.ParseEmailEvents(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := h.ledger.ApplyEmailEvents(r.Context(), events)
	for _, perr := range parseErrs {
		result.Failed++
		result.Errors = append(result.Errors, perr.Error())
	}
	h.applyConsents(r, result.Consents)
	recordBatch("email", result)

	respondJSON(w, http.StatusOK, result)
}

// SMSStatus applies an SMS delivery status callback.
func (h *WebhookHandler) SMSStatus(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readSigned(w, r, "sms_status")
	if !ok {
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	status, err := channel.ParseSMSStatus(form)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := h.ledger.ApplySMSStatus(r.Context(), status)
	h.applyConsents(r, result.Consents)
	recordBatch("sms_status", result)

	respondJSON(w, http.StatusOK, result)
}

// SMSInbound handles replies from residents. Stop keywords opt the sender
// out of SMS.
func (h *WebhookHandler) SMSInbound(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readSigned(w, r, "sms_inbound")
	if !ok {
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	in, err := channel.ParseInboundSMS(form)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := map[string]any{"received": true, "optedOut": false}
	if compliance.IsStopKeyword(in.Body) {
		optOut, err := h.gate.ProcessSMSStop(r.Context(), in.From, in.Body)
		if err != nil {
			h.logger.Error("failed to process stop request", "from", in.From, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to record opt-out")
			return
		}
		resp["optedOut"] = optOut != nil
		metrics.WebhookEvents.WithLabelValues("sms_inbound", "opt_out").Inc()
	} else {
		metrics.WebhookEvents.WithLabelValues("sms_inbound", "ignored").Inc()
	}

	respondJSON(w, http.StatusOK, resp)
}

// applyConsents records opt-outs for unsubscribe and spam reports.
func (h *WebhookHandler) applyConsents(r *http.Request, signals []ledger.ConsentSignal) {
	for _, s := range signals {
		_, err := h.gate.RecordOptOut(r.Context(), domain.OptOut{
			UserID: s.UserID,
			Type:   s.Channel,
			Reason: fmt.Sprintf("provider reported %s", s.Status),
			Source: compliance.SourceWebhook,
			Metadata: map[string]any{
				"recipient": s.Recipient,
			},
		})
		if err != nil {
			h.logger.Error("failed to record provider opt-out", "user_id", s.UserID, "status", s.Status, "error", err)
		}
	}
}
