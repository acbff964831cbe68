package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/Priya8975/hoa-notifier/internal/channel"
)

// mockServer fakes the email and SMS provider APIs. Accepted messages can
// be followed by a signed status callback to the notifier.
type mockServer struct {
	logger        *slog.Logger
	callbackBase  string
	secret        string
	failPercent   int
	callbackDelay time.Duration
	client        *http.Client

	emails   atomic.Int64
	sms      atomic.Int64
	failures atomic.Int64
}

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	failPercent, _ := strconv.Atoi(os.Getenv("MOCK_FAIL_PERCENT"))
	delay, err := time.ParseDuration(os.Getenv("MOCK_CALLBACK_DELAY"))
	if err != nil {
		delay = 500 * time.Millisecond
	}

	m := &mockServer{
		logger:        logger,
		callbackBase:  strings.TrimRight(os.Getenv("NOTIFIER_URL"), "/"),
		secret:        os.Getenv("WEBHOOK_SIGNING_SECRET"),
		failPercent:   failPercent,
		callbackDelay: delay,
		client:        &http.Client{Timeout: 5 * time.Second},
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Post("/v3/mail/send", m.sendEmail)
	r.Post("/2010-04-01/Accounts/{sid}/Messages.json", m.sendSMS)
	r.Get("/stats", m.stats)

	logger.Info("mock providers starting",
		"port", port,
		"fail_percent", failPercent,
		"callbacks", m.callbackBase != "",
	)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func (m *mockServer) shouldFail() bool {
	return m.failPercent > 0 && rand.IntN(100) < m.failPercent
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type mailRequest struct {
	Personalizations []struct {
		To []struct {
			Email string `json:"email"`
		} `json:"to"`
	} `json:"personalizations"`
	Subject string `json:"subject"`
}

func (m *mockServer) sendEmail(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"errors": []map[string]string{{"message": "missing api key"}}})
		return
	}
	if m.shouldFail() {
		m.failures.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"errors": []map[string]string{{"message": "simulated outage"}}})
		return
	}

	var req mailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Personalizations) == 0 || len(req.Personalizations[0].To) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []map[string]string{{"message": "invalid mail request"}}})
		return
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	to := req.Personalizations[0].To[0].Email
	m.emails.Add(1)
	m.logger.Info("email accepted", "message_id", id, "to", to, "subject", req.Subject)

	w.Header().Set("X-Message-Id", id)
	w.WriteHeader(http.StatusAccepted)

	if m.callbackBase != "" {
		go m.emailCallback(id, to)
	}
}

func (m *mockServer) emailCallback(id, to string) {
	time.Sleep(m.callbackDelay)

	now := time.Now().Unix()
	events := []map[string]any{
		{"sg_message_id": id + ".filter0001.mock", "event": "processed", "email": to, "timestamp": now},
		{"sg_message_id": id + ".filter0001.mock", "event": "delivered", "email": to, "timestamp": now},
	}
	body, err := json.Marshal(events)
	if err != nil {
		m.logger.Error("encoding email events", "error", err)
		return
	}
	m.post("/api/webhooks/email", "application/json", body)
}

func (m *mockServer) sendSMS(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := r.BasicAuth(); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": 20003, "message": "authenticate"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": 21602, "message": "invalid form"})
		return
	}
	if m.shouldFail() {
		m.failures.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"code": 20500, "message": "simulated outage"})
		return
	}

	to := r.PostForm.Get("To")
	if to == "" || r.PostForm.Get("Body") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": 21604, "message": "To and Body are required"})
		return
	}

	sid := "SM" + strings.ReplaceAll(uuid.NewString(), "-", "")
	m.sms.Add(1)
	m.logger.Info("sms accepted", "sid", sid, "to", to, "account", chi.URLParam(r, "sid"))

	writeJSON(w, http.StatusCreated, map[string]any{
		"sid":    sid,
		"status": "queued",
		"to":     to,
	})

	if m.callbackBase != "" {
		go m.smsCallback(sid, to)
	}
}

func (m *mockServer) smsCallback(sid, to string) {
	for _, status := range []string{"sent", "delivered"} {
		time.Sleep(m.callbackDelay)
		form := url.Values{"MessageSid": {sid}, "MessageStatus": {status}, "To": {to}}
		m.post("/api/webhooks/sms/status", "application/x-www-form-urlencoded", []byte(form.Encode()))
	}
}

func (m *mockServer) post(path, contentType string, body []byte) {
	req, err := http.NewRequest(http.MethodPost, m.callbackBase+path, bytes.NewReader(body))
	if err != nil {
		m.logger.Error("creating callback request", "path", path, "error", err)
		return
	}
	req.Header.Set("Content-Type", contentType)
	if m.secret != "" {
		req.Header.Set(channel.SignatureHeader, channel.Sign(m.secret, body))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("callback failed", "path", path, "error", err)
		return
	}
	resp.Body.Close()
	m.logger.Info("callback delivered", "path", path, "status", resp.StatusCode)
}

func (m *mockServer) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"emails":   m.emails.Load(),
		"sms":      m.sms.Load(),
		"failures": m.failures.Load(),
		"total":    m.emails.Load() + m.sms.Load(),
	})
}
