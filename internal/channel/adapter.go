package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"golang.org/x/time/rate"
)

// ErrNotConfigured is returned by constructors missing provider credentials.
var ErrNotConfigured = errors.New("provider not configured")

// Message is a rendered notification addressed to one recipient.
type Message struct {
	NotificationID string
	To             string
	Subject        string
	HTML           string
	Text           string
	Attachments    []domain.Attachment
	// IdempotencyKey is stable across retries of the same notification attempt.
	IdempotencyKey string
}

// Adapter delivers a message through one provider and returns the
// provider's message ID.
type Adapter interface {
	Send(ctx context.Context, msg Message) (string, error)
	Name() string
	Channel() domain.Channel
}

// ProviderError is a non-2xx response from a provider API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether retrying may succeed.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func newLimiter(tps int) *rate.Limiter {
	if tps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(tps), 1)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// readBody reads at most 1KB of a response body.
func readBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 1024))
	return string(body)
}
