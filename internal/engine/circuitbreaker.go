package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker tracks provider health in Redis so that every gateway
// instance stops calling a provider that keeps failing.
//
//   - Closed: sends proceed and consecutive failures are counted.
//   - Open: sends are refused until the cooldown elapses.
//   - Half-open: a probe send is allowed. Success closes, failure reopens.
type CircuitBreaker struct {
	redisClient      *redis.Client
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
}

// ProviderState is the breaker state reported for a provider.
type ProviderState struct {
	Provider     string `json:"provider"`
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

func NewCircuitBreaker(redisClient *redis.Client, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: 5,
		cooldownPeriod:   30 * time.Second,
	}
}

// WithThreshold overrides the failure count and cooldown. Zero values keep
// the defaults.
func (cb *CircuitBreaker) WithThreshold(failures int, cooldown time.Duration) *CircuitBreaker {
	if failures > 0 {
		cb.failureThreshold = failures
	}
	if cooldown > 0 {
		cb.cooldownPeriod = cooldown
	}
	return cb
}

func cbKey(provider string) string {
	return fmt.Sprintf("cb:provider:%s", provider)
}

func (cb *CircuitBreaker) cooledDown(lastFailedAt int64) bool {
	return time.Now().Unix()-lastFailedAt >= int64(cb.cooldownPeriod.Seconds())
}

// AllowRequest reports the provider's state and whether a send may proceed.
// Redis errors leave the circuit closed.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, provider string) (string, bool) {
	key := cbKey(provider)

	data, err := cb.redisClient.HGetAll(ctx, key).Result()
	if err != nil || len(data) == 0 {
		return StateClosed, true
	}

	switch data["state"] {
	case StateOpen:
		lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
		if !cb.cooledDown(lastFailedAt) {
			return StateOpen, false
		}
		cb.redisClient.HSet(ctx, key, "state", StateHalfOpen)
		cb.logger.Info("provider circuit half-open", "provider", provider)
		return StateHalfOpen, true

	case StateHalfOpen:
		return StateHalfOpen, true

	default:
		return StateClosed, true
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, provider string) {
	key := cbKey(provider)

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()
	if state == "" {
		return
	}

	cb.redisClient.HSet(ctx, key,
		"state", StateClosed,
		"failures", 0,
	)

	if state != StateClosed {
		cb.logger.Info("provider circuit closed", "provider", provider, "previous", state)
	}
}

// RecordFailure counts a failed send and opens the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, provider string) {
	key := cbKey(provider)

	failures, err := cb.redisClient.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		cb.logger.Error("failed to record provider failure", "provider", provider, "error", err)
		return
	}

	cb.redisClient.HSet(ctx, key, "last_failed_at", time.Now().Unix())

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()

	switch {
	case state == StateHalfOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("provider circuit re-opened", "provider", provider)
	case failures >= int64(cb.failureThreshold):
		if state != StateOpen {
			cb.logger.Warn("provider circuit opened",
				"provider", provider,
				"failures", failures,
				"threshold", cb.failureThreshold,
			)
		}
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
	case state == "":
		cb.redisClient.HSet(ctx, key, "state", StateClosed)
	}
}

// GetState returns the breaker state for a provider without changing it.
func (cb *CircuitBreaker) GetState(ctx context.Context, provider string) ProviderState {
	result := ProviderState{Provider: provider, State: StateClosed}

	data, err := cb.redisClient.HGetAll(ctx, cbKey(provider)).Result()
	if err != nil || len(data) == 0 {
		return result
	}

	result.Failures, _ = strconv.Atoi(data["failures"])
	if s := data["state"]; s != "" {
		result.State = s
	}

	lastFailed, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
	if result.State == StateOpen && cb.cooledDown(lastFailed) {
		result.State = StateHalfOpen
	}
	if lastFailed > 0 {
		result.LastFailedAt = time.Unix(lastFailed, 0).UTC().Format(time.RFC3339)
	}

	return result
}

// Reset forgets all recorded state for a provider.
func (cb *CircuitBreaker) Reset(ctx context.Context, provider string) error {
	if err := cb.redisClient.Del(ctx, cbKey(provider)).Err(); err != nil {
		return fmt.Errorf("resetting circuit for %s: %w", provider, err)
	}
	return nil
}
