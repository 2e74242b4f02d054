// Package authstate coordinates provider health across worker processes.
// CLI-backed providers fail session-wide (the whole host loses access, not
// one job), so the failure state lives in Redis where every worker sees it.
//
// SETEX is the only mutation primitive: there is no lock, and stale
// unhealthiness expires on its own once the retry window plus a grace
// period has passed.
package authstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyAuthStatus  = "claude:auth:status"
	keyQuotaStatus = "claude:quota:status"
	keyLastCheck   = "claude:last:check"

	// Extra TTL beyond retry-after so observers can still read why the
	// provider was unhealthy shortly after the retry window opens.
	ttlGrace = 60 * time.Second

	DefaultAuthRetryAfter  = 5 * time.Minute
	DefaultQuotaRetryAfter = time.Hour
)

// Kind discriminates the two unhealthy states.
type Kind string

const (
	KindAuthFailed    Kind = "auth_failed"
	KindQuotaExceeded Kind = "quota_exceeded"
)

// Status is the JSON value stored under an unhealthy-state key.
type Status struct {
	Kind              Kind      `json:"kind"`
	Message           string    `json:"message"`
	SetAt             time.Time `json:"set_at"`
	RetryAt           time.Time `json:"retry_at"`
	RetryAfterSeconds int       `json:"retry_after_seconds"`

	// RetryInSeconds is computed at read time, never stored.
	RetryInSeconds int `json:"retry_in_seconds,omitempty"`
}

// Manager reads and writes the shared health state.
type Manager struct {
	rdb    *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates a state manager over an existing Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		rdb:    rdb,
		logger: logger.With("component", "authstate"),
		now:    time.Now,
	}
}

// SetAuthFailed marks the provider unauthenticated. A zero retryAfter uses
// the 5-minute default.
func (m *Manager) SetAuthFailed(ctx context.Context, message string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = DefaultAuthRetryAfter
	}
	m.logger.Warn("auth failed", "message", message, "retry_after", retryAfter)
	return m.setStatus(ctx, keyAuthStatus, KindAuthFailed, message, retryAfter)
}

// SetQuotaExceeded marks the provider rate-limited. A zero retryAfter uses
// the 1-hour default.
func (m *Manager) SetQuotaExceeded(ctx context.Context, message string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = DefaultQuotaRetryAfter
	}
	m.logger.Warn("quota exceeded", "message", message, "retry_after", retryAfter)
	return m.setStatus(ctx, keyQuotaStatus, KindQuotaExceeded, message, retryAfter)
}

func (m *Manager) setStatus(ctx context.Context, key string, kind Kind, message string, retryAfter time.Duration) error {
	now := m.now().UTC()
	status := Status{
		Kind:              kind,
		Message:           message,
		SetAt:             now,
		RetryAt:           now.Add(retryAfter),
		RetryAfterSeconds: int(retryAfter / time.Second),
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := m.rdb.SetEx(ctx, key, raw, retryAfter+ttlGrace).Err(); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// SetHealthy clears both unhealthy keys and records the check time.
func (m *Manager) SetHealthy(ctx context.Context) error {
	if err := m.rdb.Del(ctx, keyAuthStatus, keyQuotaStatus).Err(); err != nil {
		return fmt.Errorf("clear status keys: %w", err)
	}
	if err := m.rdb.Set(ctx, keyLastCheck, m.now().UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("write last check: %w", err)
	}
	return nil
}

// IsHealthy reports whether workers may execute jobs. When unhealthy, the
// returned status is the earliest-expiring one with RetryInSeconds filled in.
// A key whose retry-at has already passed counts as healthy even if the TTL
// has not expired yet.
func (m *Manager) IsHealthy(ctx context.Context) (bool, *Status, error) {
	now := m.now().UTC()
	var earliest *Status
	for _, key := range []string{keyAuthStatus, keyQuotaStatus} {
		raw, err := m.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return false, nil, fmt.Errorf("read %s: %w", key, err)
		}
		var status Status
		if err := json.Unmarshal([]byte(raw), &status); err != nil {
			m.logger.Warn("discarding unreadable status", "key", key, "error", err)
			continue
		}
		if !status.RetryAt.After(now) {
			continue // retry window open, treat as expired
		}
		if earliest == nil || status.RetryAt.Before(earliest.RetryAt) {
			s := status
			earliest = &s
		}
	}
	if earliest == nil {
		return true, nil, nil
	}
	retryIn := int(earliest.RetryAt.Sub(now) / time.Second)
	if retryIn < 0 {
		retryIn = 0
	}
	earliest.RetryInSeconds = retryIn
	return false, earliest, nil
}

// ShouldCheckAuth reports whether a worker should probe the provider now.
// No probing while unhealthy, and at most one probe per checkInterval.
func (m *Manager) ShouldCheckAuth(ctx context.Context, checkInterval time.Duration) (bool, error) {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	healthy, _, err := m.IsHealthy(ctx)
	if err != nil {
		return false, err
	}
	if !healthy {
		return false, nil
	}

	raw, err := m.rdb.Get(ctx, keyLastCheck).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read last check: %w", err)
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true, nil
	}
	return m.now().UTC().Sub(last) >= checkInterval, nil
}
