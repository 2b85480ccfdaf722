package models

import (
	"encoding/json"
	"time"
)

// WebhookSubscription is a tenant-owned endpoint registration. The secret is
// used for HMAC signing only and is never sent to the subscriber.
type WebhookSubscription struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	URL             string            `json:"url"`
	Secret          string            `json:"secret,omitempty"`
	Events          []EventType       `json:"events"`
	Headers         map[string]string `json:"headers,omitempty"`
	Template        json.RawMessage   `json:"template,omitempty"`
	MaxRetries      int               `json:"max_retries"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	Active          bool              `json:"active"`
	FailureCount    int               `json:"failure_count"`
	LastTriggeredAt *time.Time        `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (s *WebhookSubscription) Subscribed(event EventType) bool {
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// MaxAttempts is the retry budget including the first attempt.
func (s *WebhookSubscription) MaxAttempts() int {
	return s.MaxRetries + 1
}

func (s *WebhookSubscription) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}
