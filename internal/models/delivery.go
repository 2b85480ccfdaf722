package models

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliveryCompleted  DeliveryStatus = "completed"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// QueuedDelivery is one (event, subscription) pair awaiting delivery.
// Payload holds the transformed, subscription-specific body; PayloadID is
// the canonical payload id carried in the X-Webhook-Id header.
// AttemptCount never exceeds MaxAttempts.
type QueuedDelivery struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	SubscriptionID string          `json:"subscription_id"`
	Event          EventType       `json:"event"`
	PayloadID      string          `json:"payload_id"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	Priority       int             `json:"priority"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DeliveryAttempt is an append-only log entry per HTTP attempt. StatusCode 0
// means the request never produced a response (timeout or network error).
type DeliveryAttempt struct {
	ID             string    `json:"id"`
	DeliveryID     string    `json:"delivery_id"`
	SubscriptionID string    `json:"subscription_id"`
	Event          EventType `json:"event"`
	AttemptNumber  int       `json:"attempt_number"`
	Success        bool      `json:"success"`
	StatusCode     int       `json:"status_code"`
	ResponseBody   string    `json:"response_body"`
	LatencyMs      int64     `json:"latency_ms"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
