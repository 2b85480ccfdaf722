package storage

import (
	"context"
	"errors"

	"github.com/fernhill/crmhooks/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a manual retry or cancel is
	// requested from a status the operation does not accept.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Storage is the persisted queue and subscription store. ClaimDueDeliveries
// is the concurrency-safety boundary of the whole pipeline: it must move due
// pending rows to processing atomically so that concurrent processor
// invocations, in-process or distributed, never receive the same row.
type Storage interface {
	// Subscriptions
	CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]models.WebhookSubscription, error)
	UpdateSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	DeleteSubscription(ctx context.Context, id string) error
	ToggleSubscription(ctx context.Context, id string, active bool) error
	GetSubscriptionsForEvent(ctx context.Context, tenantID string, event models.EventType) ([]models.WebhookSubscription, error)

	// Rolling delivery stats on the subscription row.
	MarkDelivered(ctx context.Context, subscriptionID string) error
	IncrementFailureCount(ctx context.Context, subscriptionID string) error

	// Deliveries
	CreateDelivery(ctx context.Context, d *models.QueuedDelivery) error
	GetDelivery(ctx context.Context, id string) (*models.QueuedDelivery, error)
	ListDeliveries(ctx context.Context, tenantID string, status models.DeliveryStatus, limit, offset int) ([]models.QueuedDelivery, error)
	ClaimDueDeliveries(ctx context.Context, limit int) ([]models.QueuedDelivery, error)
	MarkCompleted(ctx context.Context, id string, attemptCount int) error
	// ScheduleRetry owns backoff: it places next_attempt_at from its retry
	// schedule and returns the row to pending.
	ScheduleRetry(ctx context.Context, id string, attemptCount int, errMsg string) error
	MarkDeadLetter(ctx context.Context, id string, attemptCount int, errMsg string) error
	MarkFailed(ctx context.Context, id string, errMsg string) error

	// Administrative transitions. RetryDelivery accepts failed/dead_letter
	// only and keeps attempt_count; CancelDelivery accepts pending/failed
	// only and hard-deletes the row. Both return ErrInvalidTransition
	// otherwise.
	RetryDelivery(ctx context.Context, id string) error
	CancelDelivery(ctx context.Context, id string) error

	// Attempts
	CreateAttempt(ctx context.Context, a *models.DeliveryAttempt) error
	GetAttemptsByDelivery(ctx context.Context, deliveryID string) ([]models.DeliveryAttempt, error)

	// Stats
	QueueStats(ctx context.Context, tenantID string) (*QueueStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type QueueStats struct {
	Pending       int64 `json:"pending"`
	Processing    int64 `json:"processing"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	DeadLetter    int64 `json:"dead_letter"`
	TotalAttempts int64 `json:"total_attempts"`
	Subscriptions int64 `json:"subscriptions"`
	ActiveSubs    int64 `json:"active_subscriptions"`
}
