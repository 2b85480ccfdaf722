package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fernhill/crmhooks/internal/models"
)

// Memory is a mutex-guarded in-memory Storage. It backs tests and the
// "memory" storage driver; it honors the same claim atomicity contract as
// the SQLite store within a single process.
type Memory struct {
	mu            sync.Mutex
	subscriptions map[string]*models.WebhookSubscription
	deliveries    map[string]*models.QueuedDelivery
	attempts      map[string][]models.DeliveryAttempt
	retrySchedule []time.Duration
}

func NewMemory(retrySchedule []time.Duration) *Memory {
	if len(retrySchedule) == 0 {
		retrySchedule = []time.Duration{30 * time.Second}
	}
	return &Memory{
		subscriptions: make(map[string]*models.WebhookSubscription),
		deliveries:    make(map[string]*models.QueuedDelivery),
		attempts:      make(map[string][]models.DeliveryAttempt),
		retrySchedule: retrySchedule,
	}
}

func (m *Memory) Migrate(ctx context.Context) error { return nil }
func (m *Memory) Close() error                      { return nil }

// --- Subscriptions ---

func (m *Memory) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subscriptions[sub.ID] = &cp
	return nil
}

func (m *Memory) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID string) ([]models.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var subs []models.WebhookSubscription
	for _, sub := range m.subscriptions {
		if sub.TenantID == tenantID {
			subs = append(subs, *sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
	return subs, nil
}

func (m *Memory) UpdateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.subscriptions[sub.ID]
	if !ok {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrNotFound)
	}
	existing.URL = sub.URL
	existing.Events = sub.Events
	existing.Headers = sub.Headers
	existing.Template = sub.Template
	existing.MaxRetries = sub.MaxRetries
	existing.TimeoutSeconds = sub.TimeoutSeconds
	existing.Active = sub.Active
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, id)
	return nil
}

func (m *Memory) ToggleSubscription(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	sub.Active = active
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID string, event models.EventType) ([]models.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var subs []models.WebhookSubscription
	for _, sub := range m.subscriptions {
		if sub.TenantID == tenantID && sub.Active && sub.Subscribed(event) {
			subs = append(subs, *sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
	return subs, nil
}

func (m *Memory) MarkDelivered(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[subscriptionID]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	sub.FailureCount = 0
	sub.LastTriggeredAt = &now
	sub.UpdatedAt = now
	return nil
}

func (m *Memory) IncrementFailureCount(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[subscriptionID]
	if !ok {
		return nil
	}
	sub.FailureCount++
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Deliveries ---

func (m *Memory) CreateDelivery(ctx context.Context, d *models.QueuedDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *Memory) GetDelivery(ctx context.Context, id string) (*models.QueuedDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ListDeliveries(ctx context.Context, tenantID string, status models.DeliveryStatus, limit, offset int) ([]models.QueuedDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var all []models.QueuedDelivery
	for _, d := range m.deliveries {
		if d.TenantID != tenantID {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		all = append(all, *d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *Memory) ClaimDueDeliveries(ctx context.Context, limit int) ([]models.QueuedDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var due []*models.QueuedDelivery
	for _, d := range m.deliveries {
		if d.Status == models.DeliveryPending && !d.NextAttemptAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	claimed := make([]models.QueuedDelivery, 0, len(due))
	for _, d := range due {
		d.Status = models.DeliveryProcessing
		d.UpdatedAt = now
		claimed = append(claimed, *d)
	}
	return claimed, nil
}

func (m *Memory) MarkCompleted(ctx context.Context, id string, attemptCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	d.Status = models.DeliveryCompleted
	d.AttemptCount = attemptCount
	d.LastError = ""
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ScheduleRetry(ctx context.Context, id string, attemptCount int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	idx := attemptCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(m.retrySchedule) {
		idx = len(m.retrySchedule) - 1
	}
	now := time.Now().UTC()
	d.Status = models.DeliveryPending
	d.AttemptCount = attemptCount
	d.NextAttemptAt = now.Add(m.retrySchedule[idx])
	d.LastError = errMsg
	d.UpdatedAt = now
	return nil
}

func (m *Memory) MarkDeadLetter(ctx context.Context, id string, attemptCount int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	d.Status = models.DeliveryDeadLetter
	d.AttemptCount = attemptCount
	d.LastError = errMsg
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MarkFailed(ctx context.Context, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	d.Status = models.DeliveryFailed
	d.LastError = errMsg
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) RetryDelivery(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if d.Status != models.DeliveryFailed && d.Status != models.DeliveryDeadLetter {
		return fmt.Errorf("cannot retry delivery %s in status %s: %w", id, d.Status, ErrInvalidTransition)
	}
	now := time.Now().UTC()
	d.Status = models.DeliveryPending
	d.NextAttemptAt = now
	d.LastError = ""
	d.UpdatedAt = now
	return nil
}

func (m *Memory) CancelDelivery(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if d.Status != models.DeliveryPending && d.Status != models.DeliveryFailed {
		return fmt.Errorf("cannot cancel delivery %s in status %s: %w", id, d.Status, ErrInvalidTransition)
	}
	delete(m.deliveries, id)
	delete(m.attempts, id)
	return nil
}

// --- Attempts ---

func (m *Memory) CreateAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.DeliveryID] = append(m.attempts[a.DeliveryID], *a)
	return nil
}

func (m *Memory) GetAttemptsByDelivery(ctx context.Context, deliveryID string) ([]models.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempts := append([]models.DeliveryAttempt(nil), m.attempts[deliveryID]...)
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].AttemptNumber < attempts[j].AttemptNumber })
	return attempts, nil
}

// --- Stats ---

func (m *Memory) QueueStats(ctx context.Context, tenantID string) (*QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &QueueStats{}
	for _, d := range m.deliveries {
		if d.TenantID != tenantID {
			continue
		}
		switch d.Status {
		case models.DeliveryPending:
			stats.Pending++
		case models.DeliveryProcessing:
			stats.Processing++
		case models.DeliveryCompleted:
			stats.Completed++
		case models.DeliveryFailed:
			stats.Failed++
		case models.DeliveryDeadLetter:
			stats.DeadLetter++
		}
		stats.TotalAttempts += int64(len(m.attempts[d.ID]))
	}
	for _, sub := range m.subscriptions {
		if sub.TenantID != tenantID {
			continue
		}
		stats.Subscriptions++
		if sub.Active {
			stats.ActiveSubs++
		}
	}
	return stats, nil
}
