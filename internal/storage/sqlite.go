package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fernhill/crmhooks/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
	// retrySchedule drives next_attempt_at placement in ScheduleRetry.
	// Attempts past the end of the schedule reuse the last delay.
	retrySchedule []time.Duration
}

func NewSQLite(path string, retrySchedule []time.Duration) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if len(retrySchedule) == 0 {
		retrySchedule = []time.Duration{30 * time.Second}
	}
	return &SQLiteStorage{db: db, retrySchedule: retrySchedule}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT NOT NULL,
			events TEXT NOT NULL DEFAULT '[]',
			headers TEXT NOT NULL DEFAULT '{}',
			template TEXT,
			max_retries INTEGER NOT NULL DEFAULT 3,
			timeout_seconds INTEGER NOT NULL DEFAULT 30,
			active INTEGER NOT NULL DEFAULT 1,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_triggered_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			event TEXT NOT NULL,
			payload_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 4,
			priority INTEGER NOT NULL DEFAULT 0,
			next_attempt_at DATETIME NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		// No foreign key on delivery_id: inline fallback attempts reference
		// a delivery whose queue insert failed, so the row does not exist.
		`CREATE TABLE IF NOT EXISTS attempts (
			id TEXT PRIMARY KEY,
			delivery_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			event TEXT NOT NULL,
			attempt_number INTEGER NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_tenant ON subscriptions(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_tenant ON deliveries(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(status, next_attempt_at) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_delivery ON attempts(delivery_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Subscriptions ---

const subscriptionColumns = `id, tenant_id, url, secret, events, headers, template, max_retries, timeout_seconds, active, failure_count, last_triggered_at, created_at, updated_at`

func (s *SQLiteStorage) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	events, _ := json.Marshal(sub.Events)
	headers, _ := json.Marshal(sub.Headers)
	var template sql.NullString
	if len(sub.Template) > 0 {
		template = sql.NullString{String: string(sub.Template), Valid: true}
	}
	active := 0
	if sub.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.TenantID, sub.URL, sub.Secret, string(events), string(headers), template,
		sub.MaxRetries, sub.TimeoutSeconds, active, sub.FailureCount, sub.LastTriggeredAt,
		sub.CreatedAt, sub.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) scanSubscription(row interface{ Scan(...interface{}) error }) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	var events, headers string
	var template sql.NullString
	var lastTriggered sql.NullTime
	var active int
	err := row.Scan(&sub.ID, &sub.TenantID, &sub.URL, &sub.Secret, &events, &headers, &template,
		&sub.MaxRetries, &sub.TimeoutSeconds, &active, &sub.FailureCount, &lastTriggered,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(events), &sub.Events)
	json.Unmarshal([]byte(headers), &sub.Headers)
	if template.Valid {
		sub.Template = json.RawMessage(template.String)
	}
	if lastTriggered.Valid {
		t := lastTriggered.Time
		sub.LastTriggeredAt = &t
	}
	sub.Active = active == 1
	return &sub, nil
}

func (s *SQLiteStorage) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	sub, err := s.scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

func (s *SQLiteStorage) ListSubscriptions(ctx context.Context, tenantID string) ([]models.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		sub, err := s.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStorage) UpdateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	events, _ := json.Marshal(sub.Events)
	headers, _ := json.Marshal(sub.Headers)
	var template sql.NullString
	if len(sub.Template) > 0 {
		template = sql.NullString{String: string(sub.Template), Valid: true}
	}
	active := 0
	if sub.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET url = ?, events = ?, headers = ?, template = ?, max_retries = ?, timeout_seconds = ?, active = ?, updated_at = ? WHERE id = ?`,
		sub.URL, string(events), string(headers), template, sub.MaxRetries, sub.TimeoutSeconds, active, time.Now().UTC(), sub.ID,
	)
	return err
}

func (s *SQLiteStorage) DeleteSubscription(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	return err
}

func (s *SQLiteStorage) ToggleSubscription(ctx context.Context, id string, active bool) error {
	a := 0
	if active {
		a = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET active = ?, updated_at = ? WHERE id = ?`, a, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStorage) GetSubscriptionsForEvent(ctx context.Context, tenantID string, event models.EventType) ([]models.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = ? AND active = 1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		sub, err := s.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		if sub.Subscribed(event) {
			subs = append(subs, *sub)
		}
	}
	return subs, rows.Err()
}

func (s *SQLiteStorage) MarkDelivered(ctx context.Context, subscriptionID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET failure_count = 0, last_triggered_at = ?, updated_at = ? WHERE id = ?`,
		now, now, subscriptionID,
	)
	return err
}

func (s *SQLiteStorage) IncrementFailureCount(ctx context.Context, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET failure_count = failure_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), subscriptionID,
	)
	return err
}

// --- Deliveries ---

const deliveryColumns = `id, tenant_id, subscription_id, event, payload_id, payload, status, attempt_count, max_attempts, priority, next_attempt_at, last_error, created_at, updated_at`

func (s *SQLiteStorage) CreateDelivery(ctx context.Context, d *models.QueuedDelivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (`+deliveryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.SubscriptionID, d.Event, d.PayloadID, string(d.Payload), d.Status,
		d.AttemptCount, d.MaxAttempts, d.Priority, d.NextAttemptAt, d.LastError, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func scanDelivery(row interface{ Scan(...interface{}) error }) (*models.QueuedDelivery, error) {
	var d models.QueuedDelivery
	var payload string
	err := row.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.Event, &d.PayloadID, &payload, &d.Status,
		&d.AttemptCount, &d.MaxAttempts, &d.Priority, &d.NextAttemptAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Payload = json.RawMessage(payload)
	return &d, nil
}

func (s *SQLiteStorage) GetDelivery(ctx context.Context, id string) (*models.QueuedDelivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStorage) ListDeliveries(ctx context.Context, tenantID string, status models.DeliveryStatus, limit, offset int) ([]models.QueuedDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []models.QueuedDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

// ClaimDueDeliveries flips due pending rows to processing and returns them
// in one statement. The single-writer connection plus UPDATE..RETURNING
// makes the claim atomic: a row is handed to exactly one caller.
func (s *SQLiteStorage) ClaimDueDeliveries(ctx context.Context, limit int) ([]models.QueuedDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE deliveries SET status = 'processing', updated_at = ?
		 WHERE id IN (
			SELECT id FROM deliveries
			WHERE status = 'pending' AND next_attempt_at <= ?
			ORDER BY priority DESC, next_attempt_at ASC
			LIMIT ?
		 )
		 RETURNING `+deliveryColumns,
		time.Now().UTC(), time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []models.QueuedDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING yields rows in storage order, not the subquery's ORDER BY.
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].Priority != claimed[j].Priority {
			return claimed[i].Priority > claimed[j].Priority
		}
		return claimed[i].NextAttemptAt.Before(claimed[j].NextAttemptAt)
	})
	return claimed, nil
}

func (s *SQLiteStorage) MarkCompleted(ctx context.Context, id string, attemptCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = 'completed', attempt_count = ?, last_error = '', updated_at = ? WHERE id = ?`,
		attemptCount, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStorage) ScheduleRetry(ctx context.Context, id string, attemptCount int, errMsg string) error {
	idx := attemptCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.retrySchedule) {
		idx = len(s.retrySchedule) - 1
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = 'pending', attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		attemptCount, now.Add(s.retrySchedule[idx]), errMsg, now, id,
	)
	return err
}

func (s *SQLiteStorage) MarkDeadLetter(ctx context.Context, id string, attemptCount int, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = 'dead_letter', attempt_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		attemptCount, errMsg, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStorage) MarkFailed(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStorage) RetryDelivery(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = 'pending', next_attempt_at = ?, last_error = '', updated_at = ?
		 WHERE id = ? AND status IN ('failed', 'dead_letter')`,
		now, now, id,
	)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, "retry")
}

func (s *SQLiteStorage) CancelDelivery(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM deliveries WHERE id = ? AND status IN ('pending', 'failed')`, id)
	if err != nil {
		tx.Rollback()
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return err
	}
	if n == 0 {
		tx.Rollback()
		return s.checkTransition(ctx, res, id, "cancel")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE delivery_id = ?`, id); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) checkTransition(ctx context.Context, res sql.Result, id, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	d, err := s.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("cannot %s delivery %s in status %s: %w", op, id, d.Status, ErrInvalidTransition)
}

// --- Attempts ---

func (s *SQLiteStorage) CreateAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	success := 0
	if a.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, delivery_id, subscription_id, event, attempt_number, success, status_code, response_body, latency_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DeliveryID, a.SubscriptionID, a.Event, a.AttemptNumber, success, a.StatusCode,
		a.ResponseBody, a.LatencyMs, a.Error, a.CreatedAt,
	)
	return err
}

func (s *SQLiteStorage) GetAttemptsByDelivery(ctx context.Context, deliveryID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, delivery_id, subscription_id, event, attempt_number, success, status_code, response_body, latency_ms, error, created_at
		 FROM attempts WHERE delivery_id = ? ORDER BY attempt_number`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.DeliveryAttempt
	for rows.Next() {
		var a models.DeliveryAttempt
		var success int
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.SubscriptionID, &a.Event, &a.AttemptNumber, &success,
			&a.StatusCode, &a.ResponseBody, &a.LatencyMs, &a.Error, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Success = success == 1
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// --- Stats ---

func (s *SQLiteStorage) QueueStats(ctx context.Context, tenantID string) (*QueueStats, error) {
	stats := &QueueStats{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM deliveries WHERE tenant_id = ? GROUP BY status`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch models.DeliveryStatus(status) {
		case models.DeliveryPending:
			stats.Pending = count
		case models.DeliveryProcessing:
			stats.Processing = count
		case models.DeliveryCompleted:
			stats.Completed = count
		case models.DeliveryFailed:
			stats.Failed = count
		case models.DeliveryDeadLetter:
			stats.DeadLetter = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts a JOIN deliveries d ON a.delivery_id = d.id WHERE d.tenant_id = ?`,
		tenantID).Scan(&stats.TotalAttempts); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE tenant_id = ?`, tenantID).Scan(&stats.Subscriptions); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE tenant_id = ? AND active = 1`, tenantID).Scan(&stats.ActiveSubs); err != nil {
		return nil, err
	}

	return stats, nil
}
