package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fernhill/crmhooks/internal/config"
	"github.com/fernhill/crmhooks/internal/models"
	"github.com/fernhill/crmhooks/internal/signing"
	"github.com/fernhill/crmhooks/internal/storage"
)

func testProcessor(store storage.Storage) *Processor {
	return NewProcessor(config.DeliveryConfig{
		BatchSize:      10,
		Workers:        4,
		DefaultTimeout: 2 * time.Second,
		MaxBodyBytes:   1024,
	}, store, zerolog.Nop())
}

// immediateRetries makes rescheduled items due again right away so a test
// can drive the full retry ladder with consecutive batch runs.
func immediateRetries() []time.Duration {
	return []time.Duration{0}
}

func seedSubscription(t *testing.T, store storage.Storage, url string, maxRetries int, headers map[string]string) *models.WebhookSubscription {
	t.Helper()
	now := time.Now().UTC()
	sub := &models.WebhookSubscription{
		ID:             models.NewID("sub"),
		TenantID:       "t1",
		URL:            url,
		Secret:         "whsec_test",
		Events:         []models.EventType{models.EventDealWon},
		Headers:        headers,
		MaxRetries:     maxRetries,
		TimeoutSeconds: 2,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	return sub
}

func seedDelivery(t *testing.T, store storage.Storage, sub *models.WebhookSubscription, body string) *models.QueuedDelivery {
	t.Helper()
	now := time.Now().UTC()
	d := &models.QueuedDelivery{
		ID:             models.NewID("qd"),
		TenantID:       "t1",
		SubscriptionID: sub.ID,
		Event:          models.EventDealWon,
		PayloadID:      models.NewID("evt"),
		Payload:        json.RawMessage(body),
		Status:         models.DeliveryPending,
		MaxAttempts:    sub.MaxAttempts(),
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateDelivery(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestProcessBatchSuccess(t *testing.T) {
	type seen struct {
		signature  string
		timestamp  string
		id         string
		event      string
		retryCount string
		custom     string
		body       []byte
	}
	var got seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = seen{
			signature:  r.Header.Get("X-Webhook-Signature"),
			timestamp:  r.Header.Get("X-Webhook-Timestamp"),
			id:         r.Header.Get("X-Webhook-Id"),
			event:      r.Header.Get("X-Webhook-Event"),
			retryCount: r.Header.Get("X-Webhook-Retry-Count"),
			custom:     r.Header.Get("X-Team"),
			body:       body,
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := storage.NewMemory(immediateRetries())
	sub := seedSubscription(t, store, srv.URL, 2, map[string]string{
		"X-Team": "integrations",
		// A custom header must never shadow the reserved set.
		"X-Webhook-Event": "spoofed.event",
	})
	d := seedDelivery(t, store, sub, `{"id":"evt_1","event":"deal.won"}`)

	p := testProcessor(store)
	res, err := p.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Processed != 1 || res.Succeeded != 1 {
		t.Fatalf("result = %+v", res)
	}

	if !signing.Verify(sub.Secret, got.body, got.signature) {
		t.Errorf("signature %q does not verify over transmitted bytes %s", got.signature, got.body)
	}
	if got.id != d.PayloadID {
		t.Errorf("X-Webhook-Id = %q, want %q", got.id, d.PayloadID)
	}
	if got.event != "deal.won" {
		t.Errorf("X-Webhook-Event = %q, custom header must not override it", got.event)
	}
	if got.retryCount != "0" {
		t.Errorf("X-Webhook-Retry-Count = %q, want 0 on first attempt", got.retryCount)
	}
	if got.timestamp == "" {
		t.Error("missing X-Webhook-Timestamp")
	}
	if got.custom != "integrations" {
		t.Errorf("custom header X-Team = %q", got.custom)
	}

	updated, _ := store.GetDelivery(context.Background(), d.ID)
	if updated.Status != models.DeliveryCompleted || updated.AttemptCount != 1 {
		t.Fatalf("delivery after success: status=%s attempts=%d", updated.Status, updated.AttemptCount)
	}

	subAfter, _ := store.GetSubscription(context.Background(), sub.ID)
	if subAfter.FailureCount != 0 || subAfter.LastTriggeredAt == nil {
		t.Fatalf("subscription stats not updated: %+v", subAfter)
	}
}

func TestProcessBatchRetriesUntilDeadLetter(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := storage.NewMemory(immediateRetries())
	sub := seedSubscription(t, store, srv.URL, 2, nil) // max_attempts = 3
	d := seedDelivery(t, store, sub, `{"id":"evt_1"}`)

	p := testProcessor(store)
	for i := 0; i < 3; i++ {
		if _, err := p.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
	}

	if hits.Load() != 3 {
		t.Fatalf("expected exactly 3 HTTP attempts, got %d", hits.Load())
	}

	updated, _ := store.GetDelivery(context.Background(), d.ID)
	if updated.Status != models.DeliveryDeadLetter {
		t.Fatalf("status = %s, want dead_letter", updated.Status)
	}
	if updated.AttemptCount != 3 {
		t.Fatalf("attempt_count = %d, want 3", updated.AttemptCount)
	}
	if updated.AttemptCount > updated.MaxAttempts {
		t.Fatalf("attempt_count %d exceeds max_attempts %d", updated.AttemptCount, updated.MaxAttempts)
	}

	subAfter, _ := store.GetSubscription(context.Background(), sub.ID)
	if subAfter.FailureCount != 1 {
		t.Fatalf("failure_count = %d, want exactly 1 (incremented at terminal failure only)", subAfter.FailureCount)
	}

	attempts, _ := store.GetAttemptsByDelivery(context.Background(), d.ID)
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempt rows, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.AttemptNumber != i+1 || a.Success || a.StatusCode != http.StatusInternalServerError {
			t.Errorf("attempt %d: %+v", i, a)
		}
	}

	// Dead-lettered items stay put on further runs.
	res, _ := p.ProcessBatch(context.Background())
	if res.Processed != 0 {
		t.Fatalf("dead-lettered item was reclaimed: %+v", res)
	}
}

func TestProcessBatchIdempotentWhenQueueDrained(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := storage.NewMemory(immediateRetries())
	sub := seedSubscription(t, store, srv.URL, 2, nil)
	seedDelivery(t, store, sub, `{"id":"evt_1"}`)

	p := testProcessor(store)
	first, err := p.ProcessBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first.Processed != 1 {
		t.Fatalf("first run: %+v", first)
	}

	second, err := p.ProcessBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second.Processed != 0 {
		t.Fatalf("second run with no due items must process zero, got %+v", second)
	}
}

func TestMissingSubscriptionDeadLettersWithoutHTTP(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := storage.NewMemory(immediateRetries())
	sub := seedSubscription(t, store, srv.URL, 2, nil)
	d := seedDelivery(t, store, sub, `{"id":"evt_1"}`)
	if err := store.DeleteSubscription(context.Background(), sub.ID); err != nil {
		t.Fatal(err)
	}

	p := testProcessor(store)
	res, err := p.ProcessBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.DeadLetters != 1 {
		t.Fatalf("result = %+v", res)
	}
	if hits.Load() != 0 {
		t.Fatalf("no HTTP attempt expected against a deleted subscription, got %d", hits.Load())
	}

	updated, _ := store.GetDelivery(context.Background(), d.ID)
	if updated.Status != models.DeliveryDeadLetter {
		t.Fatalf("status = %s, want dead_letter", updated.Status)
	}
	if updated.AttemptCount != 0 {
		t.Fatalf("attempt_count = %d, no attempt was made", updated.AttemptCount)
	}
	if updated.LastError == "" {
		t.Fatal("expected a descriptive error on the dead-lettered row")
	}
}

func TestInactiveSubscriptionMarksFailed(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := storage.NewMemory(immediateRetries())
	sub := seedSubscription(t, store, srv.URL, 2, nil)
	d := seedDelivery(t, store, sub, `{"id":"evt_1"}`)
	if err := store.ToggleSubscription(context.Background(), sub.ID, false); err != nil {
		t.Fatal(err)
	}

	p := testProcessor(store)
	res, err := p.ProcessBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if hits.Load() != 0 {
		t.Fatalf("no HTTP attempt expected against an inactive subscription, got %d", hits.Load())
	}

	updated, _ := store.GetDelivery(context.Background(), d.ID)
	if updated.Status != models.DeliveryFailed {
		t.Fatalf("status = %s, want failed", updated.Status)
	}
}

func TestTimeoutTreatedAsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(1500 * time.Millisecond)
	}))
	defer srv.Close()

	store := storage.NewMemory(immediateRetries())
	sub := seedSubscription(t, store, srv.URL, 2, nil)
	sub.TimeoutSeconds = 1
	if err := store.UpdateSubscription(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	d := seedDelivery(t, store, sub, `{"id":"evt_1"}`)

	p := testProcessor(store)
	res, err := p.ProcessBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Retried != 1 {
		t.Fatalf("result = %+v", res)
	}

	attempts, _ := store.GetAttemptsByDelivery(context.Background(), d.ID)
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	if attempts[0].StatusCode != 0 {
		t.Errorf("timeout must leave status code 0, got %d", attempts[0].StatusCode)
	}
	if attempts[0].Error == "" {
		t.Error("timeout attempt must carry the error message")
	}
}

func TestReentrancyGuardSkipsOverlappingRun(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := storage.NewMemory(immediateRetries())
	sub := seedSubscription(t, store, srv.URL, 2, nil)
	seedDelivery(t, store, sub, `{"id":"evt_1"}`)

	p := testProcessor(store)
	done := make(chan BatchResult)
	go func() {
		res, _ := p.ProcessBatch(context.Background())
		done <- res
	}()

	// Wait for the first run to be mid-flight.
	deadline := time.After(2 * time.Second)
	for !p.running.Load() {
		select {
		case <-deadline:
			t.Fatal("first batch never started")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	overlap, err := p.ProcessBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if overlap.Processed != 0 {
		t.Fatalf("overlapping run must be skipped, got %+v", overlap)
	}

	close(release)
	first := <-done
	if first.Succeeded != 1 {
		t.Fatalf("first run: %+v", first)
	}
}
