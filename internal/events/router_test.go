package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fernhill/crmhooks/internal/delivery"
	"github.com/fernhill/crmhooks/internal/models"
	"github.com/fernhill/crmhooks/internal/storage"
)

func newTestRouter(store storage.Storage, syncFallback bool) *Router {
	sender := delivery.NewSender(2*time.Second, 1024)
	return NewRouter(store, sender, syncFallback, zerolog.Nop())
}

func addSubscription(t *testing.T, store storage.Storage, tenantID string, url string, events []models.EventType, template json.RawMessage) *models.WebhookSubscription {
	t.Helper()
	now := time.Now().UTC()
	sub := &models.WebhookSubscription{
		ID:             models.NewID("sub"),
		TenantID:       tenantID,
		URL:            url,
		Secret:         "whsec_test",
		Events:         events,
		Template:       template,
		MaxRetries:     2,
		TimeoutSeconds: 2,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func TestRouteMutationUnmappedIsNoOp(t *testing.T) {
	store := storage.NewMemory(nil)
	addSubscription(t, store, "t1", "http://example.invalid", []models.EventType{models.EventBookingCreated}, nil)
	r := newTestRouter(store, false)

	// booking.update has no table entry; this is "nothing to notify", not an error.
	r.RouteMutation(context.Background(), Mutation{
		TenantID:   "t1",
		EntityType: models.EntityBooking,
		Operation:  models.OpUpdate,
		Entity:     map[string]any{"id": "b1"},
	})

	deliveries, _ := store.ListDeliveries(context.Background(), "t1", "", 10, 0)
	if len(deliveries) != 0 {
		t.Fatalf("expected no deliveries, got %d", len(deliveries))
	}
}

func TestZeroSubscribersMeansNoInsertAndNoHTTP(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := storage.NewMemory(nil)
	// Subscribed to a different event type entirely.
	addSubscription(t, store, "t1", srv.URL, []models.EventType{models.EventAccountCreated}, nil)
	r := newTestRouter(store, true)

	err := r.RaiseEvent(context.Background(), "t1", models.EventDealStageChanged, models.EntityDeal,
		map[string]any{"id": "d1", "stage": "negotiation"}, map[string]any{"previous_stage": "qualified"})
	if err != nil {
		t.Fatalf("RaiseEvent: %v", err)
	}

	deliveries, _ := store.ListDeliveries(context.Background(), "t1", "", 10, 0)
	if len(deliveries) != 0 {
		t.Fatalf("expected no queue inserts, got %d", len(deliveries))
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no HTTP calls, got %d", hits.Load())
	}
}

func TestRouteMutationEnqueuesPerSubscriber(t *testing.T) {
	store := storage.NewMemory(nil)
	sub := addSubscription(t, store, "t1", "http://example.invalid", []models.EventType{models.EventAccountCreated}, nil)
	addSubscription(t, store, "t1", "http://other.invalid", []models.EventType{models.EventAccountCreated}, nil)
	r := newTestRouter(store, false)

	r.RouteMutation(context.Background(), Mutation{
		TenantID:   "t1",
		EntityType: models.EntityAccount,
		Operation:  models.OpCreate,
		EntityID:   "a1",
		Entity:     map[string]any{"id": "a1", "name": "Acme"},
	})

	deliveries, _ := store.ListDeliveries(context.Background(), "t1", "", 10, 0)
	if len(deliveries) != 2 {
		t.Fatalf("expected one delivery per subscriber, got %d", len(deliveries))
	}
	for _, d := range deliveries {
		if d.Status != models.DeliveryPending {
			t.Errorf("status = %s, want pending", d.Status)
		}
		if d.MaxAttempts != sub.MaxAttempts() {
			t.Errorf("max_attempts = %d, want %d", d.MaxAttempts, sub.MaxAttempts())
		}
		if d.Event != models.EventAccountCreated {
			t.Errorf("event = %s", d.Event)
		}

		var payload models.WebhookPayload
		if err := json.Unmarshal(d.Payload, &payload); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if payload.ID != d.PayloadID {
			t.Errorf("payload id %s != delivery payload_id %s", payload.ID, d.PayloadID)
		}
		if payload.Data.EntityID != "a1" {
			t.Errorf("entity_id = %s", payload.Data.EntityID)
		}
		if payload.Data.Changes != nil {
			t.Errorf("create operation must not carry a diff, got %v", payload.Data.Changes)
		}
	}
}

func TestRouteMutationUpdateCarriesDiff(t *testing.T) {
	store := storage.NewMemory(nil)
	addSubscription(t, store, "t1", "http://example.invalid", []models.EventType{models.EventDealUpdated}, nil)
	r := newTestRouter(store, false)

	r.RouteMutation(context.Background(), Mutation{
		TenantID:   "t1",
		EntityType: models.EntityDeal,
		Operation:  models.OpUpdate,
		EntityID:   "d1",
		Entity:     map[string]any{"id": "d1", "stage": "won", "amount": float64(100), "updated_at": "2026-03-01"},
		Previous:   map[string]any{"id": "d1", "stage": "negotiation", "amount": float64(100), "updated_at": "2026-02-01"},
	})

	deliveries, _ := store.ListDeliveries(context.Background(), "t1", "", 10, 0)
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(deliveries[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Data.Previous == nil {
		t.Error("update payload should carry the previous snapshot")
	}
	if len(payload.Data.Changes) != 1 || payload.Data.Changes["stage"] != "won" {
		t.Errorf("changes = %v, want only the stage key", payload.Data.Changes)
	}
}

func TestSubscriberTemplateTransformsQueuedPayload(t *testing.T) {
	store := storage.NewMemory(nil)
	template := json.RawMessage(`{"deal":"{{data.entity_id}}","event":"{{event}}"}`)
	addSubscription(t, store, "t1", "http://example.invalid", []models.EventType{models.EventDealWon}, template)
	r := newTestRouter(store, false)

	if err := r.RaiseEvent(context.Background(), "t1", models.EventDealWon, models.EntityDeal,
		map[string]any{"id": "d9"}, nil); err != nil {
		t.Fatal(err)
	}

	deliveries, _ := store.ListDeliveries(context.Background(), "t1", "", 10, 0)
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}

	var got map[string]string
	if err := json.Unmarshal(deliveries[0].Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got["deal"] != "d9" || got["event"] != "deal.won" {
		t.Fatalf("transformed payload = %v", got)
	}
}

func TestRaiseEventRejectsUnknownType(t *testing.T) {
	r := newTestRouter(storage.NewMemory(nil), false)
	err := r.RaiseEvent(context.Background(), "t1", "deal.imploded", models.EntityDeal, map[string]any{"id": "d1"}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown event type")
	}
}

// brokenQueueStore simulates a store whose delivery insert fails while the
// rest of the surface still works, to exercise the inline fallback.
type brokenQueueStore struct {
	*storage.Memory
	mu       sync.Mutex
	attempts []models.DeliveryAttempt
}

func (b *brokenQueueStore) CreateDelivery(ctx context.Context, d *models.QueuedDelivery) error {
	return errors.New("queue store unavailable")
}

func (b *brokenQueueStore) CreateAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	b.mu.Lock()
	b.attempts = append(b.attempts, *a)
	b.mu.Unlock()
	return b.Memory.CreateAttempt(ctx, a)
}

func TestEnqueueFailureFallsBackToInlineDelivery(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &brokenQueueStore{Memory: storage.NewMemory(nil)}
	sub := addSubscription(t, store.Memory, "t1", srv.URL, []models.EventType{models.EventLeadConverted}, nil)
	r := newTestRouter(store, true)

	if err := r.RaiseEvent(context.Background(), "t1", models.EventLeadConverted, models.EntityLead,
		map[string]any{"id": "l1"}, nil); err != nil {
		t.Fatal(err)
	}

	if hits.Load() != 1 {
		t.Fatalf("expected exactly one inline delivery, got %d", hits.Load())
	}
	if len(store.attempts) != 1 {
		t.Fatalf("expected one recorded attempt, got %d", len(store.attempts))
	}
	if !store.attempts[0].Success || store.attempts[0].AttemptNumber != 1 {
		t.Fatalf("unexpected attempt record: %+v", store.attempts[0])
	}

	got, _ := store.Memory.GetSubscription(context.Background(), sub.ID)
	if got.LastTriggeredAt == nil {
		t.Error("inline success should stamp last_triggered_at")
	}
}

// brokenSQLiteQueue fails delivery inserts against the real SQLite store,
// remembering the id the router tried to enqueue.
type brokenSQLiteQueue struct {
	*storage.SQLiteStorage
	mu             sync.Mutex
	lastDeliveryID string
}

func (b *brokenSQLiteQueue) CreateDelivery(ctx context.Context, d *models.QueuedDelivery) error {
	b.mu.Lock()
	b.lastDeliveryID = d.ID
	b.mu.Unlock()
	return errors.New("queue store unavailable")
}

func TestInlineFallbackRecordsAttemptOnSQLite(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	base, err := storage.NewSQLite(filepath.Join(t.TempDir(), "crmhooks.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer base.Close()
	if err := base.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	store := &brokenSQLiteQueue{SQLiteStorage: base}
	addSubscription(t, base, "t1", srv.URL, []models.EventType{models.EventLeadConverted}, nil)
	r := newTestRouter(store, true)

	if err := r.RaiseEvent(context.Background(), "t1", models.EventLeadConverted, models.EntityLead,
		map[string]any{"id": "l1"}, nil); err != nil {
		t.Fatal(err)
	}

	if hits.Load() != 1 {
		t.Fatalf("expected exactly one inline delivery, got %d", hits.Load())
	}

	store.mu.Lock()
	deliveryID := store.lastDeliveryID
	store.mu.Unlock()
	attempts, err := base.GetAttemptsByDelivery(context.Background(), deliveryID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 {
		t.Fatalf("inline attempt must land in the attempt log, got %d rows", len(attempts))
	}
	if !attempts[0].Success || attempts[0].AttemptNumber != 1 {
		t.Fatalf("unexpected attempt record: %+v", attempts[0])
	}
}

func TestEnqueueFailureWithoutFallbackDropsQuietly(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := &brokenQueueStore{Memory: storage.NewMemory(nil)}
	addSubscription(t, store.Memory, "t1", srv.URL, []models.EventType{models.EventLeadConverted}, nil)
	r := newTestRouter(store, false)

	if err := r.RaiseEvent(context.Background(), "t1", models.EventLeadConverted, models.EntityLead,
		map[string]any{"id": "l1"}, nil); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 0 {
		t.Fatalf("fallback disabled: expected no HTTP calls, got %d", hits.Load())
	}
}
