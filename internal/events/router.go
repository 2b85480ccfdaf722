package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fernhill/crmhooks/internal/delivery"
	"github.com/fernhill/crmhooks/internal/models"
	"github.com/fernhill/crmhooks/internal/storage"
)

// eventTable maps generic CRUD mutations to event types. Domain events
// (deal.won, lead.converted, ...) never appear here; they are raised
// through RaiseEvent only.
var eventTable = map[models.EntityType]map[models.Operation]models.EventType{
	models.EntityAccount: {
		models.OpCreate: models.EventAccountCreated,
		models.OpUpdate: models.EventAccountUpdated,
		models.OpDelete: models.EventAccountDeleted,
	},
	models.EntityContact: {
		models.OpCreate: models.EventContactCreated,
		models.OpUpdate: models.EventContactUpdated,
		models.OpDelete: models.EventContactDeleted,
	},
	models.EntityLead: {
		models.OpCreate: models.EventLeadCreated,
		models.OpUpdate: models.EventLeadUpdated,
		models.OpDelete: models.EventLeadDeleted,
	},
	models.EntityDeal: {
		models.OpCreate: models.EventDealCreated,
		models.OpUpdate: models.EventDealUpdated,
		models.OpDelete: models.EventDealDeleted,
	},
	models.EntityCampaign: {
		models.OpCreate: models.EventCampaignCreated,
		models.OpUpdate: models.EventCampaignUpdated,
		models.OpDelete: models.EventCampaignDeleted,
	},
	models.EntityBooking: {
		models.OpCreate: models.EventBookingCreated,
	},
}

// EventFor resolves a (entityType, operation) pair against the static
// table. The second return is false when the pair produces no notification.
func EventFor(entityType models.EntityType, op models.Operation) (models.EventType, bool) {
	ops, ok := eventTable[entityType]
	if !ok {
		return "", false
	}
	event, ok := ops[op]
	return event, ok
}

// Mutation is one entity change reported by the CRM storage layer.
type Mutation struct {
	TenantID   string
	EntityType models.EntityType
	Operation  models.Operation
	EntityID   string
	Entity     map[string]any
	Previous   map[string]any
	Metadata   map[string]any
}

// Router converts entity mutations into queued deliveries. Failures are
// absorbed and logged; the mutation that triggered the event must never
// fail because notification infrastructure is degraded.
type Router struct {
	store        storage.Storage
	sender       *delivery.Sender
	log          zerolog.Logger
	syncFallback bool
}

func NewRouter(store storage.Storage, sender *delivery.Sender, syncFallback bool, log zerolog.Logger) *Router {
	return &Router{
		store:        store,
		sender:       sender,
		log:          log,
		syncFallback: syncFallback,
	}
}

// RouteMutation queues one delivery per subscribed webhook for a CRUD
// mutation. Unmapped (entityType, operation) pairs are a no-op.
func (r *Router) RouteMutation(ctx context.Context, m Mutation) {
	event, ok := EventFor(m.EntityType, m.Operation)
	if !ok {
		r.log.Debug().
			Str("entity_type", string(m.EntityType)).
			Str("operation", string(m.Operation)).
			Msg("no event mapping, nothing to notify")
		return
	}

	payload := &models.WebhookPayload{
		ID:        models.NewID("evt"),
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data: models.PayloadData{
			EntityType: string(m.EntityType),
			EntityID:   entityID(m),
			Entity:     m.Entity,
		},
		Metadata: m.Metadata,
	}
	if m.Operation == models.OpUpdate {
		payload.Data.Previous = m.Previous
		payload.Data.Changes = Diff(m.Previous, m.Entity)
	}

	r.dispatch(ctx, m.TenantID, payload)
}

// RaiseEvent is the direct API for hand-raised domain events such as
// deal.stage_changed or lead.converted. Unlike RouteMutation it returns an
// error for an unknown event type, since the caller asked for that event
// by name.
func (r *Router) RaiseEvent(ctx context.Context, tenantID string, event models.EventType, entityType models.EntityType, entity map[string]any, metadata map[string]any) error {
	if !event.Valid() {
		return fmt.Errorf("unknown event type %q", event)
	}

	payload := &models.WebhookPayload{
		ID:        models.NewID("evt"),
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data: models.PayloadData{
			EntityType: string(entityType),
			EntityID:   idFromEntity(entity),
			Entity:     entity,
		},
		Metadata: metadata,
	}

	r.dispatch(ctx, tenantID, payload)
	return nil
}

func (r *Router) dispatch(ctx context.Context, tenantID string, payload *models.WebhookPayload) {
	log := r.log.With().Str("payload_id", payload.ID).Str("event", string(payload.Event)).Logger()

	subs, err := r.store.GetSubscriptionsForEvent(ctx, tenantID, payload.Event)
	if err != nil {
		log.Error().Err(err).Msg("subscriber lookup failed")
		return
	}
	if len(subs) == 0 {
		log.Debug().Msg("no subscribers")
		return
	}

	now := time.Now().UTC()
	for i := range subs {
		sub := &subs[i]

		body, err := r.subscriberBody(sub, payload)
		if err != nil {
			log.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to build subscriber payload")
			continue
		}

		qd := &models.QueuedDelivery{
			ID:             models.NewID("qd"),
			TenantID:       tenantID,
			SubscriptionID: sub.ID,
			Event:          payload.Event,
			PayloadID:      payload.ID,
			Payload:        body,
			Status:         models.DeliveryPending,
			AttemptCount:   0,
			MaxAttempts:    sub.MaxAttempts(),
			NextAttemptAt:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if err := r.store.CreateDelivery(ctx, qd); err != nil {
			log.Error().Err(err).Str("subscription_id", sub.ID).Msg("enqueue failed")
			if r.syncFallback {
				r.deliverInline(ctx, sub, qd)
			}
			continue
		}
		log.Debug().Str("delivery_id", qd.ID).Str("subscription_id", sub.ID).Msg("delivery queued")
	}
}

// subscriberBody returns the bytes this subscription will receive: the
// template-transformed payload, or the canonical payload verbatim.
func (r *Router) subscriberBody(sub *models.WebhookSubscription, payload *models.WebhookPayload) (json.RawMessage, error) {
	if len(sub.Template) > 0 {
		return ApplyTemplate(sub.Template, payload)
	}
	return json.Marshal(payload)
}

// deliverInline is the degraded path when the queue store is unavailable:
// a single synchronous attempt, recorded directly, never retried and never
// re-enqueued.
func (r *Router) deliverInline(ctx context.Context, sub *models.WebhookSubscription, qd *models.QueuedDelivery) {
	log := r.log.With().Str("delivery_id", qd.ID).Str("subscription_id", sub.ID).Logger()
	log.Warn().Msg("falling back to inline delivery")

	result := r.sender.Send(ctx, sub, qd.PayloadID, qd.Event, 0, qd.Payload)

	attempt := &models.DeliveryAttempt{
		ID:             models.NewID("att"),
		DeliveryID:     qd.ID,
		SubscriptionID: sub.ID,
		Event:          qd.Event,
		AttemptNumber:  1,
		Success:        result.Success(),
		StatusCode:     result.StatusCode,
		ResponseBody:   result.ResponseBody,
		LatencyMs:      result.LatencyMs,
		Error:          result.Error,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.CreateAttempt(ctx, attempt); err != nil {
		log.Error().Err(err).Msg("failed to record inline attempt")
	}

	if result.Success() {
		if err := r.store.MarkDelivered(ctx, sub.ID); err != nil {
			log.Error().Err(err).Msg("failed to update subscription stats")
		}
		log.Info().Int("status_code", result.StatusCode).Msg("inline delivery succeeded")
		return
	}

	if err := r.store.IncrementFailureCount(ctx, sub.ID); err != nil {
		log.Error().Err(err).Msg("failed to increment failure count")
	}
	log.Warn().Str("reason", result.Describe()).Msg("inline delivery failed, notification dropped")
}

func entityID(m Mutation) string {
	if m.EntityID != "" {
		return m.EntityID
	}
	return idFromEntity(m.Entity)
}

func idFromEntity(entity map[string]any) string {
	if id, ok := entity["id"].(string); ok {
		return id
	}
	return ""
}
