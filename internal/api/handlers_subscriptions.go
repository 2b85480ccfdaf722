package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fernhill/crmhooks/internal/models"
	"github.com/fernhill/crmhooks/internal/storage"
)

type SubscriptionHandler struct {
	store storage.Storage
}

func NewSubscriptionHandler(store storage.Storage) *SubscriptionHandler {
	return &SubscriptionHandler{store: store}
}

type createSubscriptionRequest struct {
	URL            string             `json:"url"`
	Events         []models.EventType `json:"events"`
	Headers        map[string]string  `json:"headers"`
	Template       json.RawMessage    `json:"template"`
	MaxRetries     int                `json:"max_retries"`
	TimeoutSeconds int                `json:"timeout_seconds"`
}

func validateSubscriptionRequest(req *createSubscriptionRequest) string {
	if req.URL == "" {
		return "url is required"
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "url must be a valid HTTP or HTTPS URL"
	}
	for _, e := range req.Events {
		if !e.Valid() {
			return "unknown event type: " + string(e)
		}
	}
	if req.MaxRetries < 0 {
		return "max_retries must not be negative"
	}
	if req.TimeoutSeconds < 0 {
		return "timeout_seconds must not be negative"
	}
	return ""
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())

	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateSubscriptionRequest(&req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	now := time.Now().UTC()
	sub := &models.WebhookSubscription{
		ID:             models.NewID("sub"),
		TenantID:       tenant,
		URL:            req.URL,
		Secret:         models.NewSecret(),
		Events:         req.Events,
		Headers:        req.Headers,
		Template:       req.Template,
		MaxRetries:     req.MaxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if sub.Events == nil {
		sub.Events = []models.EventType{}
	}
	if sub.MaxRetries == 0 {
		sub.MaxRetries = 3
	}
	if sub.TimeoutSeconds == 0 {
		sub.TimeoutSeconds = 30
	}

	if err := h.store.CreateSubscription(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil || sub.TenantID != TenantFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListSubscriptions(r.Context(), TenantFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []models.WebhookSubscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil || sub.TenantID != TenantFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}

	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateSubscriptionRequest(&req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	sub.URL = req.URL
	if req.Events != nil {
		sub.Events = req.Events
	}
	sub.Headers = req.Headers
	sub.Template = req.Template
	sub.MaxRetries = req.MaxRetries
	sub.TimeoutSeconds = req.TimeoutSeconds
	if sub.MaxRetries == 0 {
		sub.MaxRetries = 3
	}
	if sub.TimeoutSeconds == 0 {
		sub.TimeoutSeconds = 30
	}

	if err := h.store.UpdateSubscription(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil || sub.TenantID != TenantFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}

	if err := h.store.DeleteSubscription(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SubscriptionHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil || sub.TenantID != TenantFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}

	newActive := !sub.Active
	if err := h.store.ToggleSubscription(r.Context(), id, newActive); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to toggle subscription")
		return
	}

	sub.Active = newActive
	writeJSON(w, http.StatusOK, sub)
}
