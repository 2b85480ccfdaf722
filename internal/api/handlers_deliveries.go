package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fernhill/crmhooks/internal/models"
	"github.com/fernhill/crmhooks/internal/storage"
)

type DeliveryHandler struct {
	store storage.Storage
}

func NewDeliveryHandler(store storage.Storage) *DeliveryHandler {
	return &DeliveryHandler{store: store}
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	status := models.DeliveryStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	deliveries, err := h.store.ListDeliveries(r.Context(), TenantFromContext(r.Context()), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []models.QueuedDelivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if d == nil || d.TenantID != TenantFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeliveryHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if d == nil || d.TenantID != TenantFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}

	attempts, err := h.store.GetAttemptsByDelivery(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get attempts")
		return
	}
	if attempts == nil {
		attempts = []models.DeliveryAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

// Retry re-queues a failed or dead-lettered delivery. The attempt count is
// kept: a manually retried item still respects its original max_attempts
// ceiling.
func (h *DeliveryHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.store.RetryDelivery, "retried")
}

// Cancel hard-deletes a pending or failed delivery.
func (h *DeliveryHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.store.CancelDelivery, "cancelled")
}

func (h *DeliveryHandler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error, verb string) {
	id := chi.URLParam(r, "id")
	d, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if d == nil || d.TenantID != TenantFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}

	if err := op(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "delivery not found")
		default:
			writeError(w, http.StatusInternalServerError, "failed to update delivery")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": verb})
}
