package api

import (
	"encoding/json"
	"net/http"

	"github.com/fernhill/crmhooks/internal/events"
	"github.com/fernhill/crmhooks/internal/models"
)

// EventHandler is the HTTP intake for collaborators that report entity
// changes or raise domain events over the wire. Routing outcomes are
// best-effort: the caller gets 202 once the request is accepted, not a
// delivery receipt.
type EventHandler struct {
	router *events.Router
}

func NewEventHandler(router *events.Router) *EventHandler {
	return &EventHandler{router: router}
}

const maxEventBody = 256 * 1024 // 256KB

type mutationRequest struct {
	EntityType models.EntityType `json:"entity_type"`
	Operation  models.Operation  `json:"operation"`
	EntityID   string            `json:"entity_id"`
	Entity     map[string]any    `json:"entity"`
	Previous   map[string]any    `json:"previous"`
	Metadata   map[string]any    `json:"metadata"`
}

func (h *EventHandler) Mutate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBody)
	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EntityType == "" || req.Operation == "" {
		writeError(w, http.StatusBadRequest, "entity_type and operation are required")
		return
	}
	if req.Entity == nil {
		writeError(w, http.StatusBadRequest, "entity is required")
		return
	}

	h.router.RouteMutation(r.Context(), events.Mutation{
		TenantID:   TenantFromContext(r.Context()),
		EntityType: req.EntityType,
		Operation:  req.Operation,
		EntityID:   req.EntityID,
		Entity:     req.Entity,
		Previous:   req.Previous,
		Metadata:   req.Metadata,
	})

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type raiseEventRequest struct {
	Event      models.EventType  `json:"event"`
	EntityType models.EntityType `json:"entity_type"`
	Entity     map[string]any    `json:"entity"`
	Metadata   map[string]any    `json:"metadata"`
}

func (h *EventHandler) Raise(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBody)
	var req raiseEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Entity == nil {
		writeError(w, http.StatusBadRequest, "entity is required")
		return
	}

	if err := h.router.RaiseEvent(r.Context(), TenantFromContext(r.Context()), req.Event, req.EntityType, req.Entity, req.Metadata); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
