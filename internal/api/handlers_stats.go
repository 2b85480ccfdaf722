package api

import (
	"net/http"

	"github.com/fernhill/crmhooks/internal/storage"
)

type StatsHandler struct {
	store storage.Storage
}

func NewStatsHandler(store storage.Storage) *StatsHandler {
	return &StatsHandler{store: store}
}

func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "crmhooks",
	})
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.QueueStats(r.Context(), TenantFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
