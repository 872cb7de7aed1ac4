package handlers

import (
	"net/http"

	"github.com/relieflabs/fieldsync/internal/services"
	"github.com/relieflabs/fieldsync/internal/sync/scheduler"
)

// SyncHandler exposes manual sync triggers and scheduler status.
type SyncHandler struct {
	service   *services.MutationService
	scheduler *scheduler.Scheduler
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(service *services.MutationService, sched *scheduler.Scheduler) *SyncHandler {
	return &SyncHandler{service: service, scheduler: sched}
}

// ForceSync handles POST /api/sync. It runs a full drain and blocks
// until the drain finishes, returning the report.
func (h *SyncHandler) ForceSync(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.ForceSync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// Status handles GET /api/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.GetStatus())
}
