package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/relieflabs/fieldsync/internal/errors"
	"github.com/relieflabs/fieldsync/internal/models"
	"github.com/relieflabs/fieldsync/internal/services"
)

// QueueHandler exposes the pending queue, dead letters and conflicts.
type QueueHandler struct {
	service *services.MutationService
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(service *services.MutationService) *QueueHandler {
	return &QueueHandler{service: service}
}

// Pending handles GET /api/queue.
func (h *QueueHandler) Pending(w http.ResponseWriter, r *http.Request) {
	ops, err := h.service.PendingOperations()
	if err != nil {
		writeError(w, err)
		return
	}
	if ops == nil {
		ops = []*models.PendingOperation{}
	}

	writeJSON(w, http.StatusOK, ops)
}

// Stats handles GET /api/queue/stats.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.QueueStats()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// DeadLetters handles GET /api/queue/dead-letters.
func (h *QueueHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	ops, err := h.service.DeadLettered()
	if err != nil {
		writeError(w, err)
		return
	}
	if ops == nil {
		ops = []*models.PendingOperation{}
	}

	writeJSON(w, http.StatusOK, ops)
}

// Retry handles POST /api/queue/dead-letters/{id}/retry.
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "operation id is required"))
		return
	}

	if err := h.service.Retry(r.Context(), models.UUID(id)); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// ClearDeadLetters handles DELETE /api/queue/dead-letters.
func (h *QueueHandler) ClearDeadLetters(w http.ResponseWriter, r *http.Request) {
	removed, err := h.service.ClearDeadLettered()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// Conflicts handles GET /api/conflicts.
func (h *QueueHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	log, err := h.service.ConflictLog()
	if err != nil {
		writeError(w, err)
		return
	}
	if log == nil {
		log = []*models.ConflictLog{}
	}

	writeJSON(w, http.StatusOK, log)
}

type resolveConflictRequest struct {
	Collection string `json:"collection"`
	DocumentID string `json:"document_id"`
}

// ResolveConflict handles POST /api/conflicts/resolve. It clears the
// conflicted flag on an entity after the user has reviewed it.
func (h *QueueHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	if req.Collection == "" || req.DocumentID == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "collection and document_id are required"))
		return
	}

	if err := h.service.ResolveConflict(req.Collection, req.DocumentID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
