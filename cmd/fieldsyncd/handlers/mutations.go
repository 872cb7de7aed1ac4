package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/relieflabs/fieldsync/internal/errors"
	"github.com/relieflabs/fieldsync/internal/models"
	"github.com/relieflabs/fieldsync/internal/services"
)

// MutationHandler handles mutation submission and entity reads.
type MutationHandler struct {
	service *services.MutationService
}

// NewMutationHandler creates a new mutation handler.
func NewMutationHandler(service *services.MutationService) *MutationHandler {
	return &MutationHandler{service: service}
}

type submitRequest struct {
	Kind       string                 `json:"kind"`
	Collection string                 `json:"collection"`
	DocumentID string                 `json:"document_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// Submit handles POST /api/mutations.
func (h *MutationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}

	kind := models.OperationKind(req.Kind)
	switch kind {
	case models.OperationCreate, models.OperationUpdate, models.OperationDelete:
	default:
		writeError(w, apperrors.New(apperrors.ErrInvalid, "kind must be create, update or delete"))
		return
	}

	result, err := h.service.Submit(r.Context(), kind, req.Collection, req.DocumentID, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

// GetEntity handles GET /api/entities/{collection}/{id}.
func (h *MutationHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	id := r.PathValue("id")

	entity, err := h.service.GetEntity(collection, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entity)
}

// ListEntities handles GET /api/entities/{collection}.
func (h *MutationHandler) ListEntities(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")

	entities, err := h.service.ListEntities(collection)
	if err != nil {
		writeError(w, err)
		return
	}
	if entities == nil {
		entities = []*models.Entity{}
	}

	writeJSON(w, http.StatusOK, entities)
}
