package handlers

import (
	"encoding/json"
	"net/http"
	"os"

	apperrors "github.com/relieflabs/fieldsync/internal/errors"
	"github.com/relieflabs/fieldsync/internal/export"
)

// ExportHandler drives snapshot archive creation and import.
type ExportHandler struct {
	service   *export.Service
	outputDir string
}

// NewExportHandler creates a new export handler. Archives land in
// outputDir.
func NewExportHandler(service *export.Service, outputDir string) *ExportHandler {
	return &ExportHandler{service: service, outputDir: outputDir}
}

// Export handles POST /api/export.
func (h *ExportHandler) Export(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Export(h.outputDir)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type importRequest struct {
	Path string `json:"path"`
}

// Import handles POST /api/import. The archive must already be on the
// local filesystem, the daemon serves a single local user.
func (h *ExportHandler) Import(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	if req.Path == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "path is required"))
		return
	}
	if _, err := os.Stat(req.Path); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrNotFound, "archive not found", err))
		return
	}

	result, err := h.service.Import(req.Path)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
