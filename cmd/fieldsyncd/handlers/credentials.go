package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/relieflabs/fieldsync/internal/crypto"
	"github.com/relieflabs/fieldsync/internal/db"
	apperrors "github.com/relieflabs/fieldsync/internal/errors"
	"github.com/relieflabs/fieldsync/internal/models"
)

// CredentialHandler manages the remote gateway credential. The token
// is sealed before it touches disk and never returned to callers.
type CredentialHandler struct {
	store    *db.Store
	sealKey  string
	onUpdate func(endpoint, token string)
}

// NewCredentialHandler creates a new credential handler. onUpdate is
// invoked after a successful save so the running gateway can pick up
// the new endpoint without a restart; it may be nil.
func NewCredentialHandler(store *db.Store, sealKey string, onUpdate func(endpoint, token string)) *CredentialHandler {
	return &CredentialHandler{store: store, sealKey: sealKey, onUpdate: onUpdate}
}

type credentialResponse struct {
	Configured bool   `json:"configured"`
	Endpoint   string `json:"endpoint,omitempty"`
	UpdatedAt  int64  `json:"updated_at,omitempty"`
}

// Get handles GET /api/credentials. The token is never included.
func (h *CredentialHandler) Get(w http.ResponseWriter, r *http.Request) {
	cred, err := h.store.GetCredential()
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSyncNotConfigured) {
			writeJSON(w, http.StatusOK, credentialResponse{Configured: false})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, credentialResponse{
		Configured: true,
		Endpoint:   cred.Endpoint,
		UpdatedAt:  cred.UpdatedAt,
	})
}

type saveCredentialRequest struct {
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
}

// Save handles PUT /api/credentials.
func (h *CredentialHandler) Save(w http.ResponseWriter, r *http.Request) {
	var req saveCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}

	req.Endpoint = strings.TrimRight(strings.TrimSpace(req.Endpoint), "/")
	if req.Endpoint == "" || req.Token == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "endpoint and token are required"))
		return
	}
	u, err := url.Parse(req.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "endpoint must be an http(s) URL"))
		return
	}

	sealed, err := crypto.SealToken(req.Token, h.sealKey)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInternal, "failed to seal token", err))
		return
	}

	cred := &models.GatewayCredential{
		Endpoint:       req.Endpoint,
		TokenEncrypted: sealed,
	}
	if err := h.store.SaveCredential(cred); err != nil {
		writeError(w, err)
		return
	}

	if h.onUpdate != nil {
		h.onUpdate(req.Endpoint, req.Token)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}
