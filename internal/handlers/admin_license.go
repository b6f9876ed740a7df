package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/codesense/central/internal/apierror"
	"github.com/codesense/central/internal/keystore"
	"github.com/codesense/central/internal/licenseconfig"
	"github.com/codesense/central/internal/licensestore"
	"github.com/codesense/central/internal/localstore"
	"github.com/codesense/central/internal/models"
)

// licenseStore is the subset of *licensestore.Store this handler calls,
// narrowed so tests can substitute a fake instead of wiring Postgres/Redis.
type licenseStore interface {
	Create(ctx context.Context, client models.Client, limits models.Limits, expiry time.Time) (*models.License, error)
	Get(ctx context.Context, id uuid.UUID) (*models.License, error)
	List(ctx context.Context, limit, offset int) ([]models.License, error)
	Update(ctx context.Context, id uuid.UUID, patch licensestore.Patch) (*models.License, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
}

// localLookup is the subset of *localstore.Store this handler calls.
type localLookup interface {
	GetByLicense(ctx context.Context, licenseID uuid.UUID) (*models.Local, error)
}

// AdminLicenseHandler exposes the operator-facing license management
// surface: create, list, patch, revoke, and the signed config export.
// Every route behind this handler is gated by OperatorAuth middleware.
type AdminLicenseHandler struct {
	licenses licenseStore
	locals   localLookup
	keys     *keystore.Store
}

// NewAdminLicenseHandler creates a new AdminLicenseHandler.
func NewAdminLicenseHandler(licenses *licensestore.Store, locals *localstore.Store, keys *keystore.Store) *AdminLicenseHandler {
	return &AdminLicenseHandler{licenses: licenses, locals: locals, keys: keys}
}

// Create handles POST /api/v1/admin/licenses.
func (h *AdminLicenseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Client struct {
			Name         string `json:"name"`
			ContactEmail string `json:"contact_email"`
		} `json:"client"`
		Limits struct {
			Scans int `json:"scans"`
			Users int `json:"users"`
		} `json:"limits"`
		Expiry time.Time `json:"expiry"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Client.Name == "" || req.Expiry.IsZero() {
		respondError(w, http.StatusBadRequest, "client.name and expiry are required")
		return
	}

	client := models.Client{Name: req.Client.Name, ContactEmail: req.Client.ContactEmail}
	limits := models.Limits{Scans: req.Limits.Scans, Users: req.Limits.Users}

	lic, err := h.licenses.Create(r.Context(), client, limits, req.Expiry)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	respondCreated(w, lic)
}

// List handles GET /api/v1/admin/licenses.
func (h *AdminLicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	licenses, err := h.licenses.List(r.Context(), limit, offset)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	respondSuccess(w, map[string]interface{}{"licenses": licenses, "limit": limit, "offset": offset})
}

// Get handles GET /api/v1/admin/licenses/{id}.
func (h *AdminLicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseLicenseID(w, r)
	if !ok {
		return
	}

	lic, err := h.licenses.Get(r.Context(), id)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	respondSuccess(w, lic)
}

// Patch handles PATCH /api/v1/admin/licenses/{id}: a partial update of
// client, limits, expiry, and/or status.
func (h *AdminLicenseHandler) Patch(w http.ResponseWriter, r *http.Request) {
	id, ok := parseLicenseID(w, r)
	if !ok {
		return
	}

	var req struct {
		Client *struct {
			Name         string `json:"name"`
			ContactEmail string `json:"contact_email"`
		} `json:"client"`
		Limits *struct {
			Scans int `json:"scans"`
			Users int `json:"users"`
		} `json:"limits"`
		Expiry *time.Time `json:"expiry"`
		Status *string    `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	patch := licensestore.Patch{Expiry: req.Expiry, Status: req.Status}
	if req.Client != nil {
		patch.Client = &models.Client{Name: req.Client.Name, ContactEmail: req.Client.ContactEmail}
	}
	if req.Limits != nil {
		patch.Limits = &models.Limits{Scans: req.Limits.Scans, Users: req.Limits.Users}
	}

	lic, err := h.licenses.Update(r.Context(), id, patch)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	respondSuccess(w, lic)
}

// Revoke handles POST /api/v1/admin/licenses/{id}/revoke.
func (h *AdminLicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := parseLicenseID(w, r)
	if !ok {
		return
	}

	if err := h.licenses.SetStatus(r.Context(), id, models.StatusRevoked); err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	respondSuccess(w, map[string]string{"message": "license revoked"})
}

// ExportConfig handles GET /api/v1/admin/licenses/{id}/config: the signed
// license-config bundle an operator hands to a client out of band.
func (h *AdminLicenseHandler) ExportConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := parseLicenseID(w, r)
	if !ok {
		return
	}

	lic, err := h.licenses.Get(r.Context(), id)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	bundle, err := licenseconfig.Build(h.keys, lic, time.Now().UTC())
	if err != nil {
		apierror.WriteJSON(w, apierror.Wrap(apierror.KeyMaterialMissing, "failed to build license config", err))
		return
	}

	respondSuccess(w, bundle)
}

// Local returns the Local instance currently bound to a license, if any.
func (h *AdminLicenseHandler) Local(w http.ResponseWriter, r *http.Request) {
	id, ok := parseLicenseID(w, r)
	if !ok {
		return
	}

	local, err := h.locals.GetByLicense(r.Context(), id)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	respondSuccess(w, local)
}

func parseLicenseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid license id")
		return uuid.Nil, false
	}
	return id, true
}
