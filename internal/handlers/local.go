package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/codesense/central/internal/apierror"
	"github.com/codesense/central/internal/attestation"
)

// attestationEngine is the subset of *attestation.Engine this handler
// calls, narrowed so tests can substitute a fake instead of wiring real
// storage.
type attestationEngine interface {
	Provision(ctx context.Context, licenseID uuid.UUID, localPubKeyPEM string, machineUUID string) (*attestation.ProvisionResult, error)
	RequestChallenge(ctx context.Context, licenseID uuid.UUID, localID, provisioningJWT string) (string, error)
	SubmitAssertion(ctx context.Context, licenseID uuid.UUID, localID, provisioningJWT, nonce, signedNonceB64 string, usageType string) (*attestation.AssertionResult, error)
}

// LocalHandler exposes the Local-facing provisioning/challenge/assertion
// handshake. It holds no state of its own beyond the engine.
type LocalHandler struct {
	engine attestationEngine
}

// NewLocalHandler creates a new LocalHandler.
func NewLocalHandler(engine *attestation.Engine) *LocalHandler {
	return &LocalHandler{engine: engine}
}

// Provision handles POST /local/provision/.
func (h *LocalHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LicenseID   string `json:"license_id"`
		PublicKey   string `json:"local_pubkey"`
		MachineUUID string `json:"machine_uuid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	licenseID, err := uuid.Parse(req.LicenseID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid license_id")
		return
	}

	result, err := h.engine.Provision(r.Context(), licenseID, req.PublicKey, req.MachineUUID)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	respondCreated(w, result)
}

// Challenge handles POST /local/challenge/.
func (h *LocalHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LicenseID       string `json:"license_id"`
		LocalID         string `json:"local_id"`
		ProvisioningJWT string `json:"provisioning_jwt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	licenseID, err := uuid.Parse(req.LicenseID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid license_id")
		return
	}

	nonce, err := h.engine.RequestChallenge(r.Context(), licenseID, req.LocalID, req.ProvisioningJWT)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	respondSuccess(w, map[string]string{"nonce": nonce})
}

// assertionRequest is the shared body shape of /local/assertion/ and its
// /local/update-usage/ alias.
type assertionRequest struct {
	LicenseID       string `json:"license_id"`
	LocalID         string `json:"local_id"`
	ProvisioningJWT string `json:"provisioning_jwt"`
	Nonce           string `json:"nonce"`
	SignedNonce     string `json:"signed_nonce"`
	UsageType       string `json:"usage_type"`
}

// Assertion handles POST /local/assertion/. /local/update-usage/ routes to
// the same handler: both submit a signed nonce, the only difference being
// that update-usage calls always carry a usage_type.
func (h *LocalHandler) Assertion(w http.ResponseWriter, r *http.Request) {
	var req assertionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	licenseID, err := uuid.Parse(req.LicenseID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid license_id")
		return
	}

	result, err := h.engine.SubmitAssertion(r.Context(), licenseID, req.LocalID, req.ProvisioningJWT, req.Nonce, req.SignedNonce, req.UsageType)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	respondSuccess(w, result)
}
