package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/codesense/central/internal/adminauth"
	"github.com/codesense/central/internal/apierror"
)

// OperatorHandler handles the single operator login endpoint that mints
// the session token OperatorAuth middleware later verifies.
type OperatorHandler struct {
	gate *adminauth.Gate
}

// NewOperatorHandler creates a new OperatorHandler.
func NewOperatorHandler(gate *adminauth.Gate) *OperatorHandler {
	return &OperatorHandler{gate: gate}
}

// Login handles POST /api/v1/admin/login.
func (h *OperatorHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.gate.Login(req.Token)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	respondSuccess(w, map[string]string{"session": session})
}
