package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sentinelsca/sca/internal/service"
)

// identityHandlers serves the agent identity registry's HTTP surface:
// registration, lookup, and revocation.
type identityHandlers struct {
	identity *service.IdentityService
}

func newIdentityHandlers(identity *service.IdentityService) *identityHandlers {
	return &identityHandlers{identity: identity}
}

func identityErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrIdentityNotFound), errors.Is(err, service.ErrAPIKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDuplicateName), errors.Is(err, service.ErrInvalidPublicKey):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrReadOnly):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// HandleRegister serves POST /api/v2/register: registers a new agent
// identity from its Ed25519 public key, idempotent on a repeat key.
func (h *identityHandlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var input service.RegisterAgentInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	entry, err := h.identity.RegisterAgent(r.Context(), input)
	if err != nil {
		writeJSON(w, identityErrorStatus(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// HandleGetAgent serves GET /api/v2/agent/{id}.
func (h *identityHandlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, err := h.identity.GetAgent(r.Context(), id)
	if err != nil {
		writeJSON(w, identityErrorStatus(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// revokeRequest is the POST /api/v2/revoke request body.
type revokeRequest struct {
	AgentID string `json:"agent_id"`
}

// HandleRevoke serves POST /api/v2/revoke: revokes an agent and every API
// key issued to it.
func (h *identityHandlers) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	revokedKeyHashes, err := h.identity.RevokeAgent(r.Context(), req.AgentID)
	if err != nil {
		writeJSON(w, identityErrorStatus(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		AgentID          string   `json:"agent_id"`
		RevokedKeyHashes []string `json:"revoked_key_hashes"`
	}{req.AgentID, revokedKeyHashes})
}
