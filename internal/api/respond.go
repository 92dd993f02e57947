package api

import (
	"encoding/json"
	"net/http"

	"github.com/dennisdiepolder/handoff/internal/auth"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// canManageSector writes 403 and returns false when the caller may not
// change the sector. Requests without claims are let through, the auth
// middleware decides whether those exist at all.
func canManageSector(w http.ResponseWriter, r *http.Request, sectorID string) bool {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok || claims.CanManageSector(sectorID) {
		return true
	}
	writeError(w, http.StatusForbidden, "sector not managed by caller")
	return false
}

// canActAsAgent writes 403 and returns false when the caller may not act for the agent
func canActAsAgent(w http.ResponseWriter, r *http.Request, agentID string) bool {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok || claims.CanActAsAgent(agentID) {
		return true
	}
	writeError(w, http.StatusForbidden, "cannot act for this agent")
	return false
}
