package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dennisdiepolder/handoff/internal/ingestion"
	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Disconnector closes an agent's live socket
type Disconnector interface {
	ForceDisconnect(ctx context.Context, agentID string) bool
}

// AgentActionsHandler provides REST endpoints for agent presence actions
type AgentActionsHandler struct {
	hub       Disconnector
	processor ingestion.EventProcessor
	logger    zerolog.Logger
}

// NewAgentActionsHandler creates a new AgentActionsHandler
func NewAgentActionsHandler(hub Disconnector, processor ingestion.EventProcessor, logger zerolog.Logger) *AgentActionsHandler {
	return &AgentActionsHandler{
		hub:       hub,
		processor: processor,
		logger:    logger.With().Str("component", "agent_actions").Logger(),
	}
}

// SetPresence handles POST /api/agents/{agentId}/presence with {"status": ...}
func (h *AgentActionsHandler) SetPresence(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if !canActAsAgent(w, r, agentID) {
		return
	}

	var body struct {
		Status types.PresenceStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !body.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be one of online, away, busy, offline")
		return
	}

	h.processor.ProcessStatusChange(r.Context(), &types.AgentStatusChange{
		Type:      "status_change",
		AgentID:   agentID,
		NewStatus: body.Status,
		Timestamp: time.Now(),
	})

	h.logger.Info().
		Str("agent_id", agentID).
		Str("status", string(body.Status)).
		Msg("presence set via API")

	writeJSON(w, http.StatusOK, map[string]string{
		"agentId": agentID,
		"status":  string(body.Status),
	})
}

// Logout handles POST /api/agents/{agentId}/logout. The agent ends up
// offline whether or not a socket was open.
func (h *AgentActionsHandler) Logout(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if !canActAsAgent(w, r, agentID) {
		return
	}

	connected := h.hub.ForceDisconnect(r.Context(), agentID)
	if !connected {
		h.processor.ProcessDisconnect(r.Context(), agentID)
	}

	h.logger.Info().
		Str("agent_id", agentID).
		Bool("was_connected", connected).
		Msg("agent logged out via API")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":      "agent logged out",
		"agentId":      agentID,
		"wasConnected": connected,
	})
}
