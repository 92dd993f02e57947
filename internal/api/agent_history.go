package api

import (
	"context"
	"net/http"

	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// WorkloadStore lists the escalations an agent currently holds
type WorkloadStore interface {
	ListAgentEscalations(ctx context.Context, agentID string) ([]types.Escalation, error)
}

// AgentHistoryHandler provides REST endpoints for an agent's workload
type AgentHistoryHandler struct {
	store  WorkloadStore
	logger zerolog.Logger
}

// NewAgentHistoryHandler creates a new AgentHistoryHandler
func NewAgentHistoryHandler(store WorkloadStore, logger zerolog.Logger) *AgentHistoryHandler {
	return &AgentHistoryHandler{
		store:  store,
		logger: logger.With().Str("component", "agent_history_handler").Logger(),
	}
}

// GetEscalations returns the escalations assigned to the agent
// GET /api/agents/{agentId}/escalations
func (h *AgentHistoryHandler) GetEscalations(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if !canActAsAgent(w, r, agentID) {
		return
	}

	escalations, err := h.store.ListAgentEscalations(r.Context(), agentID)
	if err != nil {
		h.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to list agent escalations")
		writeError(w, http.StatusInternalServerError, "failed to retrieve escalations")
		return
	}

	if escalations == nil {
		escalations = []types.Escalation{}
	}

	writeJSON(w, http.StatusOK, escalations)
}
