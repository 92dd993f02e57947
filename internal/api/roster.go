package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dennisdiepolder/handoff/internal/storage"
	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// RosterStore manages sector membership
type RosterStore interface {
	ListSectorAgents(ctx context.Context, sectorID string) ([]types.SectorAgent, error)
	SetSectorAgents(ctx context.Context, sectorID string, agentIDs []string) error
	RemoveSectorAgent(ctx context.Context, sectorID, agentID string) error
}

// RosterHandler handles the sector roster endpoints
type RosterHandler struct {
	store  RosterStore
	logger zerolog.Logger
}

// NewRosterHandler creates a new RosterHandler
func NewRosterHandler(store RosterStore, logger zerolog.Logger) *RosterHandler {
	return &RosterHandler{
		store:  store,
		logger: logger.With().Str("component", "roster").Logger(),
	}
}

// ListAgents handles GET /api/sectors/{sectorId}/agents
func (h *RosterHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	sectorID := chi.URLParam(r, "sectorId")

	agents, err := h.store.ListSectorAgents(r.Context(), sectorID)
	if err != nil {
		h.logger.Error().Err(err).Str("sector_id", sectorID).Msg("failed to list sector agents")
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	if agents == nil {
		agents = []types.SectorAgent{}
	}

	writeJSON(w, http.StatusOK, agents)
}

// SetAgents handles PUT /api/sectors/{sectorId}/agents with a JSON array of
// agent ids that replaces the membership
func (h *RosterHandler) SetAgents(w http.ResponseWriter, r *http.Request) {
	sectorID := chi.URLParam(r, "sectorId")
	if !canManageSector(w, r, sectorID) {
		return
	}

	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON, expected an array of agent ids")
		return
	}

	seen := make(map[string]bool, len(ids))
	roster := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		roster = append(roster, id)
	}

	if err := h.store.SetSectorAgents(r.Context(), sectorID, roster); err != nil {
		h.logger.Error().Err(err).Str("sector_id", sectorID).Msg("failed to set sector agents")
		writeError(w, http.StatusInternalServerError, "failed to update roster")
		return
	}

	h.logger.Info().Str("sector_id", sectorID).Int("registered", len(roster)).Msg("roster received")
	writeJSON(w, http.StatusOK, map[string]int{"registered": len(roster)})
}

// RemoveAgent handles DELETE /api/sectors/{sectorId}/agents/{agentId}
func (h *RosterHandler) RemoveAgent(w http.ResponseWriter, r *http.Request) {
	sectorID := chi.URLParam(r, "sectorId")
	agentID := chi.URLParam(r, "agentId")
	if !canManageSector(w, r, sectorID) {
		return
	}

	if err := h.store.RemoveSectorAgent(r.Context(), sectorID, agentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent is not a member of this sector")
			return
		}
		h.logger.Error().Err(err).
			Str("sector_id", sectorID).
			Str("agent_id", agentID).
			Msg("failed to remove sector agent")
		writeError(w, http.StatusInternalServerError, "failed to update roster")
		return
	}

	h.logger.Info().Str("sector_id", sectorID).Str("agent_id", agentID).Msg("agent removed from sector")
	w.WriteHeader(http.StatusNoContent)
}
