package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dennisdiepolder/handoff/internal/distribution"
	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// PolicyStore reads and writes per-sector distribution policies
type PolicyStore interface {
	GetDistributionPolicy(ctx context.Context, sectorID string) (*types.DistributionPolicy, error)
	UpsertDistributionPolicy(ctx context.Context, policy types.DistributionPolicy) error
}

// PolicyHandler serves the sector policy admin endpoints
type PolicyHandler struct {
	store  PolicyStore
	logger zerolog.Logger
}

// NewPolicyHandler creates a new PolicyHandler
func NewPolicyHandler(store PolicyStore, logger zerolog.Logger) *PolicyHandler {
	return &PolicyHandler{
		store:  store,
		logger: logger.With().Str("component", "policy_handler").Logger(),
	}
}

// GetPolicy handles GET /api/sectors/{sectorId}/policy. A sector without a
// policy row is reported as 404.
func (h *PolicyHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	sectorID := chi.URLParam(r, "sectorId")

	policy, err := h.store.GetDistributionPolicy(r.Context(), sectorID)
	if err != nil {
		h.logger.Error().Err(err).Str("sector_id", sectorID).Msg("failed to read policy")
		writeError(w, http.StatusInternalServerError, "failed to read policy")
		return
	}
	if policy == nil {
		writeError(w, http.StatusNotFound, "no distribution policy for sector")
		return
	}

	writeJSON(w, http.StatusOK, policy)
}

// PutPolicy handles PUT /api/sectors/{sectorId}/policy. Missing fields take
// their defaults before the write, so the stored row is what distribution sees.
func (h *PolicyHandler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	sectorID := chi.URLParam(r, "sectorId")
	if !canManageSector(w, r, sectorID) {
		return
	}

	var body struct {
		AutoAssignEnabled     bool           `json:"autoAssignEnabled"`
		Strategy              types.Strategy `json:"strategy"`
		MaxConcurrentPerAgent int            `json:"maxConcurrentPerAgent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	policy := types.DistributionPolicy{
		SectorID:              sectorID,
		AutoAssignEnabled:     body.AutoAssignEnabled,
		Strategy:              body.Strategy,
		MaxConcurrentPerAgent: body.MaxConcurrentPerAgent,
	}.Normalize()

	if _, err := distribution.StrategyFor(policy.Strategy); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.UpsertDistributionPolicy(r.Context(), policy); err != nil {
		h.logger.Error().Err(err).Str("sector_id", sectorID).Msg("failed to write policy")
		writeError(w, http.StatusInternalServerError, "failed to write policy")
		return
	}

	h.logger.Info().
		Str("sector_id", sectorID).
		Bool("auto_assign", policy.AutoAssignEnabled).
		Str("strategy", string(policy.Strategy)).
		Int("max_concurrent", policy.MaxConcurrentPerAgent).
		Msg("distribution policy updated")

	writeJSON(w, http.StatusOK, policy)
}
