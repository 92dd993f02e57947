package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/rs/zerolog"
)

// Runner is anything that can execute a distribution pass
type Runner interface {
	Distribute(ctx context.Context, req Request) (*types.DistributionResult, error)
}

// DistributionHandler handles HTTP requests that trigger a distribution pass
type DistributionHandler struct {
	runner Runner
	logger zerolog.Logger
}

// NewDistributionHandler creates a new DistributionHandler
func NewDistributionHandler(runner Runner, logger zerolog.Logger) *DistributionHandler {
	return &DistributionHandler{
		runner: runner,
		logger: logger.With().Str("component", "distribution_handler").Logger(),
	}
}

// errorResponse is the JSON body for a failed invocation
type errorResponse struct {
	Error string `json:"error"`
}

// HandleDistribute handles POST /api/escalations/distribute
func (h *DistributionHandler) HandleDistribute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	// An empty body is a plain batch run
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	result, err := h.runner.Distribute(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).
			Str("escalation_id", req.EscalationID).
			Str("sector_id", req.SectorID).
			Bool("process_all", req.ProcessAll).
			Msg("distribution failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
