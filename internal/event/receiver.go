package event

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dennisdiepolder/handoff/internal/storage"
	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EscalationWriter creates escalation records
type EscalationWriter interface {
	CreateEscalation(ctx context.Context, esc types.Escalation) error
}

// Trigger starts an event-driven distribution for one escalation
type Trigger interface {
	Trigger(escalationID string)
}

// EscalationRequest is posted by the conversation bot when it hands a chat to a human
type EscalationRequest struct {
	ConversationID string `json:"conversationId"`
	SectorID       string `json:"sectorId"`
	Priority       int    `json:"priority"`
}

// Receiver accepts new escalations and kicks off their distribution
type Receiver struct {
	store    EscalationWriter
	trigger  Trigger
	now      func() time.Time
	logger   zerolog.Logger
	received int64
	rejected int64

	mu           sync.RWMutex
	lastReceived time.Time
}

// NewReceiver creates a new escalation receiver. trigger may be nil when
// only the scheduled runs should pick new escalations up.
func NewReceiver(store EscalationWriter, trigger Trigger, logger zerolog.Logger) *Receiver {
	return &Receiver{
		store:   store,
		trigger: trigger,
		now:     time.Now,
		logger:  logger.With().Str("component", "receiver").Logger(),
	}
}

// HandleEscalation handles POST /api/escalations
func (r *Receiver) HandleEscalation(w http.ResponseWriter, req *http.Request) {
	var body EscalationRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ConversationID == "" || body.SectorID == "" {
		writeError(w, http.StatusBadRequest, "conversationId and sectorId are required")
		return
	}

	now := r.now().UTC()
	esc := types.Escalation{
		ID:             uuid.New().String(),
		ConversationID: body.ConversationID,
		SectorID:       body.SectorID,
		Priority:       body.Priority,
		Status:         types.EscalationPending,
		CreatedAt:      now,
	}

	if err := r.store.CreateEscalation(req.Context(), esc); err != nil {
		if errors.Is(err, storage.ErrActiveEscalation) {
			atomic.AddInt64(&r.rejected, 1)
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		r.logger.Error().Err(err).Str("conversation_id", body.ConversationID).Msg("failed to create escalation")
		writeError(w, http.StatusInternalServerError, "failed to create escalation")
		return
	}

	count := atomic.AddInt64(&r.received, 1)
	r.mu.Lock()
	r.lastReceived = now
	r.mu.Unlock()

	r.logger.Info().
		Str("escalation_id", esc.ID).
		Str("conversation_id", esc.ConversationID).
		Str("sector_id", esc.SectorID).
		Int("priority", esc.Priority).
		Int64("total_received", count).
		Msg("escalation received")

	if r.trigger != nil {
		r.trigger.Trigger(esc.ID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(esc)
}

// GetStats returns receiver statistics
func (r *Receiver) GetStats(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	lastReceived := r.lastReceived
	r.mu.RUnlock()

	stats := map[string]interface{}{
		"escalations_received": atomic.LoadInt64(&r.received),
		"duplicates_rejected":  atomic.LoadInt64(&r.rejected),
		"last_received":        lastReceived,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
