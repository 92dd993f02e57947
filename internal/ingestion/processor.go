package ingestion

import (
	"context"
	"time"

	"github.com/dennisdiepolder/handoff/internal/cache"
	"github.com/dennisdiepolder/handoff/internal/metrics"
	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/rs/zerolog"
)

// PresenceProcessor implements EventProcessor by updating the in-memory
// tracker and writing status changes through to the store. Heartbeats that
// do not change the status only refresh the tracker.
type PresenceProcessor struct {
	tracker    *cache.PresenceTracker
	store      PresenceWriter
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewPresenceProcessor creates a new PresenceProcessor
func NewPresenceProcessor(tracker *cache.PresenceTracker, store PresenceWriter, staleAfter time.Duration, logger zerolog.Logger) *PresenceProcessor {
	return &PresenceProcessor{
		tracker:    tracker,
		store:      store,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With().Str("component", "presence").Logger(),
	}
}

// SetClock overrides the processor clock
func (p *PresenceProcessor) SetClock(now func() time.Time) {
	p.now = now
}

func (p *PresenceProcessor) ProcessRegister(ctx context.Context, reg *types.AgentRegister) {
	status := reg.Status
	if !status.Valid() {
		status = types.PresenceOnline
	}

	now := p.now()
	p.tracker.Register(reg.AgentID, status, now)
	p.write(ctx, reg.AgentID, status, now)

	p.logger.Debug().
		Str("agent_id", reg.AgentID).
		Str("status", string(status)).
		Msg("agent registered")
}

func (p *PresenceProcessor) ProcessHeartbeat(ctx context.Context, hb *types.AgentHeartbeat) {
	now := p.now()

	if !hb.Status.Valid() {
		// Status-less heartbeat keeps the current status
		entry, ok := p.tracker.Get(hb.AgentID)
		if !ok {
			return
		}
		p.tracker.Touch(hb.AgentID, entry.Status, now)
		return
	}

	previous, known := p.tracker.Touch(hb.AgentID, hb.Status, now)
	if !known || previous != hb.Status {
		p.write(ctx, hb.AgentID, hb.Status, now)
	}
}

func (p *PresenceProcessor) ProcessStatusChange(ctx context.Context, sc *types.AgentStatusChange) {
	if !sc.NewStatus.Valid() {
		p.logger.Debug().
			Str("agent_id", sc.AgentID).
			Str("status", string(sc.NewStatus)).
			Msg("ignoring invalid presence status")
		return
	}

	now := p.now()
	previous, _ := p.tracker.Touch(sc.AgentID, sc.NewStatus, now)
	p.write(ctx, sc.AgentID, sc.NewStatus, now)

	p.logger.Debug().
		Str("agent_id", sc.AgentID).
		Str("prev_status", string(previous)).
		Str("new_status", string(sc.NewStatus)).
		Msg("agent status change")
}

func (p *PresenceProcessor) ProcessDisconnect(ctx context.Context, agentID string) {
	now := p.now()
	p.tracker.SetDisconnected(agentID, now)
	p.write(ctx, agentID, types.PresenceOffline, now)

	p.logger.Debug().Str("agent_id", agentID).Msg("agent offline")
}

// SweepStale marks agents with no heartbeat within staleAfter as offline
func (p *PresenceProcessor) SweepStale(ctx context.Context) int {
	now := p.now()
	expired := p.tracker.ExpireStale(now.Add(-p.staleAfter), now)
	for _, agentID := range expired {
		p.write(ctx, agentID, types.PresenceOffline, now)
	}

	if len(expired) > 0 {
		p.logger.Info().
			Int("count", len(expired)).
			Strs("agent_ids", expired).
			Msg("expired stale agents")
	}
	return len(expired)
}

func (p *PresenceProcessor) write(ctx context.Context, agentID string, status types.PresenceStatus, at time.Time) {
	if err := p.store.SetAgentPresence(ctx, agentID, status, at); err != nil {
		p.logger.Error().Err(err).
			Str("agent_id", agentID).
			Str("status", string(status)).
			Msg("failed to persist presence")
		return
	}
	metrics.Get().RecordPresenceUpdate(status)
}
