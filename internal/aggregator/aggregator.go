package aggregator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dennisdiepolder/handoff/internal/alerts"
	"github.com/dennisdiepolder/handoff/internal/cache"
	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/rs/zerolog"
)

// Broadcaster fans a message out to supervisor clients
type Broadcaster interface {
	Broadcast(message []byte)
	ClientCount() int
}

// Aggregator turns the presence tracker into periodic supervisor snapshots
type Aggregator struct {
	tracker  *cache.PresenceTracker
	hub      Broadcaster
	interval time.Duration
	logger   zerolog.Logger
}

// NewAggregator creates a new aggregator
func NewAggregator(tracker *cache.PresenceTracker, hub Broadcaster, interval time.Duration, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		tracker:  tracker,
		hub:      hub,
		interval: interval,
		logger:   logger.With().Str("component", "aggregator").Logger(),
	}
}

// Start broadcasts a snapshot every interval until ctx is cancelled
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info().Dur("interval", a.interval).Msg("aggregator started")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("aggregator stopped")
			return

		case now := <-ticker.C:
			a.Publish(now)
		}
	}
}

// Publish sends one snapshot. Nothing is built while no supervisor is watching.
func (a *Aggregator) Publish(now time.Time) {
	if a.hub.ClientCount() == 0 {
		return
	}

	snapshot := BuildSnapshot(a.tracker.GetAll(), now)
	data, err := json.Marshal(snapshot)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to marshal presence snapshot")
		return
	}
	a.hub.Broadcast(data)

	a.logger.Debug().
		Int("total_agents", len(snapshot.Agents)).
		Int("clients", a.hub.ClientCount()).
		Msg("presence snapshot broadcasted")
}

// BuildSnapshot summarizes tracker entries and evaluates alert rules
func BuildSnapshot(entries []cache.AgentEntry, now time.Time) types.PresenceSnapshot {
	snapshot := types.PresenceSnapshot{
		Type:      "presence_snapshot",
		Timestamp: now,
		Summary:   make(map[types.PresenceStatus]int),
		Agents:    make([]types.AgentSnapshot, 0, len(entries)),
	}
	for _, e := range entries {
		snapshot.Summary[e.Status]++
		snapshot.Agents = append(snapshot.Agents, types.AgentSnapshot{
			AgentID:     e.AgentID,
			Status:      e.Status,
			StatusSince: e.StatusSince,
			LastSeen:    e.LastSeen,
			Connected:   e.Connected,
		})
	}
	alerts.CheckAgentAlerts(snapshot.Agents, now)
	return snapshot
}
