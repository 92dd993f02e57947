package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/handoff/internal/types"
)

// AgentEntry is the in-memory view of one agent's presence
type AgentEntry struct {
	AgentID     string               `json:"agentId"`
	Status      types.PresenceStatus `json:"status"`
	StatusSince time.Time            `json:"statusSince"`
	LastSeen    time.Time            `json:"lastSeen"`
	Connected   bool                 `json:"connected"`
}

// PresenceTracker keeps the last known presence and heartbeat time of every
// agent that has talked to this instance
type PresenceTracker struct {
	agents map[string]*AgentEntry // agentID -> entry
	mu     sync.RWMutex
}

// NewPresenceTracker creates a new presence tracker
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		agents: make(map[string]*AgentEntry),
	}
}

// Register records a fresh connection. It returns the previous status
// (offline if the agent was unknown).
func (t *PresenceTracker) Register(agentID string, status types.PresenceStatus, now time.Time) types.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	previous := types.PresenceOffline
	since := now
	if existing, ok := t.agents[agentID]; ok {
		previous = existing.Status
		if existing.Status == status {
			since = existing.StatusSince
		}
	}

	t.agents[agentID] = &AgentEntry{
		AgentID:     agentID,
		Status:      status,
		StatusSince: since,
		LastSeen:    now,
		Connected:   true,
	}
	return previous
}

// Touch refreshes the last-seen time and sets the status. It returns the
// previous status and whether the agent was already known.
func (t *PresenceTracker) Touch(agentID string, status types.PresenceStatus, now time.Time) (types.PresenceStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.agents[agentID]
	if !ok {
		t.agents[agentID] = &AgentEntry{
			AgentID:     agentID,
			Status:      status,
			StatusSince: now,
			LastSeen:    now,
		}
		return types.PresenceOffline, false
	}

	previous := existing.Status
	if previous != status {
		existing.Status = status
		existing.StatusSince = now
	}
	existing.LastSeen = now
	return previous, true
}

// SetDisconnected marks the agent offline and no longer connected
func (t *PresenceTracker) SetDisconnected(agentID string, now time.Time) types.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.agents[agentID]
	if !ok {
		return types.PresenceOffline
	}

	previous := existing.Status
	if previous != types.PresenceOffline {
		existing.StatusSince = now
	}
	existing.Status = types.PresenceOffline
	existing.Connected = false
	existing.LastSeen = now
	return previous
}

// ExpireStale marks every non-offline agent whose last heartbeat is older
// than threshold as offline, returning the affected ids in sorted order
func (t *PresenceTracker) ExpireStale(threshold, now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	expired := make([]string, 0)
	for id, agent := range t.agents {
		if agent.Status == types.PresenceOffline || !agent.LastSeen.Before(threshold) {
			continue
		}
		agent.Status = types.PresenceOffline
		agent.StatusSince = now
		agent.Connected = false
		expired = append(expired, id)
	}
	sort.Strings(expired)
	return expired
}

// Get returns a copy of one agent's entry
func (t *PresenceTracker) Get(agentID string) (AgentEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	agent, ok := t.agents[agentID]
	if !ok {
		return AgentEntry{}, false
	}
	return *agent, true
}

// GetAll returns all entries ordered by agent id
func (t *PresenceTracker) GetAll() []AgentEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]AgentEntry, 0, len(t.agents))
	for _, agent := range t.agents {
		entries = append(entries, *agent)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].AgentID < entries[j].AgentID })
	return entries
}

// RemoveDisconnected drops agents that have been offline for longer than maxAge
func (t *PresenceTracker) RemoveDisconnected(maxAge time.Duration, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	threshold := now.Add(-maxAge)
	removed := 0
	for id, agent := range t.agents {
		if agent.Status == types.PresenceOffline && !agent.Connected && agent.LastSeen.Before(threshold) {
			delete(t.agents, id)
			removed++
		}
	}
	return removed
}

// Count returns the total number of tracked agents
func (t *PresenceTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.agents)
}

// Stats returns counts per presence status
func (t *PresenceTracker) Stats() map[types.PresenceStatus]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := map[types.PresenceStatus]int{
		types.PresenceOnline:  0,
		types.PresenceAway:    0,
		types.PresenceBusy:    0,
		types.PresenceOffline: 0,
	}
	for _, agent := range t.agents {
		stats[agent.Status]++
	}
	return stats
}
