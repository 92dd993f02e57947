package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/handoff/internal/types"
)

// MemoryStore is an in-process Store used for local development and tests.
// All reads return copies so callers cannot mutate stored rows.
type MemoryStore struct {
	mu            sync.RWMutex
	escalations   map[string]types.Escalation
	policies      map[string]types.DistributionPolicy
	sectorAgents  map[string]map[string]struct{} // sectorID -> agentIDs
	presence      map[string]types.AgentPresence
	owners        map[string]types.ConversationOwner
	notifications []types.Notification
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escalations:  make(map[string]types.Escalation),
		policies:     make(map[string]types.DistributionPolicy),
		sectorAgents: make(map[string]map[string]struct{}),
		presence:     make(map[string]types.AgentPresence),
		owners:       make(map[string]types.ConversationOwner),
	}
}

func (s *MemoryStore) CreateEscalation(ctx context.Context, esc types.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.escalations {
		if existing.ConversationID == esc.ConversationID && existing.Status.Active() {
			return ErrActiveEscalation
		}
	}
	s.escalations[esc.ID] = esc
	return nil
}

func (s *MemoryStore) GetEscalation(ctx context.Context, id string) (*types.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	esc, ok := s.escalations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &esc, nil
}

func (s *MemoryStore) ListPendingEscalations(ctx context.Context, filter types.PendingFilter) ([]types.Escalation, error) {
	s.mu.RLock()
	result := make([]types.Escalation, 0)
	for _, esc := range s.escalations {
		if filter.Matches(esc) {
			result = append(result, esc)
		}
	}
	s.mu.RUnlock()

	types.SortPending(result)
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) ListAgentEscalations(ctx context.Context, agentID string) ([]types.Escalation, error) {
	s.mu.RLock()
	result := make([]types.Escalation, 0)
	for _, esc := range s.escalations {
		if esc.AssignedAgentID == agentID && esc.Status == types.EscalationAssigned {
			result = append(result, esc)
		}
	}
	s.mu.RUnlock()

	types.SortPending(result)
	return result, nil
}

func (s *MemoryStore) CountAssignedEscalations(ctx context.Context, agentIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(agentIDs))
	for _, id := range agentIDs {
		counts[id] = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, esc := range s.escalations {
		if esc.Status != types.EscalationAssigned {
			continue
		}
		if _, ok := counts[esc.AssignedAgentID]; ok {
			counts[esc.AssignedAgentID]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) GetLastAssignedAgent(ctx context.Context, sectorID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		last   string
		lastID string
		lastAt time.Time
	)
	for _, esc := range s.escalations {
		if esc.SectorID != sectorID || esc.AssignedAt == nil || esc.AssignedAgentID == "" {
			continue
		}
		// equal timestamps fall back to the higher escalation id
		if last == "" || esc.AssignedAt.After(lastAt) ||
			(esc.AssignedAt.Equal(lastAt) && esc.ID > lastID) {
			last = esc.AssignedAgentID
			lastID = esc.ID
			lastAt = *esc.AssignedAt
		}
	}
	return last, nil
}

// CommitAssignment sets the assignee only while the escalation is still
// pending. The write lock makes check-and-set atomic.
func (s *MemoryStore) CommitAssignment(ctx context.Context, escalationID, agentID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escalations[escalationID]
	if !ok || esc.Status != types.EscalationPending {
		return false, nil
	}
	esc.Status = types.EscalationAssigned
	esc.AssignedAgentID = agentID
	assignedAt := at
	esc.AssignedAt = &assignedAt
	s.escalations[escalationID] = esc
	return true, nil
}

func (s *MemoryStore) SetConversationOwner(ctx context.Context, conversationID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.owners[conversationID] = types.ConversationOwner{
		ConversationID: conversationID,
		AgentID:        agentID,
		UpdatedAt:      time.Now(),
	}
	return nil
}

// ConversationOwner returns the current owner of a conversation
func (s *MemoryStore) ConversationOwner(conversationID string) (types.ConversationOwner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.owners[conversationID]
	return owner, ok
}

func (s *MemoryStore) GetDistributionPolicy(ctx context.Context, sectorID string) (*types.DistributionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policy, ok := s.policies[sectorID]
	if !ok {
		return nil, nil
	}
	return &policy, nil
}

func (s *MemoryStore) UpsertDistributionPolicy(ctx context.Context, policy types.DistributionPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.SectorID] = policy
	return nil
}

func (s *MemoryStore) ListSectorAgents(ctx context.Context, sectorID string) ([]types.SectorAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.sectorAgents[sectorID]
	result := make([]types.SectorAgent, 0, len(members))
	for agentID := range members {
		status := types.PresenceOffline
		if p, ok := s.presence[agentID]; ok {
			status = p.Status
		}
		result = append(result, types.SectorAgent{
			SectorID: sectorID,
			AgentID:  agentID,
			Presence: status,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result, nil
}

func (s *MemoryStore) SetSectorAgents(ctx context.Context, sectorID string, agentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make(map[string]struct{}, len(agentIDs))
	for _, id := range agentIDs {
		members[id] = struct{}{}
	}
	s.sectorAgents[sectorID] = members
	return nil
}

func (s *MemoryStore) RemoveSectorAgent(ctx context.Context, sectorID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.sectorAgents[sectorID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := members[agentID]; !ok {
		return ErrNotFound
	}
	delete(members, agentID)
	return nil
}

func (s *MemoryStore) SetAgentPresence(ctx context.Context, agentID string, status types.PresenceStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.presence[agentID] = types.AgentPresence{
		AgentID:   agentID,
		Status:    status,
		UpdatedAt: at,
	}
	return nil
}

func (s *MemoryStore) SaveNotification(ctx context.Context, n types.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

// Notifications returns a copy of all saved notifications
func (s *MemoryStore) Notifications() []types.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

func (s *MemoryStore) Close() {}
