package distribution

import (
	"context"
	"fmt"
	"sort"

	"github.com/dennisdiepolder/handoff/internal/types"
)

// Candidate is an eligible agent paired with its current assigned load
type Candidate struct {
	AgentID string
	Load    int
}

// EligibilityFilter produces the ordered set of agents allowed to receive
// an escalation in a sector
type EligibilityFilter struct {
	directory AgentDirectory
	counter   LoadCounter
}

// NewEligibilityFilter creates a new EligibilityFilter
func NewEligibilityFilter(directory AgentDirectory, counter LoadCounter) *EligibilityFilter {
	return &EligibilityFilter{
		directory: directory,
		counter:   counter,
	}
}

// Eligible returns the sector's eligible agents ordered by agent id. When the
// result is empty the returned method says why: no_agents,
// no_available_agents or agents_at_capacity.
func (f *EligibilityFilter) Eligible(ctx context.Context, sectorID string, maxConcurrent int) ([]Candidate, types.Method, error) {
	members, err := f.directory.ListSectorAgents(ctx, sectorID)
	if err != nil {
		return nil, "", fmt.Errorf("list sector agents: %w", err)
	}
	if len(members) == 0 {
		return nil, types.MethodNoAgents, nil
	}

	available := filterAssignable(members)
	if len(available) == 0 {
		return nil, types.MethodNoAvailableAgents, nil
	}

	loads, err := ComputeLoad(ctx, f.counter, available)
	if err != nil {
		return nil, "", err
	}

	candidates := make([]Candidate, 0, len(available))
	for _, agentID := range available {
		load := loads[agentID]
		if load >= maxConcurrent {
			continue
		}
		candidates = append(candidates, Candidate{AgentID: agentID, Load: load})
	}
	if len(candidates) == 0 {
		return nil, types.MethodAgentsAtCapacity, nil
	}

	return candidates, "", nil
}

// ComputeLoad reads the current assigned-escalation count for each agent.
// Load is global per agent, not per sector. Every agent in agentIDs is
// present in the result.
func ComputeLoad(ctx context.Context, counter LoadCounter, agentIDs []string) (map[string]int, error) {
	counts, err := counter.CountAssignedEscalations(ctx, agentIDs)
	if err != nil {
		return nil, fmt.Errorf("count assigned escalations: %w", err)
	}

	loads := make(map[string]int, len(agentIDs))
	for _, id := range agentIDs {
		loads[id] = counts[id]
	}
	return loads, nil
}

// filterAssignable returns the sorted, de-duplicated ids of online/away members
func filterAssignable(members []types.SectorAgent) []string {
	seen := make(map[string]bool, len(members))
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if !m.Presence.Assignable() || seen[m.AgentID] {
			continue
		}
		seen[m.AgentID] = true
		ids = append(ids, m.AgentID)
	}
	sort.Strings(ids)
	return ids
}
