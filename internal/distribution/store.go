package distribution

import (
	"context"
	"time"

	"github.com/dennisdiepolder/handoff/internal/types"
)

// LoadCounter counts escalations currently in status=assigned per agent.
// Agents without assigned escalations may be absent from the result.
type LoadCounter interface {
	CountAssignedEscalations(ctx context.Context, agentIDs []string) (map[string]int, error)
}

// EscalationStore is the subset of storage.Store the Distributor reads and writes
type EscalationStore interface {
	LoadCounter

	// ListPendingEscalations returns pending escalations ordered by
	// priority desc, created asc, honouring filter.Limit when > 0.
	ListPendingEscalations(ctx context.Context, filter types.PendingFilter) ([]types.Escalation, error)

	// GetLastAssignedAgent returns the agent of the most recently assigned
	// escalation in the sector, or "" when there is none.
	GetLastAssignedAgent(ctx context.Context, sectorID string) (string, error)

	// CommitAssignment moves the escalation to assigned only if it is still
	// pending. It returns false when another writer got there first.
	CommitAssignment(ctx context.Context, escalationID, agentID string, at time.Time) (bool, error)

	SetConversationOwner(ctx context.Context, conversationID, agentID string) error
}

// PolicySource reads per-sector distribution policies. A nil policy with a
// nil error means the sector has no policy row.
type PolicySource interface {
	GetDistributionPolicy(ctx context.Context, sectorID string) (*types.DistributionPolicy, error)
}

// AgentDirectory lists the members of a sector with their presence
type AgentDirectory interface {
	ListSectorAgents(ctx context.Context, sectorID string) ([]types.SectorAgent, error)
}

// Notifier receives one notification per successful assignment
type Notifier interface {
	Notify(ctx context.Context, n types.Notification) error
}

// Observer is told about every pass that read its pending list
type Observer interface {
	ObserveDistribution(mode string, result *types.DistributionResult)
}
