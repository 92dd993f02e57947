package ingestion

import (
	"context"
	"time"

	"github.com/dennisdiepolder/handoff/internal/types"
)

// EventProcessor processes presence events from any source (agent socket, HTTP)
type EventProcessor interface {
	ProcessRegister(ctx context.Context, reg *types.AgentRegister)
	ProcessHeartbeat(ctx context.Context, hb *types.AgentHeartbeat)
	ProcessStatusChange(ctx context.Context, sc *types.AgentStatusChange)
	ProcessDisconnect(ctx context.Context, agentID string)
}

// PresenceWriter persists agent presence to the agent directory
type PresenceWriter interface {
	SetAgentPresence(ctx context.Context, agentID string, status types.PresenceStatus, at time.Time) error
}
