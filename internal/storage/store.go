package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrActiveEscalation is returned when a conversation already has a
	// pending or assigned escalation
	ErrActiveEscalation = errors.New("conversation already has an active escalation")
)

// Store defines the storage interface shared by all backends
type Store interface {
	// Escalation record store
	CreateEscalation(ctx context.Context, esc types.Escalation) error
	GetEscalation(ctx context.Context, id string) (*types.Escalation, error)
	ListPendingEscalations(ctx context.Context, filter types.PendingFilter) ([]types.Escalation, error)
	ListAgentEscalations(ctx context.Context, agentID string) ([]types.Escalation, error)
	CountAssignedEscalations(ctx context.Context, agentIDs []string) (map[string]int, error)
	GetLastAssignedAgent(ctx context.Context, sectorID string) (string, error)
	CommitAssignment(ctx context.Context, escalationID, agentID string, at time.Time) (bool, error)
	SetConversationOwner(ctx context.Context, conversationID, agentID string) error

	// Distribution policy config
	GetDistributionPolicy(ctx context.Context, sectorID string) (*types.DistributionPolicy, error)
	UpsertDistributionPolicy(ctx context.Context, policy types.DistributionPolicy) error

	// Agent directory
	ListSectorAgents(ctx context.Context, sectorID string) ([]types.SectorAgent, error)
	SetSectorAgents(ctx context.Context, sectorID string, agentIDs []string) error
	RemoveSectorAgent(ctx context.Context, sectorID, agentID string) error
	SetAgentPresence(ctx context.Context, agentID string, status types.PresenceStatus, at time.Time) error

	// Notification sink
	SaveNotification(ctx context.Context, n types.Notification) error

	Close()
}

// NewStore creates the appropriate store based on configuration
func NewStore(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	logger = logger.With().Str("component", "storage").Logger()

	switch cfg.Mode {
	case ModePostgres:
		store, err := NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case ModeDynamo:
		store, err := NewDynamoDBStore(ctx, cfg.Dynamo, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		logger.Info().Msg("using in-memory store (STORE_MODE=memory)")
		return NewMemoryStore(), nil
	}
}
