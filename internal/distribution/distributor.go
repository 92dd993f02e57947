package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/handoff/internal/metrics"
	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultBatchLimit caps the number of escalations handled per invocation
// unless ProcessAll is set
const DefaultBatchLimit = 10

// ErrAlreadyClaimed is returned when the conditional commit finds the
// escalation no longer pending
var ErrAlreadyClaimed = errors.New("escalation is no longer pending")

// Request selects which pending escalations an invocation processes
type Request struct {
	EscalationID string `json:"escalationId,omitempty"`
	SectorID     string `json:"sectorId,omitempty"`
	ProcessAll   bool   `json:"processAll,omitempty"`
}

// mode labels the request for logs and metrics
func (r Request) mode() string {
	switch {
	case r.ProcessAll:
		return "all"
	case r.EscalationID != "":
		return "escalation"
	case r.SectorID != "":
		return "sector"
	default:
		return "batch"
	}
}

// Distributor matches pending escalations to eligible agents and commits the
// assignments. It holds no state between invocations and is safe to run
// concurrently with other Distributors over the same store.
type Distributor struct {
	store       EscalationStore
	policies    PolicySource
	eligibility *EligibilityFilter
	notifier    Notifier
	observer    Observer
	now         func() time.Time
	logger      zerolog.Logger
}

// NewDistributor creates a new Distributor
func NewDistributor(store EscalationStore, policies PolicySource, directory AgentDirectory, notifier Notifier, logger zerolog.Logger) *Distributor {
	return &Distributor{
		store:       store,
		policies:    policies,
		eligibility: NewEligibilityFilter(directory, store),
		notifier:    notifier,
		now:         time.Now,
		logger:      logger.With().Str("component", "distributor").Logger(),
	}
}

// SetClock overrides the clock used for assignment timestamps
func (d *Distributor) SetClock(now func() time.Time) {
	d.now = now
}

// SetObserver registers a listener for completed passes
func (d *Distributor) SetObserver(o Observer) {
	d.observer = o
}

// Distribute processes the pending escalations selected by req, one at a
// time in priority/age order. Only a failure to read the pending list is
// returned as an error; per-escalation failures become assignment_error
// outcomes.
func (d *Distributor) Distribute(ctx context.Context, req Request) (*types.DistributionResult, error) {
	start := time.Now()
	m := metrics.Get()

	filter := types.PendingFilter{
		EscalationID: req.EscalationID,
		SectorID:     req.SectorID,
	}
	if !req.ProcessAll {
		filter.Limit = DefaultBatchLimit
	}

	pending, err := d.store.ListPendingEscalations(ctx, filter)
	if err != nil {
		m.RecordDistributionError(req.mode())
		return nil, fmt.Errorf("list pending escalations: %w", err)
	}

	result := &types.DistributionResult{
		Success:   true,
		Processed: len(pending),
		Results:   make([]types.Outcome, 0, len(pending)),
	}

	for _, esc := range pending {
		outcome := d.processOne(ctx, esc)
		if outcome.AssignedTo != nil {
			result.Assigned++
		}
		m.RecordOutcome(outcome.Method)
		result.Results = append(result.Results, outcome)
	}

	m.RecordDistributionRun(req.mode(), time.Since(start))

	d.logger.Info().
		Str("mode", req.mode()).
		Int("processed", result.Processed).
		Int("assigned", result.Assigned).
		Dur("duration", time.Since(start)).
		Msg("distribution pass completed")

	if d.observer != nil {
		d.observer.ObserveDistribution(req.mode(), result)
	}

	return result, nil
}

// processOne handles a single escalation and never fails the batch
func (d *Distributor) processOne(ctx context.Context, esc types.Escalation) (outcome types.Outcome) {
	outcome = types.Outcome{EscalationID: esc.ID, Method: types.MethodAssignmentError}

	logger := d.logger.With().
		Str("escalation_id", esc.ID).
		Str("sector_id", esc.SectorID).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("panic while distributing escalation")
			outcome = types.Outcome{EscalationID: esc.ID, Method: types.MethodAssignmentError}
		}
	}()

	agentID, method, err := d.assign(ctx, esc)
	if err != nil {
		logger.Warn().Err(err).Msg("escalation assignment failed")
		return outcome
	}

	outcome.Method = method
	if agentID != "" {
		outcome.AssignedTo = &agentID
		logger.Info().
			Str("agent_id", agentID).
			Str("method", string(method)).
			Msg("escalation assigned")
	} else {
		logger.Debug().Str("method", string(method)).Msg("escalation left pending")
	}
	return outcome
}

// assign runs policy, eligibility, strategy and commit for one escalation.
// An empty agentID with a nil error means the escalation stays pending for
// the reason given by method.
func (d *Distributor) assign(ctx context.Context, esc types.Escalation) (string, types.Method, error) {
	policy, err := d.policies.GetDistributionPolicy(ctx, esc.SectorID)
	if err != nil {
		return "", "", fmt.Errorf("get distribution policy: %w", err)
	}
	if policy == nil || !policy.AutoAssignEnabled {
		return "", types.MethodSkippedDisabled, nil
	}
	p := policy.Normalize()

	candidates, reason, err := d.eligibility.Eligible(ctx, esc.SectorID, p.MaxConcurrentPerAgent)
	if err != nil {
		return "", "", err
	}
	if len(candidates) == 0 {
		return "", reason, nil
	}

	strategy, err := StrategyFor(p.Strategy)
	if err != nil {
		return "", "", err
	}

	var lastAssigned string
	if strategy.NeedsLastAssigned() {
		lastAssigned, err = d.store.GetLastAssignedAgent(ctx, esc.SectorID)
		if err != nil {
			return "", "", fmt.Errorf("get last assigned agent: %w", err)
		}
	}

	agentID, ok := strategy.SelectAgent(candidates, lastAssigned)
	if !ok {
		return "", "", errors.New("strategy selected no agent")
	}

	now := d.now()
	committed, err := d.store.CommitAssignment(ctx, esc.ID, agentID, now)
	if err != nil {
		return "", "", fmt.Errorf("commit assignment: %w", err)
	}
	if !committed {
		return "", "", ErrAlreadyClaimed
	}

	d.propagate(ctx, esc, agentID, now)
	return agentID, strategy.Method(), nil
}

// propagate updates conversation ownership and notifies the agent. Both are
// best-effort: the assignment is already committed, so a panic here must not
// turn it into a failed outcome.
func (d *Distributor) propagate(ctx context.Context, esc types.Escalation, agentID string, at time.Time) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).
				Str("escalation_id", esc.ID).
				Str("agent_id", agentID).
				Msg("panic while propagating assignment")
		}
	}()

	if err := d.store.SetConversationOwner(ctx, esc.ConversationID, agentID); err != nil {
		d.logger.Warn().Err(err).
			Str("escalation_id", esc.ID).
			Str("conversation_id", esc.ConversationID).
			Str("agent_id", agentID).
			Msg("failed to set conversation owner")
	}

	if d.notifier == nil {
		return
	}
	n := types.Notification{
		ID:             uuid.New().String(),
		EscalationID:   esc.ID,
		ConversationID: esc.ConversationID,
		AgentID:        agentID,
		Type:           types.NotificationReassignment,
		CreatedAt:      at,
	}
	if err := d.notifier.Notify(ctx, n); err != nil {
		d.logger.Warn().Err(err).
			Str("escalation_id", esc.ID).
			Str("agent_id", agentID).
			Msg("failed to emit assignment notification")
	}
}
