package distribution

import (
	"errors"
	"fmt"

	"github.com/dennisdiepolder/handoff/internal/types"
)

// ErrUnknownStrategy is returned for a policy strategy with no implementation
var ErrUnknownStrategy = errors.New("unknown distribution strategy")

// RoutingStrategy selects the agent to handle an escalation. Implementations
// are pure: all state they need is passed in.
type RoutingStrategy interface {
	// SelectAgent picks one candidate. lastAssigned is the sector's most
	// recently assigned agent ("" if none); strategies may ignore it.
	SelectAgent(candidates []Candidate, lastAssigned string) (string, bool)

	// Method is the outcome recorded for assignments made by this strategy
	Method() types.Method

	// NeedsLastAssigned reports whether the caller must look up lastAssigned
	NeedsLastAssigned() bool
}

// LeastLoad selects the agent with the fewest assigned escalations
type LeastLoad struct{}

// SelectAgent picks the candidate with the strictly smallest load; the first
// one encountered wins ties
func (LeastLoad) SelectAgent(candidates []Candidate, _ string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Load < best.Load {
			best = c
		}
	}
	return best.AgentID, true
}

func (LeastLoad) Method() types.Method    { return types.MethodLeastLoad }
func (LeastLoad) NeedsLastAssigned() bool { return false }

// RoundRobin rotates through candidates, continuing after the sector's last
// assigned agent
type RoundRobin struct{}

// SelectAgent picks the candidate after lastAssigned, wrapping to the first.
// If lastAssigned is empty or no longer eligible the first candidate is used.
func (RoundRobin) SelectAgent(candidates []Candidate, lastAssigned string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	if lastAssigned == "" {
		return candidates[0].AgentID, true
	}

	for i, c := range candidates {
		if c.AgentID == lastAssigned {
			return candidates[(i+1)%len(candidates)].AgentID, true
		}
	}
	return candidates[0].AgentID, true
}

func (RoundRobin) Method() types.Method    { return types.MethodRoundRobin }
func (RoundRobin) NeedsLastAssigned() bool { return true }

// strategies maps policy strategy names to implementations
var strategies = map[types.Strategy]RoutingStrategy{
	types.StrategyRoundRobin: RoundRobin{},
	types.StrategyLeastLoad:  LeastLoad{},
}

// StrategyFor returns the implementation for a policy strategy name
func StrategyFor(name types.Strategy) (RoutingStrategy, error) {
	s, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}
