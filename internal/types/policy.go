package types

// Strategy names the algorithm used to pick among eligible agents
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLeastLoad  Strategy = "least_load"
)

// DefaultMaxConcurrent is applied when a policy carries no usable cap
const DefaultMaxConcurrent = 5

// DistributionPolicy is the per-sector auto-assignment configuration
type DistributionPolicy struct {
	SectorID              string   `json:"sectorId" dynamodbav:"SectorID"`
	AutoAssignEnabled     bool     `json:"autoAssignEnabled" dynamodbav:"AutoAssignEnabled"`
	Strategy              Strategy `json:"strategy" dynamodbav:"Strategy"`
	MaxConcurrentPerAgent int      `json:"maxConcurrentPerAgent" dynamodbav:"MaxConcurrentPerAgent"`
}

// Normalize fills defaults: round_robin for an empty strategy and
// DefaultMaxConcurrent for a cap below 1.
func (p DistributionPolicy) Normalize() DistributionPolicy {
	if p.Strategy == "" {
		p.Strategy = StrategyRoundRobin
	}
	if p.MaxConcurrentPerAgent < 1 {
		p.MaxConcurrentPerAgent = DefaultMaxConcurrent
	}
	return p
}
