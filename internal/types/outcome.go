package types

// Method describes how an escalation was handled in a distribution pass
type Method string

const (
	MethodRoundRobin        Method = "round_robin"
	MethodLeastLoad         Method = "least_load"
	MethodSkippedDisabled   Method = "skipped_disabled"
	MethodNoAgents          Method = "no_agents"
	MethodNoAvailableAgents Method = "no_available_agents"
	MethodAgentsAtCapacity  Method = "agents_at_capacity"
	MethodAssignmentError   Method = "assignment_error"
)

// Outcome is the per-escalation result of a distribution pass
type Outcome struct {
	EscalationID string  `json:"escalationId"`
	AssignedTo   *string `json:"assignedTo"`
	Method       Method  `json:"method"`
}

// DistributionResult is the response of one distributor invocation
type DistributionResult struct {
	Success   bool      `json:"success"`
	Processed int       `json:"processed"`
	Assigned  int       `json:"assigned"`
	Results   []Outcome `json:"results"`
}
