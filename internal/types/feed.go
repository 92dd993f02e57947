package types

import "time"

// DistributionEvent is broadcast to supervisors after each distribution pass
type DistributionEvent struct {
	Type      string    `json:"type"` // "distribution_completed"
	Mode      string    `json:"mode"`
	Processed int       `json:"processed"`
	Assigned  int       `json:"assigned"`
	Results   []Outcome `json:"results"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertSeverity ranks supervisor alerts
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AgentAlert flags an agent a supervisor should look at
type AgentAlert struct {
	Rule     string        `json:"rule"`
	Severity AlertSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// AgentSnapshot is one agent's live connection state
type AgentSnapshot struct {
	AgentID     string         `json:"agentId"`
	Status      PresenceStatus `json:"status"`
	StatusSince time.Time      `json:"statusSince"`
	LastSeen    time.Time      `json:"lastSeen"`
	Connected   bool           `json:"connected"`
	Alerts      []AgentAlert   `json:"alerts,omitempty"`
}

// PresenceSnapshot is broadcast to supervisors periodically
type PresenceSnapshot struct {
	Type      string                 `json:"type"` // "presence_snapshot"
	Timestamp time.Time              `json:"timestamp"`
	Summary   map[PresenceStatus]int `json:"summary"`
	Agents    []AgentSnapshot        `json:"agents"`
}
