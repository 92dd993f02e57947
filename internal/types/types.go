package types

import "time"

// PresenceStatus represents the current availability of an agent
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether the status is one of the known presence values
func (p PresenceStatus) Valid() bool {
	switch p {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// Assignable reports whether an agent in this status may receive escalations.
// Busy and offline agents are never assignable.
func (p PresenceStatus) Assignable() bool {
	return p == PresenceOnline || p == PresenceAway
}

// SectorAgent is the membership of an agent in a sector plus the agent's presence
type SectorAgent struct {
	SectorID string         `json:"sectorId" dynamodbav:"SectorID"`
	AgentID  string         `json:"agentId" dynamodbav:"AgentID"`
	Presence PresenceStatus `json:"presence" dynamodbav:"-"`
}

// AgentPresence is the stored presence row for an agent
type AgentPresence struct {
	AgentID   string         `json:"agentId" dynamodbav:"AgentID"`
	Status    PresenceStatus `json:"status" dynamodbav:"Status"`
	UpdatedAt time.Time      `json:"updatedAt" dynamodbav:"UpdatedAt"`
}

// AgentRegister is sent when an agent first connects
type AgentRegister struct {
	Type    string         `json:"type"` // "register"
	AgentID string         `json:"agentId"`
	Status  PresenceStatus `json:"status"`
}

// AgentHeartbeat is sent from agent to backend periodically
type AgentHeartbeat struct {
	Type      string         `json:"type"` // "heartbeat"
	AgentID   string         `json:"agentId"`
	Status    PresenceStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

// AgentStatusChange is sent from agent to backend when the agent changes presence
type AgentStatusChange struct {
	Type           string         `json:"type"` // "status_change"
	AgentID        string         `json:"agentId"`
	PreviousStatus PresenceStatus `json:"previousStatus"`
	NewStatus      PresenceStatus `json:"newStatus"`
	Timestamp      time.Time      `json:"timestamp"`
}

// ServerAck is sent from backend to agent as acknowledgment
type ServerAck struct {
	Type    string `json:"type"` // "ack"
	AgentID string `json:"agentId"`
}

// ForceDisconnect is sent from backend to agent to force logout
type ForceDisconnect struct {
	Type    string `json:"type"` // "force_disconnect"
	AgentID string `json:"agentId"`
}
