package types

import (
	"sort"
	"time"
)

// EscalationStatus represents the lifecycle state of an escalation
type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending"   // Waiting for a human agent
	EscalationAssigned  EscalationStatus = "assigned"  // Claimed by exactly one agent
	EscalationResolved  EscalationStatus = "resolved"  // Closed by the agent
	EscalationCancelled EscalationStatus = "cancelled" // Withdrawn before resolution
)

// Active reports whether the escalation still occupies its conversation
func (s EscalationStatus) Active() bool {
	return s == EscalationPending || s == EscalationAssigned
}

// Escalation is a request to move a conversation from automated handling to a human
type Escalation struct {
	ID              string           `json:"id" dynamodbav:"EscalationID"`
	ConversationID  string           `json:"conversationId" dynamodbav:"ConversationID"`
	SectorID        string           `json:"sectorId" dynamodbav:"SectorID"`
	Priority        int              `json:"priority" dynamodbav:"Priority"`
	Status          EscalationStatus `json:"status" dynamodbav:"Status"`
	CreatedAt       time.Time        `json:"createdAt" dynamodbav:"CreatedAt"`
	AssignedAgentID string           `json:"assignedAgentId,omitempty" dynamodbav:"AssignedAgentID,omitempty"`
	AssignedAt      *time.Time       `json:"assignedAt,omitempty" dynamodbav:"AssignedAt,omitempty"`
}

// PendingFilter narrows ListPendingEscalations. Zero values mean "no filter";
// a Limit of 0 means unlimited.
type PendingFilter struct {
	EscalationID string
	SectorID     string
	Limit        int
}

// Matches reports whether a pending escalation passes the id/sector filter
func (f PendingFilter) Matches(e Escalation) bool {
	if e.Status != EscalationPending {
		return false
	}
	if f.EscalationID != "" && e.ID != f.EscalationID {
		return false
	}
	if f.SectorID != "" && e.SectorID != f.SectorID {
		return false
	}
	return true
}

// SortPending orders escalations by descending priority, then oldest first
func SortPending(escalations []Escalation) {
	sort.SliceStable(escalations, func(i, j int) bool {
		if escalations[i].Priority != escalations[j].Priority {
			return escalations[i].Priority > escalations[j].Priority
		}
		return escalations[i].CreatedAt.Before(escalations[j].CreatedAt)
	})
}

// ConversationOwner records which agent currently owns a conversation
type ConversationOwner struct {
	ConversationID string    `json:"conversationId" dynamodbav:"ConversationID"`
	AgentID        string    `json:"agentId" dynamodbav:"AgentID"`
	UpdatedAt      time.Time `json:"updatedAt" dynamodbav:"UpdatedAt"`
}
