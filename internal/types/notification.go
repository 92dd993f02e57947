package types

import "time"

// NotificationType classifies side-effect notifications addressed to agents
type NotificationType string

const (
	NotificationReassignment NotificationType = "reassignment"
)

// Notification is emitted once per successful assignment
type Notification struct {
	ID             string           `json:"id" dynamodbav:"NotificationID"`
	EscalationID   string           `json:"escalationId" dynamodbav:"EscalationID"`
	ConversationID string           `json:"conversationId" dynamodbav:"ConversationID"`
	AgentID        string           `json:"agentId" dynamodbav:"AgentID"`
	Type           NotificationType `json:"type" dynamodbav:"Type"`
	CreatedAt      time.Time        `json:"createdAt" dynamodbav:"CreatedAt"`
}

// EscalationAssignedMessage is pushed to an agent's socket when an escalation is routed to them
type EscalationAssignedMessage struct {
	Type           string    `json:"type"` // "escalation_assigned"
	NotificationID string    `json:"notificationId"`
	EscalationID   string    `json:"escalationId"`
	ConversationID string    `json:"conversationId"`
	AgentID        string    `json:"agentId"`
	Timestamp      time.Time `json:"timestamp"`
}
