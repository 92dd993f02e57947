package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dennisdiepolder/handoff/internal/metrics"
	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/rs/zerolog"
)

// Sink persists notifications so agents who are offline can fetch them later
type Sink interface {
	SaveNotification(ctx context.Context, n types.Notification) error
}

// AgentSender pushes a message to an agent's live socket. It returns false
// when the agent is not connected.
type AgentSender interface {
	SendToAgent(agentID string, message []byte) bool
}

// Notifier stores assignment notifications and pushes them to the assigned agent
type Notifier struct {
	sink   Sink
	sender AgentSender
	logger zerolog.Logger
}

// NewNotifier creates a new Notifier. sender may be nil, in which case
// notifications are only stored.
func NewNotifier(sink Sink, sender AgentSender, logger zerolog.Logger) *Notifier {
	return &Notifier{
		sink:   sink,
		sender: sender,
		logger: logger.With().Str("component", "notifier").Logger(),
	}
}

// Notify persists n and pushes escalation_assigned to the agent. Only a
// failed write is an error; an offline agent is not.
func (n *Notifier) Notify(ctx context.Context, note types.Notification) error {
	if err := n.sink.SaveNotification(ctx, note); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}

	delivered := n.push(note)
	metrics.Get().RecordNotification(delivered)

	n.logger.Debug().
		Str("agent_id", note.AgentID).
		Str("escalation_id", note.EscalationID).
		Bool("delivered", delivered).
		Msg("assignment notification sent")
	return nil
}

func (n *Notifier) push(note types.Notification) bool {
	if n.sender == nil {
		return false
	}

	msg := types.EscalationAssignedMessage{
		Type:           "escalation_assigned",
		NotificationID: note.ID,
		EscalationID:   note.EscalationID,
		ConversationID: note.ConversationID,
		AgentID:        note.AgentID,
		Timestamp:      note.CreatedAt,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to marshal escalation_assigned")
		return false
	}
	return n.sender.SendToAgent(note.AgentID, data)
}
