package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dennisdiepolder/handoff/internal/ingestion"
	"github.com/dennisdiepolder/handoff/internal/metrics"
	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/rs/zerolog"
)

// AgentHub maintains the set of registered agent WebSocket connections and
// serializes their presence events into the processor
type AgentHub struct {
	// Registered agent clients
	agents map[string]*AgentClient // agentID -> client

	// Register requests from clients that identified themselves
	register chan *AgentClient

	// Unregister requests from agent clients
	unregister chan *AgentClient

	agentRegister chan *types.AgentRegister
	heartbeat     chan *types.AgentHeartbeat
	statusChange  chan *types.AgentStatusChange

	// Closed when Run returns so client goroutines never block on a dead hub
	stopped chan struct{}

	// Mutex to protect agents map
	mu sync.RWMutex

	logger    zerolog.Logger
	processor ingestion.EventProcessor
}

// NewAgentHub creates a new AgentHub
func NewAgentHub(processor ingestion.EventProcessor, logger zerolog.Logger) *AgentHub {
	return &AgentHub{
		agents:        make(map[string]*AgentClient),
		register:      make(chan *AgentClient),
		unregister:    make(chan *AgentClient),
		agentRegister: make(chan *types.AgentRegister, 100),
		heartbeat:     make(chan *types.AgentHeartbeat, 1000),
		statusChange:  make(chan *types.AgentStatusChange, 500),
		stopped:       make(chan struct{}),
		logger:        logger.With().Str("component", "agent_hub").Logger(),
		processor:     processor,
	}
}

// Run starts the hub's main loop and blocks until ctx is cancelled
func (h *AgentHub) Run(ctx context.Context) {
	defer close(h.stopped)
	m := metrics.Get()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			existing, ok := h.agents[client.agentID]
			if ok && existing == client {
				// Repeated register on the same socket
				h.mu.Unlock()
				continue
			}
			// A reconnect replaces the previous socket for the same agent
			if ok {
				existing.Close()
				m.RecordAgentDisconnect()
			}
			h.agents[client.agentID] = client
			total := len(h.agents)
			h.mu.Unlock()

			m.RecordAgentConnect()
			h.logger.Debug().
				Str("agent_id", client.agentID).
				Int("total_agents", total).
				Msg("agent connected")

		case client := <-h.unregister:
			h.mu.Lock()
			existing, ok := h.agents[client.agentID]
			current := ok && existing == client
			if current {
				delete(h.agents, client.agentID)
			}
			total := len(h.agents)
			h.mu.Unlock()
			client.Close()

			if current {
				h.processor.ProcessDisconnect(ctx, client.agentID)
				m.RecordAgentDisconnect()
				h.logger.Debug().
					Str("agent_id", client.agentID).
					Int("total_agents", total).
					Msg("agent disconnected")
			}

		case reg := <-h.agentRegister:
			h.processor.ProcessRegister(ctx, reg)

		case hb := <-h.heartbeat:
			h.processor.ProcessHeartbeat(ctx, hb)

		case sc := <-h.statusChange:
			h.processor.ProcessStatusChange(ctx, sc)
		}
	}
}

func (h *AgentHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.agents {
		client.Close()
		delete(h.agents, id)
	}
}

// ForceDisconnect sends a force_disconnect message to the agent, then closes
// the connection and marks the agent offline
func (h *AgentHub) ForceDisconnect(ctx context.Context, agentID string) bool {
	msg := types.ForceDisconnect{
		Type:    "force_disconnect",
		AgentID: agentID,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal force_disconnect")
		return false
	}

	// Send the message first
	h.SendToAgent(agentID, data)

	h.mu.Lock()
	client, ok := h.agents[agentID]
	if ok {
		delete(h.agents, agentID)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}

	client.Close()
	h.processor.ProcessDisconnect(ctx, agentID)
	metrics.Get().RecordAgentDisconnect()
	h.logger.Info().Str("agent_id", agentID).Msg("agent force-disconnected")
	return true
}

// AgentCount returns the number of connected agents
func (h *AgentHub) AgentCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.agents)
}

// SendToAgent queues a message for a specific agent. It returns false when
// the agent has no live socket or its buffer is full.
func (h *AgentHub) SendToAgent(agentID string, message []byte) bool {
	h.mu.RLock()
	client, ok := h.agents[agentID]
	h.mu.RUnlock()

	if !ok {
		return false
	}

	return client.safeSend(message)
}
