package websocket

import (
	"net/http"

	"github.com/dennisdiepolder/handoff/internal/auth"
	"github.com/dennisdiepolder/handoff/internal/config"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// agentUpgrader is the WebSocket upgrader for agent connections
var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Agent consoles authenticate with a token, origin is not checked
		return true
	},
}

// AgentHandler handles WebSocket upgrade requests from agents
type AgentHandler struct {
	hub    *AgentHub
	config *config.Config
	logger zerolog.Logger
}

// NewAgentHandler creates a new AgentHandler
func NewAgentHandler(hub *AgentHub, cfg *config.Config, logger zerolog.Logger) *AgentHandler {
	return &AgentHandler{
		hub:    hub,
		config: cfg,
		logger: logger,
	}
}

// ServeHTTP upgrades the connection. The client joins the hub once it sends register.
func (h *AgentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := agentUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade agent connection")
		return
	}

	claims, _ := auth.GetUserFromContext(r.Context())
	client := NewAgentClient(h.hub, conn, h.config, h.logger, claims)
	client.Start()
}
