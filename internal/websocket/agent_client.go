package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dennisdiepolder/handoff/internal/auth"
	"github.com/dennisdiepolder/handoff/internal/config"
	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// AgentClient represents a WebSocket connection from a helpdesk agent.
// The connection stays anonymous until the agent sends a register message.
type AgentClient struct {
	// Agent ID, set on register
	agentID string

	// The hub this client belongs to
	hub *AgentHub

	// The websocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	config *config.Config
	logger zerolog.Logger

	// Authenticated user, nil when auth is skipped
	claims *auth.Claims

	// done channel to signal client shutdown
	done chan struct{}

	// closeOnce ensures send channel is closed only once
	closeOnce sync.Once
}

// NewAgentClient creates a new AgentClient
func NewAgentClient(hub *AgentHub, conn *websocket.Conn, cfg *config.Config, logger zerolog.Logger, claims *auth.Claims) *AgentClient {
	return &AgentClient{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 64),
		config: cfg,
		logger: logger,
		claims: claims,
		done:   make(chan struct{}),
	}
}

// readPump pumps messages from the websocket connection to the hub
func (c *AgentClient) readPump() {
	defer func() {
		close(c.done)
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Str("agent_id", c.agentID).Msg("agent websocket read error")
			}
			break
		}

		c.handleMessage(message)
	}
}

// handleMessage processes incoming messages from the agent
func (c *AgentClient) handleMessage(message []byte) {
	var msgType struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &msgType); err != nil {
		c.logger.Debug().Err(err).Msg("failed to parse message type")
		return
	}

	if msgType.Type != "register" && c.agentID == "" {
		c.logger.Debug().Str("type", msgType.Type).Msg("message before register ignored")
		return
	}

	switch msgType.Type {
	case "register":
		var reg types.AgentRegister
		if err := json.Unmarshal(message, &reg); err != nil {
			c.logger.Debug().Err(err).Msg("failed to parse register message")
			return
		}
		if !c.identify(&reg) {
			return
		}
		c.dispatch(func() bool {
			select {
			case c.hub.register <- c:
			case <-c.hub.stopped:
				return false
			}
			select {
			case c.hub.agentRegister <- &reg:
				return true
			case <-c.hub.stopped:
				return false
			}
		})

		// Send acknowledgment (non-blocking, safe if client is closing)
		ack := types.ServerAck{Type: "ack", AgentID: c.agentID}
		if data, err := json.Marshal(ack); err == nil {
			c.safeSend(data)
		}

	case "heartbeat":
		var hb types.AgentHeartbeat
		if err := json.Unmarshal(message, &hb); err != nil {
			c.logger.Debug().Err(err).Msg("failed to parse heartbeat message")
			return
		}
		hb.AgentID = c.agentID
		c.dispatch(func() bool {
			select {
			case c.hub.heartbeat <- &hb:
				return true
			case <-c.hub.stopped:
				return false
			}
		})

	case "status_change":
		var sc types.AgentStatusChange
		if err := json.Unmarshal(message, &sc); err != nil {
			c.logger.Debug().Err(err).Msg("failed to parse status_change message")
			return
		}
		sc.AgentID = c.agentID
		c.dispatch(func() bool {
			select {
			case c.hub.statusChange <- &sc:
				return true
			case <-c.hub.stopped:
				return false
			}
		})

	default:
		c.logger.Debug().Str("type", msgType.Type).Msg("unknown message type")
	}
}

// identify binds the connection to the agent named in reg. Agents may only
// register as themselves; supervisors and admins may register any id.
func (c *AgentClient) identify(reg *types.AgentRegister) bool {
	if reg.AgentID == "" && c.claims != nil {
		reg.AgentID = c.claims.Subject
	}
	if reg.AgentID == "" {
		c.logger.Debug().Msg("register without agent id ignored")
		return false
	}
	if c.claims != nil && !c.claims.CanActAsAgent(reg.AgentID) {
		c.logger.Warn().
			Str("agent_id", reg.AgentID).
			Str("user", c.claims.Subject).
			Msg("register for another agent rejected")
		return false
	}
	if c.agentID != "" && c.agentID != reg.AgentID {
		c.logger.Warn().Str("agent_id", reg.AgentID).Msg("connection already registered to another agent")
		return false
	}

	c.agentID = reg.AgentID
	c.logger = c.logger.With().Str("agent_id", c.agentID).Logger()
	return true
}

func (c *AgentClient) dispatch(send func() bool) {
	if !send() {
		c.logger.Debug().Msg("agent hub stopped, event dropped")
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *AgentClient) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *AgentClient) Start() {
	go c.writePump()
	go c.readPump()
}

// Close safely closes the client's send channel (idempotent)
func (c *AgentClient) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// safeSend attempts to send a message, recovering from panic if channel is closed
func (c *AgentClient) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}
