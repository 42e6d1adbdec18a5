package models

import (
	"time"

	"github.com/gofiber/contrib/websocket"
)

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type      string `json:"type"` // "user_message" or "ping"
	Content   string `json:"content,omitempty"`
	RequestID string `json:"request_id,omitempty"` // client-chosen id echoed back in the reply
}

// ServerMessage represents a message sent to the client
type ServerMessage struct {
	Type      string `json:"type"` // "agent_message", "ack", "pong", or "error"
	Content   string `json:"content,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	EffectID  string `json:"effect_id,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SessionConnection represents an active WebSocket connection for one session.
// Writes go through WriteChan so only the writer goroutine touches the socket.
type SessionConnection struct {
	SessionKey  string
	Conn        *websocket.Conn
	WriteChan   chan ServerMessage
	StopChan    chan struct{}
	ConnectedAt time.Time
}
