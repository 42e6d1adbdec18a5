package handlers

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"courier/internal/models"
	"courier/internal/services"
	"courier/pkg/auth"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// WebSocketHandler is the live transport edge: inbound frames become events
// on the append-only log, and a reconnect immediately flushes the session's
// outbox backlog.
type WebSocketHandler struct {
	connManager *services.ConnectionManager
	events      *services.EventStore
	queue       *services.EventQueue
	runner      *services.EffectRunner
	jwtAuth     *auth.LocalJWTAuth // nil disables auth (dev mode)

	ratePerSecond float64
	rateBurst     int
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	connManager *services.ConnectionManager,
	events *services.EventStore,
	queue *services.EventQueue,
	runner *services.EffectRunner,
	jwtAuth *auth.LocalJWTAuth,
	ratePerSecond float64,
	rateBurst int,
) *WebSocketHandler {
	return &WebSocketHandler{
		connManager:   connManager,
		events:        events,
		queue:         queue,
		runner:        runner,
		jwtAuth:       jwtAuth,
		ratePerSecond: ratePerSecond,
		rateBurst:     rateBurst,
	}
}

// Upgrade authenticates the request and prepares the session key before the
// WebSocket upgrade. Expects agent_id and thread_id query parameters, plus a
// token query parameter when auth is enabled.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	userID := c.Query("user_id")
	if h.jwtAuth != nil {
		user, err := h.jwtAuth.ValidateToken(c.Query("token"))
		if err != nil {
			log.Printf("⚠️ [WS] Rejected connection: %v", err)
			return fiber.ErrUnauthorized
		}
		userID = user.ID
	}

	key := models.SessionKey{
		AgentID:  c.Query("agent_id"),
		UserID:   userID,
		ThreadID: c.Query("thread_id"),
	}
	if err := key.Validate(); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	c.Locals("session_key", key.String())
	return c.Next()
}

// Handle runs one WebSocket connection: register, flush the backlog, then
// pump frames until the client goes away.
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	sessionKey := c.Locals("session_key").(string)

	conn := &models.SessionConnection{
		SessionKey:  sessionKey,
		Conn:        c,
		WriteChan:   make(chan models.ServerMessage, 100),
		StopChan:    make(chan struct{}),
		ConnectedAt: time.Now(),
	}

	h.connManager.Add(conn)
	defer h.connManager.Remove(conn)

	go h.writeLoop(conn)

	// Reconnect fast-path: anything queued while this session was offline
	// goes out now instead of waiting for the next scheduled poll.
	go h.runner.PollForSession(context.Background(), sessionKey)

	h.readLoop(conn)
}

func (h *WebSocketHandler) readLoop(conn *models.SessionConnection) {
	limiter := rate.NewLimiter(rate.Limit(h.ratePerSecond), h.rateBurst)

	for {
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] Read ended for session %s: %v", conn.SessionKey, err)
			return
		}

		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.send(conn, models.ServerMessage{Type: "error", Error: "malformed message"})
			continue
		}

		switch msg.Type {
		case "ping":
			h.send(conn, models.ServerMessage{Type: "pong"})

		case "user_message":
			if !limiter.Allow() {
				h.send(conn, models.ServerMessage{
					Type: "error", RequestID: msg.RequestID, Error: "rate limit exceeded",
				})
				continue
			}
			h.handleUserMessage(conn, msg)

		default:
			h.send(conn, models.ServerMessage{
				Type: "error", RequestID: msg.RequestID, Error: "unknown message type",
			})
		}
	}
}

func (h *WebSocketHandler) handleUserMessage(conn *models.SessionConnection, msg models.ClientMessage) {
	if msg.RequestID == "" {
		msg.RequestID = uuid.New().String()
	}

	payload, err := json.Marshal(models.UserMessagePayload{
		Content:   msg.Content,
		RequestID: msg.RequestID,
	})
	if err != nil {
		h.send(conn, models.ServerMessage{Type: "error", RequestID: msg.RequestID, Error: "internal error"})
		return
	}

	event := &models.Event{
		ID:         uuid.New().String(),
		SessionKey: conn.SessionKey,
		Type:       models.EventUserMessage,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.events.Append(ctx, event); err != nil {
		log.Printf("❌ [WS] Failed to append event for session %s: %v", conn.SessionKey, err)
		h.send(conn, models.ServerMessage{Type: "error", RequestID: msg.RequestID, Error: "failed to accept message"})
		return
	}

	h.queue.Enqueue(event)
	h.send(conn, models.ServerMessage{Type: "ack", RequestID: msg.RequestID, EventID: event.ID})
}

func (h *WebSocketHandler) writeLoop(conn *models.SessionConnection) {
	for {
		select {
		case <-conn.StopChan:
			return
		case msg := <-conn.WriteChan:
			if err := conn.Conn.WriteJSON(msg); err != nil {
				log.Printf("[WS] Write failed for session %s: %v", conn.SessionKey, err)
				return
			}
		}
	}
}

// send queues a message for the writer goroutine without ever blocking the
// read loop; a full channel drops the frame.
func (h *WebSocketHandler) send(conn *models.SessionConnection, msg models.ServerMessage) {
	select {
	case conn.WriteChan <- msg:
	case <-conn.StopChan:
	default:
		log.Printf("⚠️ [WS] Write channel full for session %s, dropping %s frame",
			conn.SessionKey, msg.Type)
	}
}

// NewDeliveryHandler builds the runner's delivery callback on top of the
// connection manager: true means the frame reached the live socket's write
// queue, false means the session has no connection right now.
func NewDeliveryHandler(connManager *services.ConnectionManager) services.DeliveryHandler {
	return func(ctx context.Context, effect *models.Effect) (bool, error) {
		conn, ok := connManager.Get(effect.SessionKey)
		if !ok {
			return false, nil
		}

		var payload models.SendMessagePayload
		if err := json.Unmarshal(effect.Payload, &payload); err != nil {
			return false, err
		}

		msg := models.ServerMessage{
			Type:      "agent_message",
			Content:   payload.Content,
			RequestID: payload.RequestID,
			EffectID:  effect.ID,
		}

		select {
		case conn.WriteChan <- msg:
			return true, nil
		case <-conn.StopChan:
			// Connection tore down while we held it.
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
