package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/models"
	"github.com/ternarybob/comfyq/internal/services/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local tool, same-origin policy is not enforced.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler pushes queue events to connected browsers.
type WebSocketHandler struct {
	events     *events.Service
	logger     arbor.ILogger
	instanceID string

	mu      sync.RWMutex
	clients map[string]chan models.Event
}

// NewWebSocketHandler creates the hub and subscribes it to every event
// type it relays.
func NewWebSocketHandler(eventService *events.Service, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		events:     eventService,
		logger:     logger,
		instanceID: uuid.New().String(),
		clients:    make(map[string]chan models.Event),
	}

	relay := func(ctx context.Context, event models.Event) error {
		h.broadcast(event)
		return nil
	}
	for _, eventType := range []models.EventType{
		models.EventJobUpdated,
		models.EventPromptUpdated,
		models.EventQueueState,
	} {
		if _, err := eventService.Subscribe(eventType, relay); err != nil {
			logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("WebSocket relay subscription failed")
		}
	}
	return h
}

// Handle upgrades GET /ws connections.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	clientID := uuid.New().String()
	send := make(chan models.Event, sendBufferSize)
	// Greeting carries the instance id so a reconnecting client can
	// tell a server restart from a dropped connection.
	send <- models.Event{
		Type:      models.EventConnected,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"instance_id": h.instanceID, "client_id": clientID},
	}

	h.mu.Lock()
	h.clients[clientID] = send
	h.mu.Unlock()

	h.logger.Debug().Str("client_id", clientID).Msg("WebSocket client connected")

	go h.writePump(clientID, conn, send)
	go h.readPump(clientID, conn)
}

func (h *WebSocketHandler) broadcast(event models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for clientID, send := range h.clients {
		select {
		case send <- event:
		default:
			h.logger.Warn().Str("client_id", clientID).Msg("WebSocket client is slow, dropping event")
		}
	}
}

func (h *WebSocketHandler) drop(clientID string) {
	h.mu.Lock()
	if send, ok := h.clients[clientID]; ok {
		delete(h.clients, clientID)
		close(send)
	}
	h.mu.Unlock()
}

// readPump discards inbound frames; its job is pong handling and
// noticing the peer going away.
func (h *WebSocketHandler) readPump(clientID string, conn *websocket.Conn) {
	defer func() {
		h.drop(clientID)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.logger.Debug().Str("client_id", clientID).Msg("WebSocket client disconnected")
			return
		}
	}
}

func (h *WebSocketHandler) writePump(clientID string, conn *websocket.Conn, send chan models.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				h.drop(clientID)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(clientID)
				return
			}
		}
	}
}
