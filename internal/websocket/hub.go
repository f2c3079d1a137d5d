package websocket

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"itinder-backend/internal/models"
)

// Envelope is every frame the server writes.
type Envelope struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Data           any    `json:"data,omitempty"`
	Error          string `json:"error,omitempty"`
}

type userMessage struct {
	userID  string
	payload []byte
}

// Hub tracks connected clients by user so match events reach every device
// the user has open. Only Run touches the client set.
type Hub struct {
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan userMessage
	stopped    chan struct{}
	log        *logrus.Entry
}

func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan userMessage, 64),
		stopped:    make(chan struct{}),
		log:        log,
	}
}

// Run serves the hub until ctx ends. Clients connecting afterwards are
// turned away.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			if h.clients[client.userID] == nil {
				h.clients[client.userID] = make(map[*Client]struct{})
			}
			h.clients[client.userID][client] = struct{}{}
			h.log.WithField("user_id", client.userID).Info("Client connected")

		case client := <-h.unregister:
			if set, ok := h.clients[client.userID]; ok {
				delete(set, client)
				if len(set) == 0 {
					delete(h.clients, client.userID)
				}
				h.log.WithField("user_id", client.userID).Info("Client disconnected")
			}

		case msg := <-h.broadcast:
			for client := range h.clients[msg.userID] {
				if !client.offer(msg.payload) {
					h.log.WithField("user_id", msg.userID).Warn("Dropping event for slow client")
				}
			}
		}
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// BroadcastToUser queues payload for every connection of the user.
func (h *Hub) BroadcastToUser(userID string, payload []byte) {
	select {
	case h.broadcast <- userMessage{userID: userID, payload: payload}:
	default:
		h.log.WithField("user_id", userID).Warn("Broadcast queue full, dropping event")
	}
}

// MatchCreated tells both users about their new match.
func (h *Hub) MatchCreated(_ context.Context, a, b *models.User, conversationID string) {
	for _, pair := range [][2]*models.User{{a, b}, {b, a}} {
		payload, err := json.Marshal(Envelope{Type: "match", ConversationID: conversationID, Data: pair[1].Public()})
		if err != nil {
			h.log.WithError(err).Error("Failed to encode match event")
			return
		}
		h.BroadcastToUser(pair[0].Identifier, payload)
	}
}
