package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"itinder-backend/internal/conversation"
	"itinder-backend/internal/middleware"
	"itinder-backend/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxCommandSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Command is a frame sent by the client.
type Command struct {
	Type           string                    `json:"type"`
	ConversationID string                    `json:"conversationId,omitempty"`
	Cache          map[string]models.Message `json:"cache,omitempty"`
}

// Client is one websocket connection. Its session owns every feed the
// client asked for.
type Client struct {
	hub     *Hub
	conv    *conversation.Service
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	userID  string
	session *conversation.Session
	log     *logrus.Entry
}

// HandleWebSocket upgrades an authenticated request.
func HandleWebSocket(hub *Hub, conv *conversation.Service, c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &Client{
		hub:     hub,
		conv:    conv,
		conn:    conn,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		userID:  userID,
		session: conv.NewSession(),
		log:     hub.log.WithField("user_id", userID),
	}
	if !hub.add(client) {
		client.session.Close()
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// offer queues payload without waiting.
func (c *Client) offer(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// deliver queues env, waiting while the connection is alive.
func (c *Client) deliver(env Envelope) bool {
	payload, err := json.Marshal(env)
	if err != nil {
		c.log.WithError(err).Error("Failed to encode event")
		return true
	}
	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	}
}

// reply queues env without waiting. The read loop uses it so a stalled
// writer cannot block it.
func (c *Client) reply(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		c.log.WithError(err).Error("Failed to encode reply")
		return
	}
	if !c.offer(payload) {
		c.log.Warn("Dropping reply for slow client")
	}
}

func (c *Client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.session.Close()
		close(c.done)
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxCommandSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.reply(Envelope{Type: "error", Error: "malformed command"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("WebSocket read error")
			}
			return
		}
		c.handle(ctx, cmd)
	}
}

func (c *Client) handle(ctx context.Context, cmd Command) {
	switch cmd.Type {
	case "observe_conversations":
		feed, err := c.session.ObserveConversationList(ctx, c.userID)
		if err != nil {
			c.fail(cmd, err)
			return
		}
		go forward(c, feed, "conversations", "")

	case "observe_preview":
		if !c.allowed(ctx, cmd) {
			return
		}
		feed, err := c.session.ObserveLastMessagePreview(ctx, cmd.ConversationID)
		if err != nil {
			c.fail(cmd, err)
			return
		}
		go forward(c, feed, "preview", cmd.ConversationID)

	case "observe_messages":
		if !c.allowed(ctx, cmd) {
			return
		}
		cache := cmd.Cache
		feed, err := c.session.ObserveMessages(ctx, cmd.ConversationID, func() map[string]models.Message { return cache })
		if err != nil {
			c.fail(cmd, err)
			return
		}
		go forward(c, feed, "messages", cmd.ConversationID)

	case "stop_conversations":
		c.session.StopObservingConversationList(c.userID)
	case "stop_preview":
		c.session.StopObservingPreview(cmd.ConversationID)
	case "stop_previews":
		c.session.StopObservingPreviews()
	case "stop_messages":
		c.session.StopObservingMessages(cmd.ConversationID)

	default:
		c.reply(Envelope{Type: "error", Error: "unknown command " + cmd.Type})
	}
}

func (c *Client) allowed(ctx context.Context, cmd Command) bool {
	ok, err := c.conv.IsParticipant(ctx, c.userID, cmd.ConversationID)
	if err != nil {
		c.fail(cmd, err)
		return false
	}
	if !ok {
		c.reply(Envelope{Type: "error", ConversationID: cmd.ConversationID, Error: "not a participant"})
	}
	return ok
}

func (c *Client) fail(cmd Command, err error) {
	c.log.WithError(err).WithField("command", cmd.Type).Warn("Command failed")
	c.reply(Envelope{Type: "error", ConversationID: cmd.ConversationID, Error: err.Error()})
}

// forward copies feed events to the connection until either ends.
func forward[T any](c *Client, feed *conversation.Feed[T], kind, conversationID string) {
	defer feed.Stop()
	for ev := range feed.Events() {
		env := Envelope{Type: kind, ConversationID: conversationID, Data: ev.Value}
		if ev.Err != nil {
			env.Error = ev.Err.Error()
		}
		if !c.deliver(env) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Warn("WebSocket write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
