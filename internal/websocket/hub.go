package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livesession-backend/internal/broadcast"
	"livesession-backend/internal/middleware"
	"livesession-backend/internal/models"
	"livesession-backend/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// MemberLookup authorizes an attach and returns the caller's membership.
type MemberLookup interface {
	Member(ctx context.Context, sessionID, userID uuid.UUID) (*models.Member, error)
}

type Hub struct {
	auth         *middleware.JWTAuth
	members      MemberLookup
	channel      broadcast.Channel
	pingInterval time.Duration

	mu    sync.Mutex
	conns map[*client]struct{}
}

type client struct {
	conn      *websocket.Conn
	sessionID uuid.UUID
	userID    uuid.UUID
	send      chan []byte
	done      chan struct{}
	once      sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func NewHub(auth *middleware.JWTAuth, members MemberLookup, channel broadcast.Channel, pingInterval time.Duration) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Hub{
		auth:         auth,
		members:      members,
		channel:      channel,
		pingInterval: pingInterval,
		conns:        make(map[*client]struct{}),
	}
}

// HandleWebSocket attaches one connection to a session:
// GET /ws?token=<jwt>&session_id=<uuid>.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Authenticate via token query param
	userID, err := h.auth.ParseToken(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID, err := uuid.Parse(r.URL.Query().Get("session_id"))
	if err != nil {
		http.Error(w, "Invalid session_id", http.StatusBadRequest)
		return
	}

	member, err := h.members.Member(r.Context(), sessionID, userID)
	if err != nil {
		var (
			forbidden *services.ForbiddenError
			notFound  *services.NotFoundError
		)
		switch {
		case errors.As(err, &forbidden):
			http.Error(w, "Forbidden", http.StatusForbidden)
		case errors.As(err, &notFound):
			http.Error(w, "Not found", http.StatusNotFound)
		default:
			log.Printf("websocket: member lookup for %s failed: %v", sessionID, err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
		}
		return
	}

	// Subscribe before upgrading so nothing published after the ack is lost.
	ctx := context.Background()
	sub, err := h.channel.Subscribe(ctx, sessionID)
	if err != nil {
		log.Printf("websocket: subscribe to %s failed: %v", sessionID, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		sub.Close()
		return
	}

	c := &client{
		conn:      conn,
		sessionID: sessionID,
		userID:    userID,
		send:      make(chan []byte, 16),
		done:      make(chan struct{}),
	}

	ack, _ := json.Marshal(models.WSMessage{
		Type:    models.MsgSubscribed,
		Payload: models.SubscribedAck{SessionID: sessionID, UserID: userID},
	})
	// Written before the pumps start so the ack is always the first frame.
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
		sub.Close()
		conn.Close()
		return
	}
	h.register(c)

	if err := h.channel.Track(ctx, sessionID, models.Presence{
		UserID:      userID,
		DisplayName: member.DisplayName,
		Role:        member.Role,
	}); err != nil {
		log.Printf("websocket: track presence for %s failed: %v", userID, err)
	}

	go h.writePump(c, sub)
	go h.readPump(c, sub)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
	log.Printf("WebSocket connected: user %s session %s (total: %d)", c.userID, c.sessionID, len(h.conns))
}

func (h *Hub) unregister(c *client, sub broadcast.Subscription) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.close()
	sub.Close()
	if err := h.channel.Untrack(context.Background(), c.sessionID, c.userID); err != nil {
		log.Printf("websocket: untrack presence for %s failed: %v", c.userID, err)
	}
	log.Printf("WebSocket disconnected: user %s session %s", c.userID, c.sessionID)
}

func (h *Hub) readPump(c *client, sub broadcast.Subscription) {
	defer h.unregister(c, sub)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))

		var msg models.InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != models.MsgPing {
			continue
		}
		if err := h.channel.Touch(context.Background(), c.sessionID, c.userID); err != nil {
			log.Printf("websocket: touch presence for %s failed: %v", c.userID, err)
		}
		pong, _ := json.Marshal(models.WSMessage{Type: models.MsgPong, Payload: map[string]time.Time{"server_time": time.Now()}})
		select {
		case c.send <- pong:
		case <-c.done:
			return
		}
	}
}

func (h *Hub) writePump(c *client, sub broadcast.Subscription) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.unregister(c, sub)
	}()

	write := func(data []byte) bool {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if !write(data) {
				return
			}
		case data, ok := <-sub.C():
			if !ok {
				return
			}
			if !write(data) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Connections reports how many sockets are attached.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close drops every attached connection. Used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.close()
	}
}
