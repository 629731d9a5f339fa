package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livesession-backend/internal/models"
)

// Stream is one websocket attachment to a session. Messages is closed when the
// connection drops.
type Stream struct {
	conn     *websocket.Conn
	messages chan models.InboundMessage
	writeMu  sync.Mutex
	once     sync.Once
}

func (c *Client) streamURL(sessionID uuid.UUID) (string, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", c.token)
	q.Set("session_id", sessionID.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial attaches to sessionID and returns once the server acknowledged the
// subscription, so every broadcast after that point is delivered.
func (c *Client) Dial(ctx context.Context, sessionID uuid.UUID) (*Stream, error) {
	target, err := c.streamURL(sessionID)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Code: "ATTACH_REJECTED", Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("failed to dial session stream: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ack models.InboundMessage
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read subscription ack: %w", err)
	}
	if ack.Type != models.MsgSubscribed {
		conn.Close()
		return nil, fmt.Errorf("unexpected first message %q", ack.Type)
	}
	conn.SetReadDeadline(time.Time{})

	s := &Stream{conn: conn, messages: make(chan models.InboundMessage, 256)}
	go s.read()
	return s, nil
}

func (s *Stream) read() {
	defer close(s.messages)
	for {
		var msg models.InboundMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		s.messages <- msg
	}
}

func (s *Stream) Messages() <-chan models.InboundMessage { return s.messages }

// Ping refreshes the caller's presence entry.
func (s *Stream) Ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(models.WSMessage{Type: models.MsgPing})
}

func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// Decode unmarshals a message payload into out.
func Decode(msg models.InboundMessage, out interface{}) error {
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", msg.Type, err)
	}
	return nil
}
