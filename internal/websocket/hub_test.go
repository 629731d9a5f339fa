package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession-backend/internal/broadcast"
	"livesession-backend/internal/middleware"
	"livesession-backend/internal/models"
	"livesession-backend/internal/repository/memory"
	"livesession-backend/internal/services"
)

type hubEnv struct {
	server   *httptest.Server
	auth     *middleware.JWTAuth
	channel  *broadcast.Local
	sessions *services.SessionService
	hub      *Hub
}

func newHubEnv(t *testing.T) *hubEnv {
	t.Helper()
	db := memory.New()
	channel := broadcast.NewLocal()
	eventLog := services.NewEventLog(db.Events(), channel)
	sessions := services.NewSessionService(db.Sessions(), db.Members(), db.Progress(), eventLog, channel, nil, services.SessionOptions{})
	auth := middleware.NewJWTAuth("hub-secret")
	hub := NewHub(auth, sessions, channel, time.Second)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return &hubEnv{server: server, auth: auth, channel: channel, sessions: sessions, hub: hub}
}

func (e *hubEnv) url(t *testing.T, userID, sessionID uuid.UUID) string {
	t.Helper()
	tok, err := e.auth.IssueToken(userID, time.Hour)
	require.NoError(t, err)
	q := url.Values{}
	q.Set("token", tok)
	q.Set("session_id", sessionID.String())
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?" + q.Encode()
}

func readMessage(t *testing.T, conn *websocket.Conn) models.InboundMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg models.InboundMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readUntil skips presence_sync and other noise until a message of type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) models.InboundMessage {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := readMessage(t, conn)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message received", msgType)
	return models.InboundMessage{}
}

func TestHub_AttachAckAndBroadcast(t *testing.T) {
	env := newHubEnv(t)
	ctx := context.Background()
	trainer := uuid.New()
	state, err := env.sessions.CreateSession(ctx, trainer, services.CreateSessionInput{DisplayName: "Trainer"})
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(env.url(t, trainer, state.SessionID), nil)
	require.NoError(t, err)
	defer conn.Close()

	ack := readMessage(t, conn)
	assert.Equal(t, models.MsgSubscribed, ack.Type)
	var payload models.SubscribedAck
	require.NoError(t, json.Unmarshal(ack.Payload, &payload))
	assert.Equal(t, state.SessionID, payload.SessionID)
	assert.Equal(t, trainer, payload.UserID)

	_, err = env.sessions.Start(ctx, state.SessionID, trainer)
	require.NoError(t, err)

	msg := readUntil(t, conn, models.MsgSessionState)
	var updated models.SessionState
	require.NoError(t, json.Unmarshal(msg.Payload, &updated))
	assert.Equal(t, models.SessionLive, updated.Status)

	presence, err := env.channel.Presence(ctx, state.SessionID)
	require.NoError(t, err)
	require.Len(t, presence, 1)
	assert.Equal(t, trainer, presence[0].UserID)
	assert.Equal(t, models.RoleTrainer, presence[0].Role)
}

func TestHub_PingGetsPong(t *testing.T) {
	env := newHubEnv(t)
	ctx := context.Background()
	trainer := uuid.New()
	state, err := env.sessions.CreateSession(ctx, trainer, services.CreateSessionInput{DisplayName: "Trainer"})
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(env.url(t, trainer, state.SessionID), nil)
	require.NoError(t, err)
	defer conn.Close()
	readUntil(t, conn, models.MsgSubscribed)

	require.NoError(t, conn.WriteJSON(models.WSMessage{Type: models.MsgPing}))
	readUntil(t, conn, models.MsgPong)
}

func TestHub_DisconnectUntracksPresence(t *testing.T) {
	env := newHubEnv(t)
	ctx := context.Background()
	trainer := uuid.New()
	state, err := env.sessions.CreateSession(ctx, trainer, services.CreateSessionInput{DisplayName: "Trainer"})
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(env.url(t, trainer, state.SessionID), nil)
	require.NoError(t, err)
	readUntil(t, conn, models.MsgSubscribed)
	conn.Close()

	require.Eventually(t, func() bool {
		p, _ := env.channel.Presence(ctx, state.SessionID)
		return len(p) == 0 && env.hub.Connections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsBadAttach(t *testing.T) {
	env := newHubEnv(t)
	ctx := context.Background()
	trainer := uuid.New()
	state, err := env.sessions.CreateSession(ctx, trainer, services.CreateSessionInput{DisplayName: "Trainer"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		url        string
		wantStatus int
	}{
		{"missing token", "ws" + strings.TrimPrefix(env.server.URL, "http") + "/?session_id=" + state.SessionID.String(), http.StatusUnauthorized},
		{"bad session id", strings.Replace(env.url(t, trainer, state.SessionID), state.SessionID.String(), "nope", 1), http.StatusBadRequest},
		{"not a member", env.url(t, uuid.New(), state.SessionID), http.StatusForbidden},
		{"unknown session", env.url(t, trainer, uuid.New()), http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(tc.url, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tc.wantStatus, resp.StatusCode)
		})
	}
}
