// Package client talks to the session server over HTTP and the websocket
// stream. It is used by the reconciler and the terminal monitor.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"livesession-backend/internal/models"
)

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var envelope models.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&envelope)
		return &APIError{
			Status:    resp.StatusCode,
			Code:      envelope.Error.Code,
			Message:   envelope.Error.Message,
			RequestID: envelope.Error.RequestID,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func sessionPath(sessionID uuid.UUID) string {
	return "/sessions/" + sessionID.String()
}

func quizPath(quizID uuid.UUID) string {
	return "/live-quizzes/" + quizID.String()
}

func (c *Client) Snapshot(ctx context.Context, sessionID uuid.UUID) (*models.SessionSnapshot, error) {
	var snap models.SessionSnapshot
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID)+"/snapshot", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) QuizSnapshot(ctx context.Context, sessionID, activityID uuid.UUID) (*models.QuizSnapshot, error) {
	var snap models.QuizSnapshot
	path := sessionPath(sessionID) + "/quizzes/" + activityID.String() + "/snapshot"
	if err := c.do(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Heartbeat(ctx context.Context, sessionID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, sessionPath(sessionID)+"/heartbeat", nil, nil)
}

// SessionCommand posts a body-less trainer command such as "start" or "end".
func (c *Client) SessionCommand(ctx context.Context, sessionID uuid.UUID, command string) (*models.SessionState, error) {
	var resp struct {
		State *models.SessionState `json:"state"`
	}
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID)+"/"+command, nil, &resp); err != nil {
		return nil, err
	}
	return resp.State, nil
}

func (c *Client) SetMode(ctx context.Context, sessionID uuid.UUID, mode models.SessionStatus) (*models.SessionState, error) {
	var resp struct {
		State *models.SessionState `json:"state"`
	}
	if err := c.do(ctx, http.MethodPut, sessionPath(sessionID)+"/mode", map[string]string{"mode": string(mode)}, &resp); err != nil {
		return nil, err
	}
	return resp.State, nil
}

func (c *Client) ClearMessage(ctx context.Context, sessionID uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, sessionPath(sessionID)+"/message", nil, nil)
}

func (c *Client) StartQuiz(ctx context.Context, sessionID, activityID uuid.UUID) (*models.LiveQuizSession, error) {
	var resp struct {
		Quiz *models.LiveQuizSession `json:"quiz"`
	}
	path := sessionPath(sessionID) + "/quizzes/" + activityID.String() + "/start"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Quiz, nil
}

// QuizCommand posts a body-less quiz command: open, close, results,
// leaderboard, next or end.
func (c *Client) QuizCommand(ctx context.Context, quizID uuid.UUID, command string) error {
	return c.do(ctx, http.MethodPost, quizPath(quizID)+"/"+command, nil, nil)
}

func (c *Client) ShowQuestion(ctx context.Context, quizID uuid.UUID, index int) (*models.LiveQuizSession, error) {
	var resp struct {
		Quiz *models.LiveQuizSession `json:"quiz"`
	}
	if err := c.do(ctx, http.MethodPost, quizPath(quizID)+"/show-question", map[string]int{"question_index": index}, &resp); err != nil {
		return nil, err
	}
	return resp.Quiz, nil
}

func (c *Client) SubmitAnswer(ctx context.Context, quizID uuid.UUID, index int, answer json.RawMessage) (*models.SubmitResult, error) {
	var res models.SubmitResult
	body := map[string]interface{}{"question_index": index, "answer": answer}
	if err := c.do(ctx, http.MethodPost, quizPath(quizID)+"/answers", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// TokenSubject reads the user id a token was issued for. The signature is
// not checked; the server does that on every request.
func TokenSubject(token string) (uuid.UUID, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return uuid.Nil, fmt.Errorf("failed to parse token: %w", err)
	}
	subject, _ := claims["user_id"].(string)
	if subject == "" {
		subject, _ = claims["sub"].(string)
	}
	id, err := uuid.Parse(subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("token subject %q is not a user id", subject)
	}
	return id, nil
}
