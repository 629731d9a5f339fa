package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobSessionFinalize = "session-finalize"
	JobQuizFinalize    = "quiz-finalize"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// DefaultJobRetries applies when a job row carries no max_retries.
const DefaultJobRetries = 3

// Terminal reports whether no worker will pick the job up again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type Job struct {
	ID           uuid.UUID  `json:"id"`
	SessionID    uuid.UUID  `json:"session_id"`
	Type         string     `json:"type"` // "session-finalize" | "quiz-finalize"
	ReferenceID  uuid.UUID  `json:"reference_id"`
	Status       JobStatus  `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ErrorMessage *string    `json:"error_message"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

// WebSocket message types
const (
	MsgSubscribed      = "subscribed"
	MsgSessionState    = "session_state.updated"
	MsgMemberUpserted  = "member.upserted"
	MsgProgressUpdated = "learner_progress.updated"
	MsgEventCreated    = "session_event.created"
	MsgPresenceSync    = "presence_sync"
	MsgLiveQuizCreated = "live_quiz.created"
	MsgLiveQuizUpdated = "live_quiz.updated"
	MsgQuestionResults = "question_results"
	MsgAnswerCount     = "answer_count"
	MsgPing            = "ping"
	MsgPong            = "pong"
)

type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// InboundMessage is a WSMessage as read off the wire, payload still encoded.
type InboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SubscribedAck struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
