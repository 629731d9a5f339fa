package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionWaiting    SessionStatus = "waiting"
	SessionLive       SessionStatus = "live"
	SessionBreak      SessionStatus = "break"
	SessionExercise   SessionStatus = "exercise"
	SessionQuizLive   SessionStatus = "quiz_live"
	SessionDiscussion SessionStatus = "discussion"
	SessionCompleted  SessionStatus = "completed"
)

// AllSessionStatuses lists every status in declaration order.
var AllSessionStatuses = []SessionStatus{
	SessionWaiting, SessionLive, SessionBreak, SessionExercise,
	SessionQuizLive, SessionDiscussion, SessionCompleted,
}

func (s SessionStatus) Valid() bool {
	for _, v := range AllSessionStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s SessionStatus) Terminal() bool { return s == SessionCompleted }

// IsMode reports whether the status can be entered through setMode.
func (s SessionStatus) IsMode() bool {
	switch s {
	case SessionLive, SessionExercise, SessionQuizLive, SessionDiscussion:
		return true
	}
	return false
}

type MessageKind string

const (
	MessageInfo    MessageKind = "info"
	MessageWarning MessageKind = "warning"
	MessageSuccess MessageKind = "success"
	MessageAction  MessageKind = "action"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageInfo, MessageWarning, MessageSuccess, MessageAction:
		return true
	}
	return false
}

type TrainerMessage struct {
	Text string      `json:"text"`
	Kind MessageKind `json:"kind"`
	At   time.Time   `json:"at"`
}

type SessionState struct {
	SessionID         uuid.UUID       `json:"session_id"`
	Status            SessionStatus   `json:"status"`
	StartedAt         *time.Time      `json:"started_at"`
	PausedAt          *time.Time      `json:"paused_at"`
	TotalPauseSeconds int             `json:"total_pause_seconds"`
	CurrentModuleRef  *string         `json:"current_module_ref"`
	CurrentItemRef    *string         `json:"current_item_ref"`
	UnlockedModules   []string        `json:"unlocked_modules"`
	UnlockedItems     []string        `json:"unlocked_items"`
	TrainerMessage    *TrainerMessage `json:"trainer_message"`
	ActiveQuizID      *uuid.UUID      `json:"active_quiz_id"`
	UpdatedBy         *uuid.UUID      `json:"updated_by"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// StateChange describes one conditional write to a SessionState row.
// Unlock refs are applied only when absent; a change whose only effect is an
// already-present unlock is not applied at all.
type StateChange struct {
	Status          *SessionStatus
	MarkStarted     bool
	MarkPaused      bool
	ClearPause      bool
	CurrentModule   *string
	CurrentItem     *string
	UnlockModule    string
	UnlockItem      string
	Message         *TrainerMessage
	ClearMessage    bool
	ActiveQuizID    *uuid.UUID
	ClearActiveQuiz bool
	UpdatedBy       uuid.UUID
}

type MemberRole string

const (
	RoleTrainer MemberRole = "trainer"
	RoleLearner MemberRole = "learner"
)

type MemberStatus string

const (
	MemberEnrolled  MemberStatus = "enrolled"
	MemberActive    MemberStatus = "active"
	MemberDropped   MemberStatus = "dropped"
	MemberCompleted MemberStatus = "completed"
)

type Member struct {
	ID          uuid.UUID    `json:"id"`
	SessionID   uuid.UUID    `json:"session_id"`
	UserID      uuid.UUID    `json:"user_id"`
	Role        MemberRole   `json:"role"`
	Status      MemberStatus `json:"status"`
	DisplayName string       `json:"display_name"`
	AvatarRef   *string      `json:"avatar_ref"`
	JoinedAt    time.Time    `json:"joined_at"`
	LastSeenAt  time.Time    `json:"last_seen_at"`
}

type RelativeStatus string

const (
	PaceOnTrack RelativeStatus = "on_track"
	PaceAhead   RelativeStatus = "ahead"
	PaceBehind  RelativeStatus = "behind"
	PaceStuck   RelativeStatus = "stuck"
)

type LearnerProgress struct {
	SessionID             uuid.UUID      `json:"session_id"`
	UserID                uuid.UUID      `json:"user_id"`
	ViewedItems           []string       `json:"viewed_items"`
	CompletedItems        []string       `json:"completed_items"`
	ItemsViewed           int            `json:"items_viewed"`
	ItemsCompleted        int            `json:"items_completed"`
	CurrentItemRef        *string        `json:"current_item_ref"`
	OverallScore          *float64       `json:"overall_score"`
	TotalTimeSpentSeconds int            `json:"total_time_spent_seconds"`
	RelativeStatus        RelativeStatus `json:"relative_status"`
	LastHeartbeatAt       time.Time      `json:"last_heartbeat_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

type ProgressUpdate struct {
	CurrentItemRef   *string  `json:"current_item_ref"`
	OverallScore     *float64 `json:"overall_score"`
	TimeSpentSeconds int      `json:"time_spent_seconds"`
}

const (
	EventSessionStarted  = "session_started"
	EventSessionPaused   = "session_paused"
	EventSessionResumed  = "session_resumed"
	EventSessionEnded    = "session_ended"
	EventModuleActivated = "module_activated"
	EventItemActivated   = "item_activated"
	EventModuleUnlocked  = "module_unlocked"
	EventItemUnlocked    = "item_unlocked"
	EventTrainerMessage  = "trainer_message"
	EventItemStarted     = "item_started"
	EventItemCompleted   = "item_completed"
	EventHelpRequested   = "help_requested"
	EventHelpResolved    = "help_resolved"
	EventMemberJoined    = "member_joined"
	EventMemberLeft      = "member_left"
	EventQuizStarted     = "quiz_started"
	EventQuizEnded       = "quiz_ended"
)

// ModeStartedEvent returns the event type recorded when setMode enters mode.
func ModeStartedEvent(mode SessionStatus) string {
	if mode == SessionLive {
		return EventSessionResumed
	}
	return string(mode) + "_started"
}

type SessionEvent struct {
	ID        uuid.UUID       `json:"id"`
	Seq       int64           `json:"seq"`
	SessionID uuid.UUID       `json:"session_id"`
	UserID    *uuid.UUID      `json:"user_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Presence struct {
	UserID      uuid.UUID  `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Role        MemberRole `json:"role"`
	ConnectedAt time.Time  `json:"connected_at"`
	LastPingAt  time.Time  `json:"last_ping_at"`
}

// SessionSnapshot is the read model a participant loads on attach.
type SessionSnapshot struct {
	State        *SessionState      `json:"state"`
	Members      []*Member          `json:"members"`
	Progress     []*LearnerProgress `json:"progress"`
	RecentEvents []*SessionEvent    `json:"recent_events"`
	Presence     []Presence         `json:"presence"`
	ServerTime   time.Time          `json:"server_time"`
}
