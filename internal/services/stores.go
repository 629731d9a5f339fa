package services

import (
	"context"

	"github.com/google/uuid"

	"livesession-backend/internal/models"
)

// The stores below are implemented by the pgx repositories and by the
// in-process memory store. Not-found is reported as pgx.ErrNoRows.

type SessionStateStore interface {
	Create(ctx context.Context, state *models.SessionState, trainer *models.Member) error
	Get(ctx context.Context, sessionID uuid.UUID) (*models.SessionState, error)
	Apply(ctx context.Context, sessionID uuid.UUID, from []models.SessionStatus, change models.StateChange, ev *models.SessionEvent) (*models.SessionState, bool, error)
}

type MemberStore interface {
	Enroll(ctx context.Context, m *models.Member) (bool, error)
	Get(ctx context.Context, sessionID, userID uuid.UUID) (*models.Member, error)
	List(ctx context.Context, sessionID uuid.UUID) ([]*models.Member, error)
	CountLearners(ctx context.Context, sessionID uuid.UUID, statuses []models.MemberStatus) (int, error)
	SetStatus(ctx context.Context, sessionID, userID uuid.UUID, from []models.MemberStatus, status models.MemberStatus) (*models.Member, error)
	CompleteRemaining(ctx context.Context, sessionID uuid.UUID) (int64, error)
	Touch(ctx context.Context, sessionID, userID uuid.UUID) error
}

type ProgressStore interface {
	Ensure(ctx context.Context, sessionID, userID uuid.UUID) (*models.LearnerProgress, error)
	Get(ctx context.Context, sessionID, userID uuid.UUID) (*models.LearnerProgress, error)
	List(ctx context.Context, sessionID uuid.UUID) ([]*models.LearnerProgress, error)
	MarkViewed(ctx context.Context, sessionID, userID uuid.UUID, ref string, ev *models.SessionEvent) (*models.LearnerProgress, bool, error)
	MarkCompleted(ctx context.Context, sessionID, userID uuid.UUID, ref string, ev *models.SessionEvent) (*models.LearnerProgress, bool, error)
	SetRelativeStatus(ctx context.Context, sessionID, userID uuid.UUID, from []models.RelativeStatus, status models.RelativeStatus, ev *models.SessionEvent) (*models.LearnerProgress, bool, error)
	Update(ctx context.Context, sessionID, userID uuid.UUID, upd models.ProgressUpdate) (*models.LearnerProgress, error)
	Heartbeat(ctx context.Context, sessionID, userID uuid.UUID) (*models.LearnerProgress, error)
}

type EventStore interface {
	Append(ctx context.Context, ev *models.SessionEvent) error
	List(ctx context.Context, sessionID uuid.UUID, limit int, before int64) ([]*models.SessionEvent, error)
}

type QuizStore interface {
	CreateActivity(ctx context.Context, a *models.QuizActivity) error
	GetActivity(ctx context.Context, id uuid.UUID) (*models.QuizActivity, error)
	CreateRun(ctx context.Context, q *models.LiveQuizSession) (*models.LiveQuizSession, bool, error)
	LatestForActivity(ctx context.Context, activityID uuid.UUID) (*models.LiveQuizSession, error)
	Get(ctx context.Context, id uuid.UUID) (*models.LiveQuizSession, error)
	Advance(ctx context.Context, id uuid.UUID, from []models.QuizStatus, change models.QuizChange) (*models.LiveQuizSession, bool, error)
	IncrementAnswersReceived(ctx context.Context, id uuid.UUID) (int, error)
	RecordAnswer(ctx context.Context, a *models.LiveQuizAnswer) (*models.LiveQuizScore, bool, error)
	ListAnswers(ctx context.Context, quizID uuid.UUID) ([]*models.LiveQuizAnswer, error)
	GetAnswer(ctx context.Context, quizID, userID uuid.UUID, index int) (*models.LiveQuizAnswer, error)
	ListScores(ctx context.Context, quizID uuid.UUID) ([]*models.LiveQuizScore, error)
	GetScore(ctx context.Context, quizID, userID uuid.UUID) (*models.LiveQuizScore, error)
	SetFinalRanks(ctx context.Context, quizID uuid.UUID, ranks map[uuid.UUID]int) error
}

// Broadcaster is the part of the broadcast channel services need.
type Broadcaster interface {
	Publish(ctx context.Context, sessionID uuid.UUID, msg models.WSMessage) error
	Presence(ctx context.Context, sessionID uuid.UUID) ([]models.Presence, error)
}

// JobEnqueuer schedules background work after a command has been applied.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}
