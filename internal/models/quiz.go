package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QuizActivity is the authored definition a live quiz run is played from.
type QuizActivity struct {
	ID            uuid.UUID       `json:"id"`
	SessionID     uuid.UUID       `json:"session_id"`
	Title         string          `json:"title"`
	QuestionsJSON json.RawMessage `json:"questions"`
	QuestionCount int             `json:"question_count"`
	CreatedBy     uuid.UUID       `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Questions decodes QuestionsJSON. An empty column yields no questions.
func (a *QuizActivity) Questions() ([]QuizQuestion, error) {
	if len(a.QuestionsJSON) == 0 {
		return nil, nil
	}
	var qs []QuizQuestion
	if err := json.Unmarshal(a.QuestionsJSON, &qs); err != nil {
		return nil, fmt.Errorf("failed to decode questions of activity %s: %w", a.ID, err)
	}
	return qs, nil
}

type QuizOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type QuizQuestion struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"` // "single" | "multiple" | "true_false" | "order" | "fill_blank" | "text"
	Question      string          `json:"question"`
	Options       []QuizOption    `json:"options,omitempty"`
	CorrectAnswer json.RawMessage `json:"correct_answer"`
	Points        *int            `json:"points,omitempty"`
	TimeLimit     *int            `json:"time_limit,omitempty"` // seconds
	Explanation   string          `json:"explanation,omitempty"`
}

type QuizStatus string

const (
	QuizWaiting         QuizStatus = "waiting"
	QuizQuestionDisplay QuizStatus = "question_display"
	QuizAnswering       QuizStatus = "answering"
	QuizAnswerClosed    QuizStatus = "answer_closed"
	QuizShowingResults  QuizStatus = "showing_results"
	QuizLeaderboard     QuizStatus = "leaderboard"
	QuizCompleted       QuizStatus = "completed"
)

type LiveQuizSession struct {
	ID                   uuid.UUID          `json:"id"`
	SessionID            uuid.UUID          `json:"session_id"`
	ActivityID           uuid.UUID          `json:"activity_id"`
	Status               QuizStatus         `json:"status"`
	CurrentQuestionIndex int                `json:"current_question_index"`
	TotalQuestions       int                `json:"total_questions"`
	QuestionStartedAt    *time.Time         `json:"question_started_at"`
	QuestionTimeLimit    *int               `json:"question_time_limit"`
	AnswersReceived      int                `json:"answers_received"`
	ParticipantCount     int                `json:"participant_count"`
	Leaderboard          []LeaderboardEntry `json:"leaderboard"`
	RevealedIndices      []int              `json:"revealed_indices"`
	StartedAt            *time.Time         `json:"started_at"`
	EndedAt              *time.Time         `json:"ended_at"`
	CreatedBy            uuid.UUID          `json:"created_by"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// QuizChange describes one conditional write to a LiveQuizSession row.
type QuizChange struct {
	Status               QuizStatus
	QuestionIndex        *int
	ResetAnswersReceived bool
	OpenWithTimeLimit    *int
	Leaderboard          []LeaderboardEntry
	MarkEnded            bool
	// RevealCurrent adds the current question index to RevealedIndices.
	RevealCurrent bool
}

type LiveQuizAnswer struct {
	ID            uuid.UUID       `json:"id"`
	LiveQuizID    uuid.UUID       `json:"live_quiz_id"`
	UserID        uuid.UUID       `json:"user_id"`
	QuestionIndex int             `json:"question_index"`
	Answer        json.RawMessage `json:"answer"`
	AnswerTimeMs  int             `json:"answer_time_ms"`
	IsCorrect     bool            `json:"is_correct"`
	PointsEarned  int             `json:"points_earned"`
	TimeBonus     int             `json:"time_bonus"`
	CreatedAt     time.Time       `json:"created_at"`
}

type LiveQuizScore struct {
	LiveQuizID      uuid.UUID `json:"live_quiz_id"`
	UserID          uuid.UUID `json:"user_id"`
	TotalScore      int       `json:"total_score"`
	CorrectAnswers  int       `json:"correct_answers"`
	TotalAnswered   int       `json:"total_answered"`
	TotalTimeMs     int64     `json:"-"`
	AverageTimeMs   *int      `json:"average_time_ms"`
	FastestAnswerMs *int      `json:"fastest_answer_ms"`
	CurrentStreak   int       `json:"current_streak"`
	StreakBest      int       `json:"streak_best"`
	FinalRank       *int      `json:"final_rank"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// FillAverage derives AverageTimeMs from the running totals.
func (s *LiveQuizScore) FillAverage() {
	if s.TotalAnswered == 0 {
		s.AverageTimeMs = nil
		return
	}
	avg := int(s.TotalTimeMs / int64(s.TotalAnswered))
	s.AverageTimeMs = &avg
}

type LeaderboardEntry struct {
	Rank           int       `json:"rank"`
	UserID         uuid.UUID `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	AvatarRef      *string   `json:"avatar_ref,omitempty"`
	TotalScore     int       `json:"total_score"`
	CorrectAnswers int       `json:"correct_answers"`
	AverageTimeMs  *int      `json:"average_time_ms,omitempty"`
}

type FastestAnswer struct {
	UserID uuid.UUID `json:"user_id"`
	TimeMs int       `json:"time_ms"`
}

type QuestionResult struct {
	QuestionIndex      int             `json:"question_index"`
	CorrectAnswer      json.RawMessage `json:"correct_answer"`
	AnswerDistribution map[string]int  `json:"answer_distribution"`
	CorrectCount       int             `json:"correct_count"`
	TotalAnswers       int             `json:"total_answers"`
	AverageTimeMs      float64         `json:"average_time_ms"`
	FastestUser        *FastestAnswer  `json:"fastest_user,omitempty"`
}

type AnswerCount struct {
	LiveQuizID    uuid.UUID `json:"live_quiz_id"`
	QuestionIndex int       `json:"question_index"`
	Count         int       `json:"count"`
}

// SubmitResult is what a learner gets back from an accepted answer.
type SubmitResult struct {
	Answer *LiveQuizAnswer `json:"answer"`
	Score  *LiveQuizScore  `json:"score"`
}

// QuizSnapshot is what a participant loads on quiz (re)attach. Answers holds
// every stored answer of the run so results can be rebuilt locally.
type QuizSnapshot struct {
	Activity   *QuizActivity     `json:"activity"`
	Quiz       *LiveQuizSession  `json:"quiz"`
	Answers    []*LiveQuizAnswer `json:"answers"`
	MyScore    *LiveQuizScore    `json:"my_score"`
	MyAnswer   *LiveQuizAnswer   `json:"my_answer"`
	ServerTime time.Time         `json:"server_time"`
}
