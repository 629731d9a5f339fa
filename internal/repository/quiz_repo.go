package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"livesession-backend/internal/models"
)

const liveQuizColumns = `id, session_id, activity_id, status, current_question_index, total_questions,
	question_started_at, question_time_limit, answers_received, participant_count, leaderboard,
	revealed_indices, started_at, ended_at, created_by, created_at, updated_at`

const answerColumns = `id, live_quiz_id, user_id, question_index, answer, answer_time_ms,
	is_correct, points_earned, time_bonus, created_at`

const scoreColumns = `live_quiz_id, user_id, total_score, correct_answers, total_answered, total_time_ms,
	fastest_answer_ms, current_streak, streak_best, final_rank, updated_at`

type QuizRepo struct {
	pool *pgxpool.Pool
}

func NewQuizRepo(pool *pgxpool.Pool) *QuizRepo {
	return &QuizRepo{pool: pool}
}

func (r *QuizRepo) CreateActivity(ctx context.Context, a *models.QuizActivity) error {
	a.ID = uuid.New()
	if len(a.QuestionsJSON) == 0 {
		a.QuestionsJSON = json.RawMessage("[]")
	}

	query := `INSERT INTO quiz_activities (id, session_id, title, questions_json, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING jsonb_array_length(questions_json), created_at`

	return r.pool.QueryRow(ctx, query, a.ID, a.SessionID, a.Title, a.QuestionsJSON, a.CreatedBy).Scan(&a.QuestionCount, &a.CreatedAt)
}

func (r *QuizRepo) GetActivity(ctx context.Context, id uuid.UUID) (*models.QuizActivity, error) {
	a := &models.QuizActivity{}
	query := `SELECT id, session_id, title, questions_json, jsonb_array_length(questions_json), created_by, created_at
		FROM quiz_activities WHERE id = $1`

	err := r.pool.QueryRow(ctx, query, id).Scan(&a.ID, &a.SessionID, &a.Title, &a.QuestionsJSON, &a.QuestionCount, &a.CreatedBy, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CreateRun inserts q unless the activity already has an unfinished run, in
// which case that run is returned and created is false.
func (r *QuizRepo) CreateRun(ctx context.Context, q *models.LiveQuizSession) (*models.LiveQuizSession, bool, error) {
	q.ID = uuid.New()
	row := r.pool.QueryRow(ctx, `INSERT INTO live_quiz_sessions
			(id, session_id, activity_id, status, total_questions, participant_count, created_by, started_at)
		VALUES ($1, $2, $3, 'waiting', $4, $5, $6, NOW())
		ON CONFLICT (activity_id) WHERE status <> 'completed' DO NOTHING
		RETURNING `+liveQuizColumns,
		q.ID, q.SessionID, q.ActivityID, q.TotalQuestions, q.ParticipantCount, q.CreatedBy)

	created, err := scanLiveQuiz(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create live quiz: %w", err)
	}

	existing, err := r.LatestForActivity(ctx, q.ActivityID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load running live quiz: %w", err)
	}
	return existing, false, nil
}

// LatestForActivity returns the unfinished run of the activity, or its most
// recent finished one.
func (r *QuizRepo) LatestForActivity(ctx context.Context, activityID uuid.UUID) (*models.LiveQuizSession, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+liveQuizColumns+` FROM live_quiz_sessions
		WHERE activity_id = $1
		ORDER BY (status <> 'completed') DESC, created_at DESC
		LIMIT 1`, activityID)
	return scanLiveQuiz(row)
}

func (r *QuizRepo) Get(ctx context.Context, id uuid.UUID) (*models.LiveQuizSession, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+liveQuizColumns+` FROM live_quiz_sessions WHERE id = $1`, id)
	return scanLiveQuiz(row)
}

// Advance writes change when the run's status is in from. Moving to another
// question additionally requires the index to advance, or to stay while the
// run is still waiting.
func (r *QuizRepo) Advance(ctx context.Context, id uuid.UUID, from []models.QuizStatus, change models.QuizChange) (*models.LiveQuizSession, bool, error) {
	names := make([]string, len(from))
	for i, s := range from {
		names[i] = string(s)
	}
	args := []any{id, names}
	var sets []string
	add := func(clause string, v any) {
		args = append(args, v)
		sets = append(sets, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(args))))
	}

	add("status = ?", string(change.Status))
	where := "id = $1 AND status = ANY($2)"
	if change.QuestionIndex != nil {
		add("current_question_index = ?::INT", *change.QuestionIndex)
		where += fmt.Sprintf(" AND (current_question_index < $%[1]d OR (status = 'waiting' AND current_question_index <= $%[1]d))", len(args))
		sets = append(sets, "question_started_at = NULL", "question_time_limit = NULL")
	}
	if change.ResetAnswersReceived {
		sets = append(sets, "answers_received = 0")
	}
	if change.OpenWithTimeLimit != nil {
		sets = append(sets, "question_started_at = NOW()")
		add("question_time_limit = ?", *change.OpenWithTimeLimit)
	}
	if change.Leaderboard != nil {
		board, _ := json.Marshal(change.Leaderboard)
		add("leaderboard = ?", board)
	}
	if change.MarkEnded {
		sets = append(sets, "ended_at = NOW()")
	}
	if change.RevealCurrent {
		sets = append(sets, `revealed_indices = CASE
			WHEN current_question_index = ANY(revealed_indices) THEN revealed_indices
			ELSE array_append(revealed_indices, current_question_index) END`)
	}
	sets = append(sets, "updated_at = NOW()")

	query := fmt.Sprintf(`UPDATE live_quiz_sessions SET %s WHERE %s RETURNING %s`,
		strings.Join(sets, ", "), where, liveQuizColumns)

	q, err := scanLiveQuiz(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to advance live quiz: %w", err)
	}
	return q, true, nil
}

func (r *QuizRepo) IncrementAnswersReceived(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `UPDATE live_quiz_sessions
		SET answers_received = answers_received + 1
		WHERE id = $1
		RETURNING answers_received`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count answer: %w", err)
	}
	return n, nil
}

// RecordAnswer inserts the answer only while the run is answering the
// answer's question and no answer exists for the same learner and question,
// then folds it into the learner's score in the same transaction. recorded is
// false when the insert was refused.
func (r *QuizRepo) RecordAnswer(ctx context.Context, a *models.LiveQuizAnswer) (*models.LiveQuizScore, bool, error) {
	a.ID = uuid.New()
	var score *models.LiveQuizScore

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `INSERT INTO live_quiz_answers
				(id, live_quiz_id, user_id, question_index, answer, answer_time_ms, is_correct, points_earned, time_bonus)
			SELECT $1::UUID, $2::UUID, $3::UUID, $4::INT, $5::JSONB, $6::INT, $7::BOOLEAN, $8::INT, $9::INT
			WHERE EXISTS (
				SELECT 1 FROM live_quiz_sessions
				WHERE id = $2 AND status = 'answering' AND current_question_index = $4
			)
			ON CONFLICT (live_quiz_id, user_id, question_index) DO NOTHING
			RETURNING created_at`,
			a.ID, a.LiveQuizID, a.UserID, a.QuestionIndex, a.Answer, a.AnswerTimeMs, a.IsCorrect, a.PointsEarned, a.TimeBonus,
		).Scan(&a.CreatedAt)
		if err != nil {
			return err
		}

		correct := 0
		var fastest *int
		if a.IsCorrect {
			correct = 1
			ms := a.AnswerTimeMs
			fastest = &ms
		}

		row := tx.QueryRow(ctx, `INSERT INTO live_quiz_scores AS s
				(live_quiz_id, user_id, total_score, correct_answers, total_answered, total_time_ms,
				 fastest_answer_ms, current_streak, streak_best)
			VALUES ($1, $2, $3, $4, 1, $5, $6, $4, $4)
			ON CONFLICT (live_quiz_id, user_id) DO UPDATE SET
				total_score = s.total_score + EXCLUDED.total_score,
				correct_answers = s.correct_answers + EXCLUDED.correct_answers,
				total_answered = s.total_answered + 1,
				total_time_ms = s.total_time_ms + EXCLUDED.total_time_ms,
				fastest_answer_ms = LEAST(s.fastest_answer_ms, EXCLUDED.fastest_answer_ms),
				current_streak = CASE WHEN EXCLUDED.correct_answers > 0 THEN s.current_streak + 1 ELSE 0 END,
				streak_best = GREATEST(s.streak_best, CASE WHEN EXCLUDED.correct_answers > 0 THEN s.current_streak + 1 ELSE 0 END),
				updated_at = NOW()
			RETURNING `+scoreColumns,
			a.LiveQuizID, a.UserID, a.PointsEarned, correct, int64(a.AnswerTimeMs), fastest)
		s, err := scanScore(row)
		if err != nil {
			return fmt.Errorf("failed to update score: %w", err)
		}
		score = s
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to record answer: %w", err)
	}
	return score, true, nil
}

func (r *QuizRepo) ListAnswers(ctx context.Context, quizID uuid.UUID) ([]*models.LiveQuizAnswer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+answerColumns+` FROM live_quiz_answers
		WHERE live_quiz_id = $1 ORDER BY question_index, created_at`, quizID)
	if err != nil {
		return nil, fmt.Errorf("failed to list answers: %w", err)
	}
	defer rows.Close()

	var out []*models.LiveQuizAnswer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan answer: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *QuizRepo) GetAnswer(ctx context.Context, quizID, userID uuid.UUID, index int) (*models.LiveQuizAnswer, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+answerColumns+` FROM live_quiz_answers
		WHERE live_quiz_id = $1 AND user_id = $2 AND question_index = $3`, quizID, userID, index)
	return scanAnswer(row)
}

func (r *QuizRepo) ListScores(ctx context.Context, quizID uuid.UUID) ([]*models.LiveQuizScore, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+scoreColumns+` FROM live_quiz_scores WHERE live_quiz_id = $1`, quizID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scores: %w", err)
	}
	defer rows.Close()

	var out []*models.LiveQuizScore
	for rows.Next() {
		s, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *QuizRepo) GetScore(ctx context.Context, quizID, userID uuid.UUID) (*models.LiveQuizScore, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+scoreColumns+` FROM live_quiz_scores
		WHERE live_quiz_id = $1 AND user_id = $2`, quizID, userID)
	return scanScore(row)
}

func (r *QuizRepo) SetFinalRanks(ctx context.Context, quizID uuid.UUID, ranks map[uuid.UUID]int) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for userID, rank := range ranks {
			if _, err := tx.Exec(ctx, `UPDATE live_quiz_scores SET final_rank = $3
				WHERE live_quiz_id = $1 AND user_id = $2`, quizID, userID, rank); err != nil {
				return fmt.Errorf("failed to set final rank: %w", err)
			}
		}
		return nil
	})
}

func scanLiveQuiz(row pgx.Row) (*models.LiveQuizSession, error) {
	q := &models.LiveQuizSession{}
	var board []byte
	err := row.Scan(
		&q.ID, &q.SessionID, &q.ActivityID, &q.Status, &q.CurrentQuestionIndex, &q.TotalQuestions,
		&q.QuestionStartedAt, &q.QuestionTimeLimit, &q.AnswersReceived, &q.ParticipantCount, &board,
		&q.RevealedIndices, &q.StartedAt, &q.EndedAt, &q.CreatedBy, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(board) > 0 {
		if err := json.Unmarshal(board, &q.Leaderboard); err != nil {
			return nil, fmt.Errorf("failed to decode leaderboard: %w", err)
		}
	}
	return q, nil
}

func scanAnswer(row pgx.Row) (*models.LiveQuizAnswer, error) {
	a := &models.LiveQuizAnswer{}
	err := row.Scan(&a.ID, &a.LiveQuizID, &a.UserID, &a.QuestionIndex, &a.Answer, &a.AnswerTimeMs,
		&a.IsCorrect, &a.PointsEarned, &a.TimeBonus, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanScore(row pgx.Row) (*models.LiveQuizScore, error) {
	s := &models.LiveQuizScore{}
	err := row.Scan(&s.LiveQuizID, &s.UserID, &s.TotalScore, &s.CorrectAnswers, &s.TotalAnswered, &s.TotalTimeMs,
		&s.FastestAnswerMs, &s.CurrentStreak, &s.StreakBest, &s.FinalRank, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.FillAverage()
	return s, nil
}
