package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"livesession-backend/internal/models"
)

type QuizStore struct{ db *DB }

func (s *QuizStore) CreateActivity(ctx context.Context, a *models.QuizActivity) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.failed(); err != nil {
		return err
	}
	a.ID = uuid.New()
	if len(a.QuestionsJSON) == 0 {
		a.QuestionsJSON = json.RawMessage("[]")
	}
	var qs []json.RawMessage
	if err := json.Unmarshal(a.QuestionsJSON, &qs); err != nil {
		return err
	}
	a.QuestionCount = len(qs)
	a.CreatedAt = db.Now()
	stored := *a
	db.activities[a.ID] = &stored
	return nil
}

func (s *QuizStore) GetActivity(ctx context.Context, id uuid.UUID) (*models.QuizActivity, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.activities[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	out := *a
	return &out, nil
}

func (s *QuizStore) CreateRun(ctx context.Context, q *models.LiveQuizSession) (*models.LiveQuizSession, bool, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.failed(); err != nil {
		return nil, false, err
	}
	if running := db.latestForActivity(q.ActivityID); running != nil && running.Status != models.QuizCompleted {
		return cloneQuiz(running), false, nil
	}

	now := db.Now()
	row := *q
	row.ID = uuid.New()
	row.Status = models.QuizWaiting
	row.CurrentQuestionIndex = 0
	row.AnswersReceived = 0
	row.Leaderboard = []models.LeaderboardEntry{}
	row.StartedAt = &now
	row.CreatedAt = now
	row.UpdatedAt = now
	db.quizzes[row.ID] = &row
	return cloneQuiz(&row), true, nil
}

func (s *QuizStore) LatestForActivity(ctx context.Context, activityID uuid.UUID) (*models.LiveQuizSession, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	q := s.db.latestForActivity(activityID)
	if q == nil {
		return nil, pgx.ErrNoRows
	}
	return cloneQuiz(q), nil
}

func (db *DB) latestForActivity(activityID uuid.UUID) *models.LiveQuizSession {
	var best *models.LiveQuizSession
	for _, q := range db.quizzes {
		if q.ActivityID != activityID {
			continue
		}
		if best == nil {
			best = q
			continue
		}
		qOpen, bestOpen := q.Status != models.QuizCompleted, best.Status != models.QuizCompleted
		if qOpen != bestOpen {
			if qOpen {
				best = q
			}
			continue
		}
		if q.CreatedAt.After(best.CreatedAt) {
			best = q
		}
	}
	return best
}

func (s *QuizStore) Get(ctx context.Context, id uuid.UUID) (*models.LiveQuizSession, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	q, ok := s.db.quizzes[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return cloneQuiz(q), nil
}

func (s *QuizStore) Advance(ctx context.Context, id uuid.UUID, from []models.QuizStatus, c models.QuizChange) (*models.LiveQuizSession, bool, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.failed(); err != nil {
		return nil, false, err
	}
	q, ok := db.quizzes[id]
	if !ok {
		return nil, false, nil
	}
	allowed := false
	for _, st := range from {
		if q.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, false, nil
	}
	if c.QuestionIndex != nil {
		i := *c.QuestionIndex
		advances := i > q.CurrentQuestionIndex || (q.Status == models.QuizWaiting && i >= q.CurrentQuestionIndex)
		if !advances {
			return nil, false, nil
		}
		q.CurrentQuestionIndex = i
		q.QuestionStartedAt = nil
		q.QuestionTimeLimit = nil
	}

	now := db.Now()
	q.Status = c.Status
	if c.ResetAnswersReceived {
		q.AnswersReceived = 0
	}
	if c.OpenWithTimeLimit != nil {
		limit := *c.OpenWithTimeLimit
		q.QuestionStartedAt = &now
		q.QuestionTimeLimit = &limit
	}
	if c.Leaderboard != nil {
		q.Leaderboard = append([]models.LeaderboardEntry(nil), c.Leaderboard...)
	}
	if c.MarkEnded {
		q.EndedAt = &now
	}
	if c.RevealCurrent && !slices.Contains(q.RevealedIndices, q.CurrentQuestionIndex) {
		q.RevealedIndices = append(q.RevealedIndices, q.CurrentQuestionIndex)
	}
	q.UpdatedAt = now
	return cloneQuiz(q), true, nil
}

func (s *QuizStore) IncrementAnswersReceived(ctx context.Context, id uuid.UUID) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	q, ok := s.db.quizzes[id]
	if !ok {
		return 0, pgx.ErrNoRows
	}
	q.AnswersReceived++
	return q.AnswersReceived, nil
}

func (s *QuizStore) RecordAnswer(ctx context.Context, a *models.LiveQuizAnswer) (*models.LiveQuizScore, bool, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.failed(); err != nil {
		return nil, false, err
	}

	q, ok := db.quizzes[a.LiveQuizID]
	if !ok || q.Status != models.QuizAnswering || q.CurrentQuestionIndex != a.QuestionIndex {
		return nil, false, nil
	}
	key := answerKey{a.LiveQuizID, a.UserID, a.QuestionIndex}
	if _, dup := db.answers[key]; dup {
		return nil, false, nil
	}

	now := db.Now()
	a.ID = uuid.New()
	a.CreatedAt = now
	stored := *a
	db.answers[key] = &stored

	sk := scoreKey{a.LiveQuizID, a.UserID}
	sc, ok := db.scores[sk]
	if !ok {
		sc = &models.LiveQuizScore{LiveQuizID: a.LiveQuizID, UserID: a.UserID}
		db.scores[sk] = sc
	}
	sc.TotalScore += a.PointsEarned
	sc.TotalAnswered++
	sc.TotalTimeMs += int64(a.AnswerTimeMs)
	if a.IsCorrect {
		sc.CorrectAnswers++
		sc.CurrentStreak++
		if sc.CurrentStreak > sc.StreakBest {
			sc.StreakBest = sc.CurrentStreak
		}
		if sc.FastestAnswerMs == nil || a.AnswerTimeMs < *sc.FastestAnswerMs {
			ms := a.AnswerTimeMs
			sc.FastestAnswerMs = &ms
		}
	} else {
		sc.CurrentStreak = 0
	}
	sc.UpdatedAt = now
	return cloneScore(sc), true, nil
}

func (s *QuizStore) ListAnswers(ctx context.Context, quizID uuid.UUID) ([]*models.LiveQuizAnswer, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*models.LiveQuizAnswer
	for k, a := range s.db.answers {
		if k.quiz == quizID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QuestionIndex != out[j].QuestionIndex {
			return out[i].QuestionIndex < out[j].QuestionIndex
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *QuizStore) GetAnswer(ctx context.Context, quizID, userID uuid.UUID, index int) (*models.LiveQuizAnswer, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.answers[answerKey{quizID, userID, index}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	out := *a
	return &out, nil
}

func (s *QuizStore) ListScores(ctx context.Context, quizID uuid.UUID) ([]*models.LiveQuizScore, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*models.LiveQuizScore
	for k, sc := range s.db.scores {
		if k.quiz == quizID {
			out = append(out, cloneScore(sc))
		}
	}
	return out, nil
}

func (s *QuizStore) GetScore(ctx context.Context, quizID, userID uuid.UUID) (*models.LiveQuizScore, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sc, ok := s.db.scores[scoreKey{quizID, userID}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return cloneScore(sc), nil
}

func (s *QuizStore) SetFinalRanks(ctx context.Context, quizID uuid.UUID, ranks map[uuid.UUID]int) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.failed(); err != nil {
		return err
	}
	for userID, rank := range ranks {
		if sc, ok := db.scores[scoreKey{quizID, userID}]; ok {
			r := rank
			sc.FinalRank = &r
		}
	}
	return nil
}

func cloneQuiz(q *models.LiveQuizSession) *models.LiveQuizSession {
	out := *q
	out.Leaderboard = append([]models.LeaderboardEntry(nil), q.Leaderboard...)
	out.RevealedIndices = append([]int{}, q.RevealedIndices...)
	return &out
}

func cloneScore(sc *models.LiveQuizScore) *models.LiveQuizScore {
	out := *sc
	out.FillAverage()
	return &out
}

// ---- jobs ----

type JobStore struct{ db *DB }

func (s *JobStore) Create(ctx context.Context, j *models.Job) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	j.ID = uuid.New()
	j.Status = models.JobPending
	j.RetryCount = 0
	if j.MaxRetries <= 0 {
		j.MaxRetries = models.DefaultJobRetries
	}
	j.CreatedAt = db.Now()
	stored := *j
	db.jobs[j.ID] = &stored
	return nil
}

func (s *JobStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, ok := s.db.jobs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	out := *j
	return &out, nil
}

func (s *JobStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if j, ok := s.db.jobs[id]; ok {
		j.Status = status
		if status.Terminal() {
			now := s.db.Now()
			j.CompletedAt = &now
		}
	}
	return nil
}

func (s *JobStore) UpdateError(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if j, ok := s.db.jobs[id]; ok {
		msg := errMsg
		j.ErrorMessage = &msg
		j.RetryCount = retryCount
	}
	return nil
}
