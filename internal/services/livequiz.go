package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"livesession-backend/internal/livequiz"
	"livesession-backend/internal/models"
)

type LiveQuizOptions struct {
	DefaultTimeLimit int // seconds
	DefaultPoints    int
	LeaderboardLimit int
}

// LiveQuizService runs quiz activities inside a session: the trainer drives
// the per-question state machine, learners submit at most one answer per
// question.
type LiveQuizService struct {
	quizzes QuizStore
	states  SessionStateStore
	members MemberStore
	events  *EventLog
	bus     Broadcaster
	jobs    JobEnqueuer
	opts    LiveQuizOptions
	now     func() time.Time
}

func NewLiveQuizService(quizzes QuizStore, states SessionStateStore, members MemberStore, events *EventLog, bus Broadcaster, jobs JobEnqueuer, opts LiveQuizOptions) *LiveQuizService {
	if opts.DefaultTimeLimit <= 0 {
		opts.DefaultTimeLimit = livequiz.DefaultTimeLimit
	}
	if opts.DefaultPoints <= 0 {
		opts.DefaultPoints = livequiz.DefaultPoints
	}
	if opts.LeaderboardLimit <= 0 {
		opts.LeaderboardLimit = 10
	}
	return &LiveQuizService{
		quizzes: quizzes,
		states:  states,
		members: members,
		events:  events,
		bus:     bus,
		jobs:    jobs,
		opts:    opts,
		now:     time.Now,
	}
}

func (s *LiveQuizService) member(ctx context.Context, sessionID, userID uuid.UUID) (*models.Member, error) {
	m, err := s.members.Get(ctx, sessionID, userID)
	if isNotFound(err) {
		return nil, &ForbiddenError{Message: "Not a member of this session"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load member: %w", err)
	}
	return m, nil
}

func (s *LiveQuizService) requireTrainer(ctx context.Context, sessionID, userID uuid.UUID) error {
	m, err := s.member(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if m.Role != models.RoleTrainer {
		return &ForbiddenError{Message: "Only the trainer can do this"}
	}
	return nil
}

type CreateActivityInput struct {
	SessionID uuid.UUID             `json:"session_id"`
	Title     string                `json:"title"`
	Questions []models.QuizQuestion `json:"questions"`
}

// CreateActivity stores a quiz definition for a session.
func (s *LiveQuizService) CreateActivity(ctx context.Context, actor uuid.UUID, input CreateActivityInput) (*models.QuizActivity, error) {
	fields := map[string]string{}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		fields["title"] = "Title is required"
	}
	for i := range input.Questions {
		q := &input.Questions[i]
		key := fmt.Sprintf("questions[%d]", i)
		if q.ID == "" {
			q.ID = fmt.Sprintf("q%d", i+1)
		}
		switch {
		case strings.TrimSpace(q.Question) == "":
			fields[key] = "Question text is required"
		case len(q.CorrectAnswer) == 0 || !json.Valid(q.CorrectAnswer):
			fields[key] = "Correct answer must be a JSON value"
		case q.Points != nil && *q.Points < 0:
			fields[key] = "Points must not be negative"
		case q.TimeLimit != nil && *q.TimeLimit <= 0:
			fields[key] = "Time limit must be positive"
		}
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	if err := s.requireTrainer(ctx, input.SessionID, actor); err != nil {
		return nil, err
	}

	questions := input.Questions
	if questions == nil {
		questions = []models.QuizQuestion{}
	}
	raw, err := json.Marshal(questions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode questions: %w", err)
	}
	a := &models.QuizActivity{
		SessionID:     input.SessionID,
		Title:         title,
		QuestionsJSON: raw,
		CreatedBy:     actor,
	}
	if err := s.quizzes.CreateActivity(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create quiz activity: %w", err)
	}
	return a, nil
}

func (s *LiveQuizService) activity(ctx context.Context, id uuid.UUID) (*models.QuizActivity, []models.QuizQuestion, error) {
	a, err := s.quizzes.GetActivity(ctx, id)
	if isNotFound(err) {
		return nil, nil, &NotFoundError{Message: "Quiz activity not found"}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load quiz activity: %w", err)
	}
	qs, err := a.Questions()
	if err != nil {
		return nil, nil, &UnprocessableError{Message: "Quiz activity has malformed questions"}
	}
	return a, qs, nil
}

// GetActivity returns the definition. Learners do not see the correct answer
// or explanation of a question before its results have been shown.
func (s *LiveQuizService) GetActivity(ctx context.Context, actor, activityID uuid.UUID) (*models.QuizActivity, error) {
	a, qs, err := s.activity(ctx, activityID)
	if err != nil {
		return nil, err
	}
	m, err := s.member(ctx, a.SessionID, actor)
	if err != nil {
		return nil, err
	}
	if m.Role == models.RoleTrainer {
		return a, nil
	}
	run, err := s.quizzes.LatestForActivity(ctx, activityID)
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to load live quiz: %w", err)
	}
	return redact(a, qs, run)
}

func redact(a *models.QuizActivity, qs []models.QuizQuestion, run *models.LiveQuizSession) (*models.QuizActivity, error) {
	out := *a
	visible := make([]models.QuizQuestion, len(qs))
	for i, q := range qs {
		if run == nil || !livequiz.Processed(run, i) {
			q.CorrectAnswer = nil
			q.Explanation = ""
		}
		visible[i] = q
	}
	raw, err := json.Marshal(visible)
	if err != nil {
		return nil, fmt.Errorf("failed to encode questions: %w", err)
	}
	out.QuestionsJSON = raw
	return &out, nil
}

// StartQuiz creates a run of the activity, or returns the run that is
// already in progress. An activity without questions creates nothing.
func (s *LiveQuizService) StartQuiz(ctx context.Context, actor, sessionID, activityID uuid.UUID) (*models.LiveQuizSession, error) {
	if err := s.requireTrainer(ctx, sessionID, actor); err != nil {
		return nil, err
	}
	a, qs, err := s.activity(ctx, activityID)
	if err != nil {
		return nil, err
	}
	if a.SessionID != sessionID {
		return nil, &NotFoundError{Message: "Quiz activity not found"}
	}
	if len(qs) == 0 {
		return nil, &UnprocessableError{Message: "Quiz activity has no questions"}
	}

	state, err := s.states.Get(ctx, sessionID)
	if isNotFound(err) {
		return nil, &NotFoundError{Message: "Session not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if state.Status.Terminal() {
		return nil, ErrSessionCompleted
	}

	participants, err := s.members.CountLearners(ctx, sessionID,
		[]models.MemberStatus{models.MemberEnrolled, models.MemberActive})
	if err != nil {
		return nil, fmt.Errorf("failed to count participants: %w", err)
	}

	run, created, err := s.quizzes.CreateRun(ctx, &models.LiveQuizSession{
		SessionID:        sessionID,
		ActivityID:       activityID,
		TotalQuestions:   len(qs),
		ParticipantCount: participants,
		CreatedBy:        actor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start quiz: %w", err)
	}
	if !created {
		return run, nil
	}

	publish(ctx, s.bus, sessionID, models.MsgLiveQuizCreated, run)

	ev, err := NewEvent(sessionID, &actor, models.EventQuizStarted, map[string]string{
		"live_quiz_id": run.ID.String(),
		"activity_id":  activityID.String(),
	})
	if err != nil {
		return nil, err
	}
	updated, applied, err := s.states.Apply(ctx, sessionID, nonTerminal,
		models.StateChange{ActiveQuizID: &run.ID, UpdatedBy: actor}, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to mark active quiz: %w", err)
	}
	if applied {
		publish(ctx, s.bus, sessionID, models.MsgSessionState, updated)
		s.events.Announce(ctx, ev)
	}
	return run, nil
}

func (s *LiveQuizService) run(ctx context.Context, quizID uuid.UUID) (*models.LiveQuizSession, error) {
	q, err := s.quizzes.Get(ctx, quizID)
	if isNotFound(err) {
		return nil, &NotFoundError{Message: "Live quiz not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load live quiz: %w", err)
	}
	return q, nil
}

func (s *LiveQuizService) trainerRun(ctx context.Context, actor, quizID uuid.UUID) (*models.LiveQuizSession, error) {
	q, err := s.run(ctx, quizID)
	if err != nil {
		return nil, err
	}
	if err := s.requireTrainer(ctx, q.SessionID, actor); err != nil {
		return nil, err
	}
	return q, nil
}

func transitionConflict(cmd livequiz.Command, q *models.LiveQuizSession) error {
	return &ConflictError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("Cannot %s while quiz is %s", strings.ReplaceAll(string(cmd), "_", " "), q.Status),
	}
}

// advance applies change when the run is in a status cmd may leave, and
// broadcasts the new run state.
func (s *LiveQuizService) advance(ctx context.Context, q *models.LiveQuizSession, cmd livequiz.Command, change models.QuizChange) (*models.LiveQuizSession, error) {
	if !livequiz.Allowed(cmd, q.Status) {
		return nil, transitionConflict(cmd, q)
	}
	updated, applied, err := s.quizzes.Advance(ctx, q.ID, livequiz.From(cmd), change)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", strings.ReplaceAll(string(cmd), "_", " "), err)
	}
	if !applied {
		current, err := s.run(ctx, q.ID)
		if err != nil {
			return nil, err
		}
		return nil, transitionConflict(cmd, current)
	}
	publish(ctx, s.bus, updated.SessionID, models.MsgLiveQuizUpdated, updated)
	return updated, nil
}

func (s *LiveQuizService) ShowQuestion(ctx context.Context, actor, quizID uuid.UUID, index int) (*models.LiveQuizSession, error) {
	q, err := s.trainerRun(ctx, actor, quizID)
	if err != nil {
		return nil, err
	}
	return s.showQuestion(ctx, q, index)
}

func (s *LiveQuizService) showQuestion(ctx context.Context, q *models.LiveQuizSession, index int) (*models.LiveQuizSession, error) {
	if !livequiz.Allowed(livequiz.CmdShowQuestion, q.Status) {
		return nil, transitionConflict(livequiz.CmdShowQuestion, q)
	}
	if err := livequiz.CheckQuestionIndex(q, index); err != nil {
		return nil, validation("question_index", err.Error())
	}
	return s.advance(ctx, q, livequiz.CmdShowQuestion, models.QuizChange{
		Status:               models.QuizQuestionDisplay,
		QuestionIndex:        &index,
		ResetAnswersReceived: true,
	})
}

// OpenAnswers starts the answering window of the displayed question.
func (s *LiveQuizService) OpenAnswers(ctx context.Context, actor, quizID uuid.UUID) (*models.LiveQuizSession, error) {
	q, err := s.trainerRun(ctx, actor, quizID)
	if err != nil {
		return nil, err
	}
	_, qs, err := s.activity(ctx, q.ActivityID)
	if err != nil {
		return nil, err
	}
	limit := s.opts.DefaultTimeLimit
	if q.CurrentQuestionIndex < len(qs) {
		if tl := qs[q.CurrentQuestionIndex].TimeLimit; tl != nil && *tl > 0 {
			limit = *tl
		}
	}
	return s.advance(ctx, q, livequiz.CmdOpenAnswers, models.QuizChange{
		Status:            models.QuizAnswering,
		OpenWithTimeLimit: &limit,
	})
}

func (s *LiveQuizService) CloseAnswers(ctx context.Context, actor, quizID uuid.UUID) (*models.LiveQuizSession, error) {
	q, err := s.trainerRun(ctx, actor, quizID)
	if err != nil {
		return nil, err
	}
	return s.advance(ctx, q, livequiz.CmdCloseAnswers, models.QuizChange{Status: models.QuizAnswerClosed})
}

// ShowResults reveals the current question's result. The result is computed
// from stored answers and broadcast; only the status is persisted.
func (s *LiveQuizService) ShowResults(ctx context.Context, actor, quizID uuid.UUID) (*models.QuestionResult, error) {
	q, err := s.trainerRun(ctx, actor, quizID)
	if err != nil {
		return nil, err
	}
	updated, err := s.advance(ctx, q, livequiz.CmdShowResults, models.QuizChange{Status: models.QuizShowingResults, RevealCurrent: true})
	if err != nil {
		return nil, err
	}
	res, err := s.result(ctx, updated, updated.CurrentQuestionIndex)
	if err != nil {
		return nil, err
	}
	publish(ctx, s.bus, updated.SessionID, models.MsgQuestionResults, res)
	return res, nil
}

func (s *LiveQuizService) result(ctx context.Context, q *models.LiveQuizSession, index int) (*models.QuestionResult, error) {
	_, qs, err := s.activity(ctx, q.ActivityID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(qs) {
		return nil, &UnprocessableError{Message: "Quiz activity no longer has this question"}
	}
	answers, err := s.quizzes.ListAnswers(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list answers: %w", err)
	}
	res := livequiz.ComputeResult(index, qs[index].CorrectAnswer, answers)
	return &res, nil
}

func (s *LiveQuizService) ShowLeaderboard(ctx context.Context, actor, quizID uuid.UUID) (*models.LiveQuizSession, error) {
	q, err := s.trainerRun(ctx, actor, quizID)
	if err != nil {
		return nil, err
	}
	if !livequiz.Allowed(livequiz.CmdShowLeaderboard, q.Status) {
		return nil, transitionConflict(livequiz.CmdShowLeaderboard, q)
	}
	board, err := s.leaderboard(ctx, q, s.opts.LeaderboardLimit)
	if err != nil {
		return nil, err
	}
	return s.advance(ctx, q, livequiz.CmdShowLeaderboard, models.QuizChange{
		Status:      models.QuizLeaderboard,
		Leaderboard: board,
	})
}

func (s *LiveQuizService) leaderboard(ctx context.Context, q *models.LiveQuizSession, limit int) ([]models.LeaderboardEntry, error) {
	scores, err := s.quizzes.ListScores(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scores: %w", err)
	}
	members, err := s.members.List(ctx, q.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	byUser := make(map[uuid.UUID]*models.Member, len(members))
	for _, m := range members {
		byUser[m.UserID] = m
	}
	rows := make([]livequiz.Ranked, 0, len(scores))
	for _, sc := range scores {
		r := livequiz.Ranked{Score: sc}
		if m, ok := byUser[sc.UserID]; ok {
			r.DisplayName = m.DisplayName
			r.AvatarRef = m.AvatarRef
		}
		rows = append(rows, r)
	}
	return livequiz.RankLeaderboard(rows, limit), nil
}

// NextQuestion shows the question after the current one, or ends the quiz
// when none is left. From waiting it shows the first question.
func (s *LiveQuizService) NextQuestion(ctx context.Context, actor, quizID uuid.UUID) (*models.LiveQuizSession, error) {
	q, err := s.trainerRun(ctx, actor, quizID)
	if err != nil {
		return nil, err
	}
	switch q.Status {
	case models.QuizWaiting:
		return s.showQuestion(ctx, q, q.CurrentQuestionIndex)
	case models.QuizLeaderboard:
		if q.CurrentQuestionIndex+1 < q.TotalQuestions {
			return s.showQuestion(ctx, q, q.CurrentQuestionIndex+1)
		}
		return s.endQuiz(ctx, actor, q)
	}
	return nil, &ConflictError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("Cannot move to the next question while quiz is %s", q.Status),
	}
}

// EndQuiz completes the run from any status, stores the final leaderboard,
// clears the session's active quiz and schedules final ranking.
func (s *LiveQuizService) EndQuiz(ctx context.Context, actor, quizID uuid.UUID) (*models.LiveQuizSession, error) {
	q, err := s.trainerRun(ctx, actor, quizID)
	if err != nil {
		return nil, err
	}
	return s.endQuiz(ctx, actor, q)
}

func (s *LiveQuizService) endQuiz(ctx context.Context, actor uuid.UUID, q *models.LiveQuizSession) (*models.LiveQuizSession, error) {
	board, err := s.leaderboard(ctx, q, s.opts.LeaderboardLimit)
	if err != nil {
		return nil, err
	}
	ended, err := s.advance(ctx, q, livequiz.CmdEnd, models.QuizChange{
		Status:      models.QuizCompleted,
		Leaderboard: board,
		MarkEnded:   true,
	})
	if err != nil {
		return nil, err
	}

	payload := map[string]string{"live_quiz_id": ended.ID.String(), "activity_id": ended.ActivityID.String()}
	if err := s.clearActive(ctx, actor, ended, payload); err != nil {
		log.Printf("live quiz: failed to record end of %s: %v", ended.ID, err)
	}
	enqueue(ctx, s.jobs, &models.Job{
		SessionID:   ended.SessionID,
		Type:        models.JobQuizFinalize,
		ReferenceID: ended.ID,
	})
	return ended, nil
}

// clearActive records quiz_ended, clearing the session's active quiz in the
// same write when it still points at this run.
func (s *LiveQuizService) clearActive(ctx context.Context, actor uuid.UUID, q *models.LiveQuizSession, payload map[string]string) error {
	state, err := s.states.Get(ctx, q.SessionID)
	if err != nil {
		return err
	}
	if state.Status.Terminal() || state.ActiveQuizID == nil || *state.ActiveQuizID != q.ID {
		_, err := s.events.Append(ctx, q.SessionID, &actor, models.EventQuizEnded, payload)
		return err
	}
	ev, err := NewEvent(q.SessionID, &actor, models.EventQuizEnded, payload)
	if err != nil {
		return err
	}
	updated, applied, err := s.states.Apply(ctx, q.SessionID, nonTerminal,
		models.StateChange{ClearActiveQuiz: true, UpdatedBy: actor}, ev)
	if err != nil {
		return err
	}
	if !applied {
		_, err := s.events.Append(ctx, q.SessionID, &actor, models.EventQuizEnded, payload)
		return err
	}
	publish(ctx, s.bus, q.SessionID, models.MsgSessionState, updated)
	s.events.Announce(ctx, ev)
	return nil
}

type SubmitAnswerInput struct {
	QuestionIndex int             `json:"question_index"`
	Answer        json.RawMessage `json:"answer"`
}

// SubmitAnswer scores and stores a learner's answer to the open question.
// Answer latency is measured on the server from question_started_at.
func (s *LiveQuizService) SubmitAnswer(ctx context.Context, userID, quizID uuid.UUID, input SubmitAnswerInput) (*models.SubmitResult, error) {
	if len(input.Answer) == 0 || !json.Valid(input.Answer) {
		return nil, validation("answer", "Answer must be a JSON value")
	}
	q, err := s.run(ctx, quizID)
	if err != nil {
		return nil, err
	}
	m, err := s.member(ctx, q.SessionID, userID)
	if err != nil {
		return nil, err
	}
	if m.Role != models.RoleLearner || (m.Status != models.MemberEnrolled && m.Status != models.MemberActive) {
		return nil, &ForbiddenError{Message: "Only active learners can answer"}
	}
	if q.Status != models.QuizAnswering || q.CurrentQuestionIndex != input.QuestionIndex {
		return nil, ErrAnswersClosed
	}
	if _, err := s.quizzes.GetAnswer(ctx, quizID, userID, input.QuestionIndex); err == nil {
		return nil, ErrDuplicateAnswer
	} else if !isNotFound(err) {
		return nil, fmt.Errorf("failed to check answer: %w", err)
	}

	_, qs, err := s.activity(ctx, q.ActivityID)
	if err != nil {
		return nil, err
	}
	if input.QuestionIndex >= len(qs) {
		return nil, &UnprocessableError{Message: "Quiz activity no longer has this question"}
	}
	question := qs[input.QuestionIndex]

	base := s.opts.DefaultPoints
	if question.Points != nil && *question.Points > 0 {
		base = *question.Points
	}
	limitSec := s.opts.DefaultTimeLimit
	if q.QuestionTimeLimit != nil && *q.QuestionTimeLimit > 0 {
		limitSec = *q.QuestionTimeLimit
	}
	limit := time.Duration(limitSec) * time.Second
	now := s.now()
	start := now
	if q.QuestionStartedAt != nil {
		start = *q.QuestionStartedAt
	}

	correct := livequiz.AnswersEqual(input.Answer, question.CorrectAnswer)
	award := livequiz.Score(correct, base, livequiz.Remaining(start, limit, now), limit)

	answer := &models.LiveQuizAnswer{
		LiveQuizID:    quizID,
		UserID:        userID,
		QuestionIndex: input.QuestionIndex,
		Answer:        input.Answer,
		AnswerTimeMs:  livequiz.Elapsed(start, limit, now),
		IsCorrect:     award.Correct,
		PointsEarned:  award.Points,
		TimeBonus:     award.TimeBonus,
	}
	score, recorded, err := s.quizzes.RecordAnswer(ctx, answer)
	if err != nil {
		return nil, fmt.Errorf("failed to record answer: %w", err)
	}
	if !recorded {
		if _, err := s.quizzes.GetAnswer(ctx, quizID, userID, input.QuestionIndex); err == nil {
			return nil, ErrDuplicateAnswer
		}
		return nil, ErrAnswersClosed
	}

	count, err := s.quizzes.IncrementAnswersReceived(ctx, quizID)
	if err != nil {
		log.Printf("live quiz: failed to count answer for %s: %v", quizID, err)
	} else {
		publish(ctx, s.bus, q.SessionID, models.MsgAnswerCount, models.AnswerCount{
			LiveQuizID:    quizID,
			QuestionIndex: input.QuestionIndex,
			Count:         count,
		})
	}
	return &models.SubmitResult{Answer: answer, Score: score}, nil
}

// Results recomputes the result of every processed question from the stored
// answers. It gives the same output as ShowResults did at reveal time.
func (s *LiveQuizService) Results(ctx context.Context, actor, quizID uuid.UUID) (map[int]models.QuestionResult, error) {
	q, err := s.run(ctx, quizID)
	if err != nil {
		return nil, err
	}
	if _, err := s.member(ctx, q.SessionID, actor); err != nil {
		return nil, err
	}
	_, qs, err := s.activity(ctx, q.ActivityID)
	if err != nil {
		return nil, err
	}
	answers, err := s.quizzes.ListAnswers(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("failed to list answers: %w", err)
	}
	return livequiz.RebuildResults(q, qs, answers), nil
}

// Snapshot loads the activity and its latest run for (re)attach. Learners
// receive answers of processed questions plus their own.
func (s *LiveQuizService) Snapshot(ctx context.Context, userID, sessionID, activityID uuid.UUID) (*models.QuizSnapshot, error) {
	m, err := s.member(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	a, qs, err := s.activity(ctx, activityID)
	if err != nil {
		return nil, err
	}
	if a.SessionID != sessionID {
		return nil, &NotFoundError{Message: "Quiz activity not found"}
	}

	snap := &models.QuizSnapshot{Activity: a, Answers: []*models.LiveQuizAnswer{}}
	run, err := s.quizzes.LatestForActivity(ctx, activityID)
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to load live quiz: %w", err)
	}
	if m.Role != models.RoleTrainer {
		if snap.Activity, err = redact(a, qs, run); err != nil {
			return nil, err
		}
	}
	snap.ServerTime = s.now().UTC()
	if run == nil {
		return snap, nil
	}
	snap.Quiz = run

	answers, err := s.quizzes.ListAnswers(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list answers: %w", err)
	}
	for _, ans := range answers {
		if m.Role == models.RoleTrainer || ans.UserID == userID || livequiz.Processed(run, ans.QuestionIndex) {
			snap.Answers = append(snap.Answers, ans)
		}
		if ans.UserID == userID && ans.QuestionIndex == run.CurrentQuestionIndex {
			snap.MyAnswer = ans
		}
	}

	score, err := s.quizzes.GetScore(ctx, run.ID, userID)
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to load score: %w", err)
	}
	snap.MyScore = score
	return snap, nil
}

// FinalizeQuiz writes every learner's final rank once the run is completed.
func (s *LiveQuizService) FinalizeQuiz(ctx context.Context, quizID uuid.UUID) (int, error) {
	q, err := s.run(ctx, quizID)
	if err != nil {
		return 0, err
	}
	if q.Status != models.QuizCompleted {
		return 0, transitionConflict("finalize", q)
	}
	board, err := s.leaderboard(ctx, q, 0)
	if err != nil {
		return 0, err
	}
	ranks := make(map[uuid.UUID]int, len(board))
	for _, e := range board {
		ranks[e.UserID] = e.Rank
	}
	if err := s.quizzes.SetFinalRanks(ctx, quizID, ranks); err != nil {
		return 0, fmt.Errorf("failed to store final ranks: %w", err)
	}
	return len(ranks), nil
}
