package reconciler

import (
	"time"

	"github.com/google/uuid"

	"livesession-backend/internal/models"
)

// View is a participant's local picture of a session.
type View struct {
	SessionID uuid.UUID
	Me        *models.Member
	State     *models.SessionState
	Members   map[uuid.UUID]*models.Member
	Progress  map[uuid.UUID]*models.LearnerProgress
	Presence  []models.Presence
	// Events are in ascending seq order.
	Events  []*models.SessionEvent
	LastSeq int64
	Quiz    *QuizView

	Connected  bool
	Reattaches int
	LastError  string
}

type QuizView struct {
	Activity    *models.QuizActivity
	Questions   []models.QuizQuestion
	Run         *models.LiveQuizSession
	Results     map[int]models.QuestionResult
	MyAnswer    *models.LiveQuizAnswer
	HasAnswered bool
	MyScore     *models.LiveQuizScore
	AnswerCount int
	Remaining   time.Duration
}

// Current returns the question the run is on, if its activity is loaded.
func (q *QuizView) Current() *models.QuizQuestion {
	if q == nil || q.Run == nil {
		return nil
	}
	i := q.Run.CurrentQuestionIndex
	if i < 0 || i >= len(q.Questions) {
		return nil
	}
	return &q.Questions[i]
}

func newView(sessionID uuid.UUID) *View {
	return &View{
		SessionID: sessionID,
		Members:   make(map[uuid.UUID]*models.Member),
		Progress:  make(map[uuid.UUID]*models.LearnerProgress),
	}
}

// addEvent inserts ev unless its seq is already present and trims the
// history to the newest max entries.
func (v *View) addEvent(ev *models.SessionEvent, max int) {
	for _, e := range v.Events {
		if e.Seq == ev.Seq {
			return
		}
	}
	v.Events = append(v.Events, ev)
	if len(v.Events) > 1 && v.Events[len(v.Events)-2].Seq > ev.Seq {
		sortEvents(v.Events)
	}
	if len(v.Events) > max {
		v.Events = v.Events[len(v.Events)-max:]
	}
	if ev.Seq > v.LastSeq {
		v.LastSeq = ev.Seq
	}
}

// clone copies everything the loop mutates. Model pointers are shared; the
// loop replaces them rather than writing through them.
func (v *View) clone() View {
	out := *v
	out.Members = make(map[uuid.UUID]*models.Member, len(v.Members))
	for k, m := range v.Members {
		out.Members[k] = m
	}
	out.Progress = make(map[uuid.UUID]*models.LearnerProgress, len(v.Progress))
	for k, p := range v.Progress {
		out.Progress[k] = p
	}
	out.Presence = append([]models.Presence(nil), v.Presence...)
	out.Events = append([]*models.SessionEvent(nil), v.Events...)
	if v.Quiz != nil {
		q := *v.Quiz
		q.Results = make(map[int]models.QuestionResult, len(v.Quiz.Results))
		for i, res := range v.Quiz.Results {
			q.Results[i] = res
		}
		out.Quiz = &q
	}
	return out
}

// Online reports whether userID currently has a presence entry.
func (v View) Online(userID uuid.UUID) bool {
	for _, p := range v.Presence {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
