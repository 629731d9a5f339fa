// Package reconciler keeps a participant's local view of a session consistent
// with the server. One goroutine owns the view; stream messages, commands,
// countdown ticks and heartbeat ticks all go through its select loop.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"livesession-backend/internal/broadcast"
	"livesession-backend/internal/livequiz"
	"livesession-backend/internal/models"
)

// API is the request/response side of the server.
type API interface {
	Snapshot(ctx context.Context, sessionID uuid.UUID) (*models.SessionSnapshot, error)
	QuizSnapshot(ctx context.Context, sessionID, activityID uuid.UUID) (*models.QuizSnapshot, error)
	Heartbeat(ctx context.Context, sessionID uuid.UUID) error
	SubmitAnswer(ctx context.Context, quizID uuid.UUID, index int, answer json.RawMessage) (*models.SubmitResult, error)
}

// Stream is an acknowledged subscription. Messages is closed on disconnect.
type Stream interface {
	Messages() <-chan models.InboundMessage
	Ping() error
	Close() error
}

// Dialer opens a stream and returns only after the server acknowledged it.
type Dialer func(ctx context.Context, sessionID uuid.UUID) (Stream, error)

var (
	ErrClosed    = errors.New("reconciler closed")
	ErrNoQuiz    = errors.New("no quiz is attached")
	ErrNotOpen   = errors.New("answers are not open")
	ErrAnswered  = errors.New("question already answered")
	errNoSession = errors.New("snapshot has no session state")
)

type Options struct {
	HeartbeatInterval time.Duration
	CountdownInterval time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	// MaxEvents caps the retained event history.
	MaxEvents int
	Now       func() time.Time
}

func (o *Options) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.CountdownInterval <= 0 {
		o.CountdownInterval = time.Second
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = 200
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Reconciler struct {
	api       API
	dial      Dialer
	sessionID uuid.UUID
	userID    uuid.UUID
	opts      Options

	view   *View
	stream Stream
	// skew is server time minus local time at the last snapshot.
	skew      time.Duration
	countdown *time.Ticker

	cmds    chan command
	updates chan View
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mu     sync.RWMutex
	latest View
}

func New(api API, dial Dialer, sessionID, userID uuid.UUID, opts Options) *Reconciler {
	opts.defaults()
	return &Reconciler{
		api:       api,
		dial:      dial,
		sessionID: sessionID,
		userID:    userID,
		opts:      opts,
		view:      newView(sessionID),
		cmds:      make(chan command),
		updates:   make(chan View, 1),
		done:      make(chan struct{}),
	}
}

// Attach subscribes, loads the snapshot and starts the loop. Messages that
// arrived between the acknowledgement and the snapshot are replayed by the
// loop and dropped if the snapshot already covers them.
func (r *Reconciler) Attach(ctx context.Context) error {
	stream, err := r.dial(ctx, r.sessionID)
	if err != nil {
		return fmt.Errorf("failed to attach to session %s: %w", r.sessionID, err)
	}
	snap, err := r.api.Snapshot(ctx, r.sessionID)
	if err != nil {
		stream.Close()
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := r.applySnapshot(snap); err != nil {
		stream.Close()
		return err
	}
	r.stream = stream
	r.view.Connected = true
	r.publish()

	r.wg.Add(1)
	go r.loop()
	return nil
}

// Updates delivers the newest view after each change. Intermediate views may
// be skipped by a slow reader.
func (r *Reconciler) Updates() <-chan View { return r.updates }

// View returns a copy of the current view.
func (r *Reconciler) View() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// Close stops the loop, the countdown and the stream.
func (r *Reconciler) Close() error {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
	return nil
}

// command runs fn on the loop goroutine. done, if set, is closed once the
// resulting view has been published.
type command struct {
	fn   func()
	done chan struct{}
}

// do runs fn on the loop goroutine and waits for the published view.
func (r *Reconciler) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case r.cmds <- command{fn: fn, done: ran}:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-r.done:
		return ErrClosed
	}
}

// AttachQuiz loads the latest run of activityID and rebuilds the result of
// every question already processed from its stored answers.
func (r *Reconciler) AttachQuiz(ctx context.Context, activityID uuid.UUID) error {
	snap, err := r.api.QuizSnapshot(ctx, r.sessionID, activityID)
	if err != nil {
		return fmt.Errorf("failed to load quiz %s: %w", activityID, err)
	}
	var applyErr error
	if err := r.do(ctx, func() { applyErr = r.applyQuizSnapshot(snap) }); err != nil {
		return err
	}
	return applyErr
}

// SubmitAnswer answers the current question of the attached run.
func (r *Reconciler) SubmitAnswer(ctx context.Context, answer json.RawMessage) (*models.SubmitResult, error) {
	var (
		quizID uuid.UUID
		index  int
		check  error
	)
	if err := r.do(ctx, func() {
		q := r.view.Quiz
		switch {
		case q == nil || q.Run == nil:
			check = ErrNoQuiz
		case q.Run.Status != models.QuizAnswering:
			check = ErrNotOpen
		case q.HasAnswered:
			check = ErrAnswered
		default:
			quizID, index = q.Run.ID, q.Run.CurrentQuestionIndex
		}
	}); err != nil {
		return nil, err
	}
	if check != nil {
		return nil, check
	}

	res, err := r.api.SubmitAnswer(ctx, quizID, index, answer)
	if err != nil {
		return nil, err
	}
	err = r.do(ctx, func() {
		q := r.view.Quiz
		if q == nil || q.Run == nil || q.Run.ID != quizID || q.Run.CurrentQuestionIndex != index {
			return
		}
		q.MyAnswer = res.Answer
		q.HasAnswered = true
		if res.Score != nil {
			q.MyScore = res.Score
		}
	})
	return res, err
}

func (r *Reconciler) loop() {
	defer r.wg.Done()
	heartbeat := time.NewTicker(r.opts.HeartbeatInterval)
	defer func() {
		heartbeat.Stop()
		r.stopCountdown()
		if r.stream != nil {
			r.stream.Close()
		}
	}()

	for {
		var (
			countdown <-chan time.Time
			finished  chan struct{}
		)
		if r.countdown != nil {
			countdown = r.countdown.C
		}

		select {
		case <-r.done:
			return
		case msg, ok := <-r.stream.Messages():
			if ok {
				r.handle(msg)
			} else if !r.reattach() {
				return
			}
		case cmd := <-r.cmds:
			cmd.fn()
			finished = cmd.done
		case <-countdown:
			r.tick()
		case <-heartbeat.C:
			r.heartbeat()
		}
		r.syncCountdown()
		r.publish()
		if finished != nil {
			close(finished)
		}
	}
}

// reattach redials with exponential backoff and reloads everything. It
// reports false if the reconciler was closed meanwhile.
func (r *Reconciler) reattach() bool {
	r.stream.Close()
	r.view.Connected = false
	r.stopCountdown()
	r.publish()

	delay := r.opts.BackoffMin
	for {
		select {
		case <-r.done:
			return false
		case <-time.After(delay):
		}

		if err := r.reload(); err != nil {
			log.Printf("reconciler: reattach to %s failed: %v", r.sessionID, err)
			r.view.LastError = err.Error()
			r.publish()
			delay *= 2
			if delay > r.opts.BackoffMax {
				delay = r.opts.BackoffMax
			}
			continue
		}
		r.view.Connected = true
		r.view.Reattaches++
		r.view.LastError = ""
		return true
	}
}

func (r *Reconciler) reload() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	stream, err := r.dial(ctx, r.sessionID)
	if err != nil {
		return err
	}
	snap, err := r.api.Snapshot(ctx, r.sessionID)
	if err != nil {
		stream.Close()
		return err
	}

	var quizSnap *models.QuizSnapshot
	if q := r.view.Quiz; q != nil && q.Activity != nil {
		if quizSnap, err = r.api.QuizSnapshot(ctx, r.sessionID, q.Activity.ID); err != nil {
			stream.Close()
			return err
		}
	}

	fresh := newView(r.sessionID)
	fresh.Reattaches = r.view.Reattaches
	r.view = fresh
	if err := r.applySnapshot(snap); err != nil {
		stream.Close()
		return err
	}
	if quizSnap != nil {
		if err := r.applyQuizSnapshot(quizSnap); err != nil {
			stream.Close()
			return err
		}
	}
	r.stream = stream
	return nil
}

func (r *Reconciler) now() time.Time {
	return r.opts.Now().Add(r.skew)
}

func (r *Reconciler) heartbeat() {
	if err := r.stream.Ping(); err != nil {
		log.Printf("reconciler: ping failed: %v", err)
	}
	if r.view.Me == nil || r.view.Me.Role != models.RoleLearner {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.api.Heartbeat(ctx, r.sessionID); err != nil {
			log.Printf("reconciler: heartbeat failed: %v", err)
		}
	}()
}

func (r *Reconciler) applySnapshot(snap *models.SessionSnapshot) error {
	if snap == nil || snap.State == nil {
		return errNoSession
	}
	if !snap.ServerTime.IsZero() {
		r.skew = snap.ServerTime.Sub(r.opts.Now())
	}
	v := r.view
	v.State = snap.State
	for _, m := range snap.Members {
		v.Members[m.UserID] = m
		if m.UserID == r.userID {
			v.Me = m
		}
	}
	for _, p := range snap.Progress {
		v.Progress[p.UserID] = p
	}
	v.Presence = append([]models.Presence(nil), snap.Presence...)
	for _, ev := range snap.RecentEvents {
		v.addEvent(ev, r.opts.MaxEvents)
	}
	return nil
}

func (r *Reconciler) applyQuizSnapshot(snap *models.QuizSnapshot) error {
	if snap == nil || snap.Activity == nil {
		return fmt.Errorf("quiz snapshot has no activity")
	}
	questions, err := snap.Activity.Questions()
	if err != nil {
		return err
	}
	if !snap.ServerTime.IsZero() {
		r.skew = snap.ServerTime.Sub(r.opts.Now())
	}

	q := &QuizView{
		Activity:  snap.Activity,
		Questions: questions,
		Run:       snap.Quiz,
		MyScore:   snap.MyScore,
		MyAnswer:  snap.MyAnswer,
	}
	q.HasAnswered = snap.MyAnswer != nil
	q.Results = livequiz.RebuildResults(snap.Quiz, questions, snap.Answers)
	if snap.Quiz != nil {
		q.AnswerCount = snap.Quiz.AnswersReceived
	}

	// Keep a run the stream already delivered if it is newer than the snapshot.
	if cur := r.view.Quiz; cur != nil && cur.Run != nil && snap.Quiz != nil &&
		cur.Run.ID == snap.Quiz.ID && cur.Run.UpdatedAt.After(snap.Quiz.UpdatedAt) {
		q.Run = cur.Run
		q.AnswerCount = cur.AnswerCount
		for i, res := range cur.Results {
			q.Results[i] = res
		}
		if cur.Run.CurrentQuestionIndex != snap.Quiz.CurrentQuestionIndex {
			q.MyAnswer, q.HasAnswered = cur.MyAnswer, cur.HasAnswered
		}
	}
	r.view.Quiz = q
	return nil
}

// handle applies one stream message. Rows older than what the view holds and
// events already seen are ignored.
func (r *Reconciler) handle(msg models.InboundMessage) {
	var err error
	switch msg.Type {
	case models.MsgSessionState:
		var st models.SessionState
		if err = json.Unmarshal(msg.Payload, &st); err == nil {
			if r.view.State == nil || !st.UpdatedAt.Before(r.view.State.UpdatedAt) {
				r.view.State = &st
			}
		}
	case models.MsgMemberUpserted:
		var m models.Member
		if err = json.Unmarshal(msg.Payload, &m); err == nil {
			if cur, ok := r.view.Members[m.UserID]; !ok || !m.LastSeenAt.Before(cur.LastSeenAt) || m.Status != cur.Status {
				r.view.Members[m.UserID] = &m
				if m.UserID == r.userID {
					r.view.Me = &m
				}
			}
		}
	case models.MsgProgressUpdated:
		var p models.LearnerProgress
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			if cur, ok := r.view.Progress[p.UserID]; !ok || !p.UpdatedAt.Before(cur.UpdatedAt) {
				r.view.Progress[p.UserID] = &p
			}
		}
	case models.MsgEventCreated:
		var ev models.SessionEvent
		if err = json.Unmarshal(msg.Payload, &ev); err == nil {
			r.view.addEvent(&ev, r.opts.MaxEvents)
		}
	case models.MsgPresenceSync:
		var ps broadcast.PresenceSync
		if err = json.Unmarshal(msg.Payload, &ps); err == nil {
			r.view.Presence = ps.Presence
		}
	case models.MsgLiveQuizCreated, models.MsgLiveQuizUpdated:
		var run models.LiveQuizSession
		if err = json.Unmarshal(msg.Payload, &run); err == nil {
			r.applyRun(&run)
		}
	case models.MsgQuestionResults:
		var res models.QuestionResult
		if err = json.Unmarshal(msg.Payload, &res); err == nil && r.view.Quiz != nil {
			r.view.Quiz.Results[res.QuestionIndex] = res
		}
	case models.MsgAnswerCount:
		var ac models.AnswerCount
		if err = json.Unmarshal(msg.Payload, &ac); err == nil {
			q := r.view.Quiz
			if q != nil && q.Run != nil && q.Run.ID == ac.LiveQuizID &&
				q.Run.CurrentQuestionIndex == ac.QuestionIndex && ac.Count > q.AnswerCount {
				q.AnswerCount = ac.Count
			}
		}
	}
	if err != nil {
		log.Printf("reconciler: dropping malformed %s message: %v", msg.Type, err)
	}
}

func (r *Reconciler) applyRun(run *models.LiveQuizSession) {
	if run.SessionID != r.sessionID {
		return
	}
	q := r.view.Quiz
	if q == nil || q.Run == nil || q.Run.ID != run.ID {
		// A new run replaces the old one and its results.
		if q != nil && q.Run != nil && run.CreatedAt.Before(q.Run.CreatedAt) {
			return
		}
		next := &QuizView{Run: run, Results: map[int]models.QuestionResult{}, AnswerCount: run.AnswersReceived}
		if q != nil && q.Activity != nil && q.Activity.ID == run.ActivityID {
			next.Activity, next.Questions = q.Activity, q.Questions
		} else {
			r.fetchQuiz(run.ActivityID)
		}
		r.view.Quiz = next
		return
	}

	if run.UpdatedAt.Before(q.Run.UpdatedAt) {
		return
	}
	if run.CurrentQuestionIndex != q.Run.CurrentQuestionIndex {
		q.MyAnswer = nil
		q.HasAnswered = false
		q.AnswerCount = 0
	}
	if run.AnswersReceived > q.AnswerCount || run.CurrentQuestionIndex != q.Run.CurrentQuestionIndex {
		q.AnswerCount = run.AnswersReceived
	}
	q.Run = run
}

// fetchQuiz loads the activity of a run first seen on the stream.
func (r *Reconciler) fetchQuiz(activityID uuid.UUID) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		snap, err := r.api.QuizSnapshot(ctx, r.sessionID, activityID)
		if err != nil {
			log.Printf("reconciler: failed to load quiz %s: %v", activityID, err)
			return
		}
		select {
		case r.cmds <- command{fn: func() {
			if err := r.applyQuizSnapshot(snap); err != nil {
				log.Printf("reconciler: failed to apply quiz %s: %v", activityID, err)
			}
		}}:
		case <-r.done:
		}
	}()
}

func (r *Reconciler) answering() (start time.Time, limit time.Duration, ok bool) {
	q := r.view.Quiz
	if q == nil || q.Run == nil || q.Run.Status != models.QuizAnswering ||
		q.Run.QuestionStartedAt == nil || q.Run.QuestionTimeLimit == nil {
		return time.Time{}, 0, false
	}
	return *q.Run.QuestionStartedAt, time.Duration(*q.Run.QuestionTimeLimit) * time.Second, true
}

// syncCountdown runs the ticker only while the current question is open.
func (r *Reconciler) syncCountdown() {
	start, limit, ok := r.answering()
	if !ok {
		r.stopCountdown()
		if r.view.Quiz != nil {
			r.view.Quiz.Remaining = 0
		}
		return
	}
	if r.countdown == nil {
		r.countdown = time.NewTicker(r.opts.CountdownInterval)
	}
	r.view.Quiz.Remaining = livequiz.Remaining(start, limit, r.now())
}

func (r *Reconciler) tick() {
	if start, limit, ok := r.answering(); ok {
		r.view.Quiz.Remaining = livequiz.Remaining(start, limit, r.now())
	}
}

func (r *Reconciler) stopCountdown() {
	if r.countdown != nil {
		r.countdown.Stop()
		r.countdown = nil
	}
}

func (r *Reconciler) publish() {
	snapshot := r.view.clone()
	r.mu.Lock()
	r.latest = snapshot
	r.mu.Unlock()

	select {
	case <-r.updates:
	default:
	}
	select {
	case r.updates <- snapshot:
	default:
	}
}

// sortEvents keeps events in ascending seq order.
func sortEvents(evs []*models.SessionEvent) {
	sort.Slice(evs, func(i, j int) bool { return evs[i].Seq < evs[j].Seq })
}
