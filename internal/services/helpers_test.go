package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"livesession-backend/internal/models"
	"livesession-backend/internal/repository/memory"
)

// recordingBus captures published messages synchronously.
type recordingBus struct {
	mu       sync.Mutex
	msgs     []models.WSMessage
	presence []models.Presence
	fail     error
}

func (b *recordingBus) Publish(ctx context.Context, sessionID uuid.UUID, msg models.WSMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return b.fail
}

func (b *recordingBus) Presence(ctx context.Context, sessionID uuid.UUID) ([]models.Presence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Presence(nil), b.presence...), nil
}

func (b *recordingBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.msgs))
	for _, m := range b.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (b *recordingBus) last(msgType string) interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.msgs) - 1; i >= 0; i-- {
		if b.msgs[i].Type == msgType {
			return b.msgs[i].Payload
		}
	}
	return nil
}

func (b *recordingBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = nil
}

type recordingJobs struct {
	mu   sync.Mutex
	jobs []*models.Job
	fail error
}

func (j *recordingJobs) Enqueue(ctx context.Context, job *models.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail != nil {
		return j.fail
	}
	j.jobs = append(j.jobs, job)
	return nil
}

type env struct {
	t        *testing.T
	ctx      context.Context
	db       *memory.DB
	bus      *recordingBus
	jobs     *recordingJobs
	log      *EventLog
	sessions *SessionService
	progress *ProgressService
	quizzes  *LiveQuizService
	trainer  uuid.UUID
	session  uuid.UUID
}

func newEnv(t *testing.T, opts SessionOptions) *env {
	t.Helper()
	db := memory.New()
	bus := &recordingBus{}
	jobs := &recordingJobs{}
	log := NewEventLog(db.Events(), bus)
	e := &env{
		t:        t,
		ctx:      context.Background(),
		db:       db,
		bus:      bus,
		jobs:     jobs,
		log:      log,
		sessions: NewSessionService(db.Sessions(), db.Members(), db.Progress(), log, bus, jobs, opts),
		progress: NewProgressService(db.Members(), db.Progress(), log, bus, ProgressOptions{}),
		quizzes:  NewLiveQuizService(db.Quizzes(), db.Sessions(), db.Members(), log, bus, jobs, LiveQuizOptions{}),
		trainer:  uuid.New(),
	}
	state, err := e.sessions.CreateSession(e.ctx, e.trainer, CreateSessionInput{DisplayName: "Trainer"})
	require.NoError(t, err)
	e.session = state.SessionID
	return e
}

func (e *env) join(name string) uuid.UUID {
	e.t.Helper()
	id := uuid.New()
	_, err := e.sessions.Join(e.ctx, e.session, id, JoinInput{DisplayName: name})
	require.NoError(e.t, err)
	return id
}

// eventTypes lists the session history oldest first.
func (e *env) eventTypes() []string {
	e.t.Helper()
	events, err := e.log.List(e.ctx, e.session, MaxEventPage, 0)
	require.NoError(e.t, err)
	out := make([]string, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i].EventType)
	}
	return out
}

// setClock fixes both the store clock and the service clocks.
func (e *env) setClock(now time.Time) {
	e.db.Now = func() time.Time { return now }
	e.sessions.now = func() time.Time { return now }
	e.progress.now = func() time.Time { return now }
	e.quizzes.now = func() time.Time { return now }
}

func conflictCode(t *testing.T, err error) string {
	t.Helper()
	var c *ConflictError
	require.True(t, errors.As(err, &c), "want ConflictError, got %v", err)
	return c.Code
}
