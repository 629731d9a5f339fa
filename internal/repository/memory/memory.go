// Package memory is an in-process store with the same conditional-write
// semantics as the PostgreSQL repositories. One mutex stands in for a
// transaction, so every method is atomic.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"livesession-backend/internal/models"
)

type memberKey struct {
	session uuid.UUID
	user    uuid.UUID
}

type answerKey struct {
	quiz  uuid.UUID
	user  uuid.UUID
	index int
}

type scoreKey struct {
	quiz uuid.UUID
	user uuid.UUID
}

type DB struct {
	mu sync.Mutex

	// Now is the store clock. Tests may replace it.
	Now func() time.Time

	states     map[uuid.UUID]*models.SessionState
	members    map[memberKey]*models.Member
	progress   map[memberKey]*models.LearnerProgress
	events     []*models.SessionEvent
	seq        int64
	activities map[uuid.UUID]*models.QuizActivity
	quizzes    map[uuid.UUID]*models.LiveQuizSession
	answers    map[answerKey]*models.LiveQuizAnswer
	scores     map[scoreKey]*models.LiveQuizScore
	jobs       map[uuid.UUID]*models.Job

	// FailNext makes the next write return this error, once.
	FailNext error
}

func New() *DB {
	return &DB{
		Now:        time.Now,
		states:     make(map[uuid.UUID]*models.SessionState),
		members:    make(map[memberKey]*models.Member),
		progress:   make(map[memberKey]*models.LearnerProgress),
		activities: make(map[uuid.UUID]*models.QuizActivity),
		quizzes:    make(map[uuid.UUID]*models.LiveQuizSession),
		answers:    make(map[answerKey]*models.LiveQuizAnswer),
		scores:     make(map[scoreKey]*models.LiveQuizScore),
		jobs:       make(map[uuid.UUID]*models.Job),
	}
}

func (db *DB) Sessions() *SessionStore { return &SessionStore{db} }
func (db *DB) Members() *MemberStore { return &MemberStore{db} }
func (db *DB) Progress() *ProgressStore { return &ProgressStore{db} }
func (db *DB) Events() *EventStore { return &EventStore{db} }
func (db *DB) Quizzes() *QuizStore { return &QuizStore{db} }
func (db *DB) Jobs() *JobStore { return &JobStore{db} }

func (db *DB) failed() error {
	if err := db.FailNext; err != nil {
		db.FailNext = nil
		return err
	}
	return nil
}

// appendEvent must be called with mu held.
func (db *DB) appendEvent(ev *models.SessionEvent) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage("{}")
	}
	db.seq++
	ev.Seq = db.seq
	ev.CreatedAt = db.Now()
	stored := *ev
	db.events = append(db.events, &stored)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// ---- session state ----

type SessionStore struct{ db *DB }

func (s *SessionStore) Create(ctx context.Context, state *models.SessionState, trainer *models.Member) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.failed(); err != nil {
		return err
	}

	now := db.Now()
	updatedBy := state.UpdatedBy
	if updatedBy == nil {
		updatedBy = &trainer.UserID
	}
	row := &models.SessionState{
		SessionID:       state.SessionID,
		Status:          models.SessionWaiting,
		UnlockedModules: []string{},
		UnlockedItems:   []string{},
		UpdatedBy:       updatedBy,
		UpdatedAt:       now,
	}
	db.states[state.SessionID] = row
	*state = *cloneState(row)

	trainer.ID = uuid.New()
	trainer.Role = models.RoleTrainer
	trainer.Status = models.MemberActive
	trainer.JoinedAt = now
	trainer.LastSeenAt = now
	stored := *trainer
	db.members[memberKey{trainer.SessionID, trainer.UserID}] = &stored
	return nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID uuid.UUID) (*models.SessionState, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	row, ok := s.db.states[sessionID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return cloneState(row), nil
}

func (s *SessionStore) Apply(ctx context.Context, sessionID uuid.UUID, from []models.SessionStatus, c models.StateChange, ev *models.SessionEvent) (*models.SessionState, bool, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.failed(); err != nil {
		return nil, false, err
	}

	row, ok := db.states[sessionID]
	if !ok {
		return nil, false, nil
	}
	allowed := false
	for _, st := range from {
		if row.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, false, nil
	}
	if c.UnlockModule != "" && contains(row.UnlockedModules, c.UnlockModule) {
		return nil, false, nil
	}
	if c.UnlockItem != "" && contains(row.UnlockedItems, c.UnlockItem) {
		return nil, false, nil
	}

	now := db.Now()
	if c.Status != nil {
		row.Status = *c.Status
	}
	if c.MarkStarted && row.StartedAt == nil {
		row.StartedAt = &now
	}
	if c.MarkPaused && row.PausedAt == nil {
		row.PausedAt = &now
	}
	if c.ClearPause {
		if row.PausedAt != nil {
			row.TotalPauseSeconds += int(now.Sub(*row.PausedAt) / time.Second)
		}
		row.PausedAt = nil
	}
	if c.CurrentModule != nil {
		v := *c.CurrentModule
		row.CurrentModuleRef = &v
	}
	if c.CurrentItem != nil {
		v := *c.CurrentItem
		row.CurrentItemRef = &v
	}
	if c.UnlockModule != "" {
		row.UnlockedModules = append(cloneStrings(row.UnlockedModules), c.UnlockModule)
	}
	if c.UnlockItem != "" {
		row.UnlockedItems = append(cloneStrings(row.UnlockedItems), c.UnlockItem)
	}
	if c.Message != nil {
		m := *c.Message
		row.TrainerMessage = &m
	}
	if c.ClearMessage {
		row.TrainerMessage = nil
	}
	if c.ActiveQuizID != nil {
		id := *c.ActiveQuizID
		row.ActiveQuizID = &id
	}
	if c.ClearActiveQuiz {
		row.ActiveQuizID = nil
	}
	by := c.UpdatedBy
	row.UpdatedBy = &by
	row.UpdatedAt = now

	if ev != nil {
		ev.SessionID = sessionID
		db.appendEvent(ev)
	}
	return cloneState(row), true, nil
}

func cloneState(s *models.SessionState) *models.SessionState {
	out := *s
	out.UnlockedModules = cloneStrings(s.UnlockedModules)
	out.UnlockedItems = cloneStrings(s.UnlockedItems)
	if s.TrainerMessage != nil {
		m := *s.TrainerMessage
		out.TrainerMessage = &m
	}
	return &out
}

// ---- members ----

type MemberStore struct{ db *DB }

func (s *MemberStore) Enroll(ctx context.Context, m *models.Member) (bool, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.failed(); err != nil {
		return false, err
	}

	key := memberKey{m.SessionID, m.UserID}
	now := db.Now()
	existing, ok := db.members[key]
	if !ok {
		row := *m
		row.ID = uuid.New()
		row.Status = models.MemberActive
		row.JoinedAt = now
		row.LastSeenAt = now
		db.members[key] = &row
		*m = row
		return true, nil
	}

	changed := existing.Status == models.MemberDropped
	if changed {
		existing.Status = models.MemberActive
	}
	existing.DisplayName = m.DisplayName
	if m.AvatarRef != nil {
		existing.AvatarRef = m.AvatarRef
	}
	existing.LastSeenAt = now
	*m = *existing
	return changed, nil
}

func (s *MemberStore) Get(ctx context.Context, sessionID, userID uuid.UUID) (*models.Member, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.members[memberKey{sessionID, userID}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	out := *m
	return &out, nil
}

func (s *MemberStore) List(ctx context.Context, sessionID uuid.UUID) ([]*models.Member, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*models.Member
	for k, m := range s.db.members {
		if k.session == sessionID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out, nil
}

func (s *MemberStore) CountLearners(ctx context.Context, sessionID uuid.UUID, statuses []models.MemberStatus) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for k, m := range s.db.members {
		if k.session != sessionID || m.Role != models.RoleLearner {
			continue
		}
		for _, st := range statuses {
			if m.Status == st {
				n++
				break
			}
		}
	}
	return n, nil
}

func (s *MemberStore) SetStatus(ctx context.Context, sessionID, userID uuid.UUID, from []models.MemberStatus, status models.MemberStatus) (*models.Member, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.failed(); err != nil {
		return nil, err
	}
	m, ok := db.members[memberKey{sessionID, userID}]
	if !ok {
		return nil, nil
	}
	for _, st := range from {
		if m.Status == st {
			m.Status = status
			m.LastSeenAt = db.Now()
			out := *m
			return &out, nil
		}
	}
	return nil, nil
}

func (s *MemberStore) CompleteRemaining(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.failed(); err != nil {
		return 0, err
	}
	var n int64
	for k, m := range db.members {
		if k.session != sessionID {
			continue
		}
		if m.Status == models.MemberEnrolled || m.Status == models.MemberActive {
			m.Status = models.MemberCompleted
			n++
		}
	}
	return n, nil
}

func (s *MemberStore) Touch(ctx context.Context, sessionID, userID uuid.UUID) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if m, ok := s.db.members[memberKey{sessionID, userID}]; ok {
		m.LastSeenAt = s.db.Now()
	}
	return nil
}

// ---- events ----

type EventStore struct{ db *DB }

func (s *EventStore) Append(ctx context.Context, ev *models.SessionEvent) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.failed(); err != nil {
		return err
	}
	db.appendEvent(ev)
	return nil
}

func (s *EventStore) List(ctx context.Context, sessionID uuid.UUID, limit int, before int64) ([]*models.SessionEvent, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*models.SessionEvent
	for i := len(s.db.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.db.events[i]
		if ev.SessionID != sessionID {
			continue
		}
		if before > 0 && ev.Seq >= before {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}
