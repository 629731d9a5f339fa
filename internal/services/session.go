package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"livesession-backend/internal/models"
)

const DefaultRecentEvents = 50

type SessionOptions struct {
	// StrictTransitions rejects lifecycle commands issued from a status the
	// command does not naturally leave (e.g. pause while waiting).
	StrictTransitions bool
	RecentEventsLimit int
}

type SessionService struct {
	states   SessionStateStore
	members  MemberStore
	progress ProgressStore
	events   *EventLog
	bus      Broadcaster
	jobs     JobEnqueuer
	opts     SessionOptions
	now      func() time.Time
}

func NewSessionService(states SessionStateStore, members MemberStore, progress ProgressStore, events *EventLog, bus Broadcaster, jobs JobEnqueuer, opts SessionOptions) *SessionService {
	if opts.RecentEventsLimit <= 0 {
		opts.RecentEventsLimit = DefaultRecentEvents
	}
	return &SessionService{
		states:   states,
		members:  members,
		progress: progress,
		events:   events,
		bus:      bus,
		jobs:     jobs,
		opts:     opts,
		now:      time.Now,
	}
}

type CreateSessionInput struct {
	SessionID   *uuid.UUID `json:"session_id"`
	DisplayName string     `json:"display_name"`
	AvatarRef   *string    `json:"avatar_ref"`
}

// CreateSession opens a waiting session owned by trainerID.
func (s *SessionService) CreateSession(ctx context.Context, trainerID uuid.UUID, input CreateSessionInput) (*models.SessionState, error) {
	name := strings.TrimSpace(input.DisplayName)
	if name == "" {
		return nil, validation("display_name", "Display name is required")
	}
	sessionID := uuid.New()
	if input.SessionID != nil && *input.SessionID != uuid.Nil {
		sessionID = *input.SessionID
	}
	if _, err := s.states.Get(ctx, sessionID); err == nil {
		return nil, &ConflictError{Code: "CONFLICT", Message: "Session already exists"}
	} else if !isNotFound(err) {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}

	state := &models.SessionState{SessionID: sessionID, UpdatedBy: &trainerID}
	trainer := &models.Member{
		SessionID:   sessionID,
		UserID:      trainerID,
		Role:        models.RoleTrainer,
		DisplayName: name,
		AvatarRef:   input.AvatarRef,
	}
	if err := s.states.Create(ctx, state, trainer); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return state, nil
}

func (s *SessionService) GetState(ctx context.Context, sessionID, userID uuid.UUID) (*models.SessionState, error) {
	if _, err := s.requireMember(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return s.loadState(ctx, sessionID)
}

func (s *SessionService) loadState(ctx context.Context, sessionID uuid.UUID) (*models.SessionState, error) {
	state, err := s.states.Get(ctx, sessionID)
	if isNotFound(err) {
		return nil, &NotFoundError{Message: "Session not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return state, nil
}

func (s *SessionService) requireMember(ctx context.Context, sessionID, userID uuid.UUID) (*models.Member, error) {
	m, err := s.members.Get(ctx, sessionID, userID)
	if isNotFound(err) {
		if _, err := s.loadState(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, &ForbiddenError{Message: "Not a member of this session"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load member: %w", err)
	}
	return m, nil
}

func (s *SessionService) requireTrainer(ctx context.Context, sessionID, userID uuid.UUID) (*models.Member, error) {
	m, err := s.requireMember(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if m.Role != models.RoleTrainer {
		return nil, &ForbiddenError{Message: "Only the trainer can do this"}
	}
	return m, nil
}

// run applies one trainer command. A command that matches no row is
// explained by re-reading the state: a completed session and an illegal
// transition are conflicts, anything else (an unlock already present) is a
// no-op that returns the current state.
func (s *SessionService) run(ctx context.Context, sessionID, actor uuid.UUID, cmd Command, change models.StateChange, eventType string, payload interface{}) (*models.SessionState, error) {
	if _, err := s.requireTrainer(ctx, sessionID, actor); err != nil {
		return nil, err
	}
	change.UpdatedBy = actor

	var ev *models.SessionEvent
	if eventType != "" {
		var err error
		if ev, err = NewEvent(sessionID, &actor, eventType, payload); err != nil {
			return nil, err
		}
	}

	from := allowedFrom(cmd, s.opts.StrictTransitions)
	state, applied, err := s.states.Apply(ctx, sessionID, from, change, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to %s session: %w", cmd, err)
	}
	if !applied {
		current, err := s.loadState(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if current.Status.Terminal() {
			return nil, ErrSessionCompleted
		}
		if !statusIn(current.Status, from) {
			return nil, &ConflictError{
				Code:    CodeInvalidTransition,
				Message: fmt.Sprintf("Cannot %s while session is %s", cmd, current.Status),
			}
		}
		return current, nil
	}

	publish(ctx, s.bus, sessionID, models.MsgSessionState, state)
	s.events.Announce(ctx, ev)
	return state, nil
}

func statusPtr(st models.SessionStatus) *models.SessionStatus { return &st }

func (s *SessionService) Start(ctx context.Context, sessionID, actor uuid.UUID) (*models.SessionState, error) {
	return s.run(ctx, sessionID, actor, CmdStart, models.StateChange{
		Status:      statusPtr(models.SessionLive),
		MarkStarted: true,
	}, models.EventSessionStarted, nil)
}

func (s *SessionService) Pause(ctx context.Context, sessionID, actor uuid.UUID) (*models.SessionState, error) {
	return s.run(ctx, sessionID, actor, CmdPause, models.StateChange{
		Status:     statusPtr(models.SessionBreak),
		MarkPaused: true,
	}, models.EventSessionPaused, nil)
}

func (s *SessionService) Resume(ctx context.Context, sessionID, actor uuid.UUID) (*models.SessionState, error) {
	return s.run(ctx, sessionID, actor, CmdResume, models.StateChange{
		Status:     statusPtr(models.SessionLive),
		ClearPause: true,
	}, models.EventSessionResumed, nil)
}

// End completes the session and schedules the finalize job that closes
// out remaining memberships.
func (s *SessionService) End(ctx context.Context, sessionID, actor uuid.UUID) (*models.SessionState, error) {
	state, err := s.run(ctx, sessionID, actor, CmdEnd, models.StateChange{
		Status:     statusPtr(models.SessionCompleted),
		ClearPause: true,
	}, models.EventSessionEnded, nil)
	if err != nil {
		return nil, err
	}
	enqueue(ctx, s.jobs, &models.Job{
		SessionID:   sessionID,
		Type:        models.JobSessionFinalize,
		ReferenceID: sessionID,
	})
	return state, nil
}

func (s *SessionService) SetMode(ctx context.Context, sessionID, actor uuid.UUID, mode models.SessionStatus) (*models.SessionState, error) {
	if !mode.IsMode() {
		return nil, validation("mode", "Mode must be one of live, exercise, quiz_live, discussion")
	}
	return s.run(ctx, sessionID, actor, CmdSetMode, models.StateChange{
		Status:     statusPtr(mode),
		ClearPause: true,
	}, models.ModeStartedEvent(mode), map[string]string{"mode": string(mode)})
}

func (s *SessionService) SetCurrentModule(ctx context.Context, sessionID, actor uuid.UUID, ref string) (*models.SessionState, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, validation("module_ref", "Module reference is required")
	}
	return s.run(ctx, sessionID, actor, CmdSetCurrentModule, models.StateChange{CurrentModule: &ref},
		models.EventModuleActivated, map[string]string{"module_ref": ref})
}

func (s *SessionService) SetCurrentItem(ctx context.Context, sessionID, actor uuid.UUID, ref string) (*models.SessionState, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, validation("item_ref", "Item reference is required")
	}
	return s.run(ctx, sessionID, actor, CmdSetCurrentItem, models.StateChange{CurrentItem: &ref},
		models.EventItemActivated, map[string]string{"item_ref": ref})
}

// UnlockModule adds ref to the unlocked modules. Unlocking twice changes
// nothing and records nothing.
func (s *SessionService) UnlockModule(ctx context.Context, sessionID, actor uuid.UUID, ref string) (*models.SessionState, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, validation("module_ref", "Module reference is required")
	}
	return s.run(ctx, sessionID, actor, CmdUnlockModule, models.StateChange{UnlockModule: ref},
		models.EventModuleUnlocked, map[string]string{"module_ref": ref})
}

func (s *SessionService) UnlockItem(ctx context.Context, sessionID, actor uuid.UUID, ref string) (*models.SessionState, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, validation("item_ref", "Item reference is required")
	}
	return s.run(ctx, sessionID, actor, CmdUnlockItem, models.StateChange{UnlockItem: ref},
		models.EventItemUnlocked, map[string]string{"item_ref": ref})
}

func (s *SessionService) SendMessage(ctx context.Context, sessionID, actor uuid.UUID, text string, kind models.MessageKind) (*models.SessionState, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, validation("text", "Message text is required")
	}
	if kind == "" {
		kind = models.MessageInfo
	}
	if !kind.Valid() {
		return nil, validation("kind", "Kind must be one of info, warning, success, action")
	}
	msg := &models.TrainerMessage{Text: text, Kind: kind, At: s.now().UTC()}
	return s.run(ctx, sessionID, actor, CmdSendMessage, models.StateChange{Message: msg},
		models.EventTrainerMessage, map[string]string{"text": text, "kind": string(kind)})
}

// ClearMessage removes the trainer banner. It is signage, so no event is
// recorded.
func (s *SessionService) ClearMessage(ctx context.Context, sessionID, actor uuid.UUID) (*models.SessionState, error) {
	return s.run(ctx, sessionID, actor, CmdClearMessage, models.StateChange{ClearMessage: true}, "", nil)
}

type JoinInput struct {
	DisplayName string  `json:"display_name"`
	AvatarRef   *string `json:"avatar_ref"`
}

// Join enrolls userID as a learner, or reactivates a dropped membership.
// Joining again while active only refreshes the profile.
func (s *SessionService) Join(ctx context.Context, sessionID, userID uuid.UUID, input JoinInput) (*models.Member, error) {
	name := strings.TrimSpace(input.DisplayName)
	if name == "" {
		return nil, validation("display_name", "Display name is required")
	}
	state, err := s.loadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.Status.Terminal() {
		return nil, ErrSessionCompleted
	}

	m := &models.Member{
		SessionID:   sessionID,
		UserID:      userID,
		Role:        models.RoleLearner,
		DisplayName: name,
		AvatarRef:   input.AvatarRef,
	}
	changed, err := s.members.Enroll(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("failed to enroll member: %w", err)
	}
	if m.Role == models.RoleLearner {
		p, err := s.progress.Ensure(ctx, sessionID, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to create progress: %w", err)
		}
		if changed {
			publish(ctx, s.bus, sessionID, models.MsgProgressUpdated, p)
		}
	}
	if !changed {
		return m, nil
	}

	if _, err := s.events.Append(ctx, sessionID, &userID, models.EventMemberJoined, map[string]string{"display_name": name}); err != nil {
		return nil, err
	}
	publish(ctx, s.bus, sessionID, models.MsgMemberUpserted, m)
	return m, nil
}

// Leave drops a learner's membership. Leaving twice is a no-op.
func (s *SessionService) Leave(ctx context.Context, sessionID, userID uuid.UUID) (*models.Member, error) {
	m, err := s.requireMember(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if m.Role != models.RoleLearner {
		return nil, validation("role", "Trainers cannot leave their session")
	}
	updated, err := s.members.SetStatus(ctx, sessionID, userID,
		[]models.MemberStatus{models.MemberEnrolled, models.MemberActive}, models.MemberDropped)
	if err != nil {
		return nil, fmt.Errorf("failed to drop member: %w", err)
	}
	if updated == nil {
		return m, nil
	}

	if _, err := s.events.Append(ctx, sessionID, &userID, models.EventMemberLeft, nil); err != nil {
		return nil, err
	}
	publish(ctx, s.bus, sessionID, models.MsgMemberUpserted, updated)
	return updated, nil
}

// Snapshot is everything a participant needs to render the session. The
// trainer sees every learner's progress; a learner sees only their own.
func (s *SessionService) Snapshot(ctx context.Context, sessionID, userID uuid.UUID) (*models.SessionSnapshot, error) {
	me, err := s.requireMember(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	state, err := s.loadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	members, err := s.members.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	var progress []*models.LearnerProgress
	if me.Role == models.RoleTrainer {
		if progress, err = s.progress.List(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("failed to list progress: %w", err)
		}
	} else {
		p, err := s.progress.Get(ctx, sessionID, userID)
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("failed to load progress: %w", err)
		}
		if p != nil {
			progress = append(progress, p)
		}
	}

	recent, err := s.events.List(ctx, sessionID, s.opts.RecentEventsLimit, 0)
	if err != nil {
		return nil, err
	}

	presence := []models.Presence{}
	if s.bus != nil {
		if presence, err = s.bus.Presence(ctx, sessionID); err != nil {
			log.Printf("session service: presence for %s unavailable: %v", sessionID, err)
			presence = []models.Presence{}
		}
	}

	if members == nil {
		members = []*models.Member{}
	}
	if progress == nil {
		progress = []*models.LearnerProgress{}
	}
	return &models.SessionSnapshot{
		State:        state,
		Members:      members,
		Progress:     progress,
		RecentEvents: recent,
		Presence:     presence,
		ServerTime:   s.now().UTC(),
	}, nil
}

// Events pages through the session history for a member.
func (s *SessionService) Events(ctx context.Context, sessionID, userID uuid.UUID, limit int, before int64) ([]*models.SessionEvent, error) {
	if _, err := s.requireMember(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return s.events.List(ctx, sessionID, limit, before)
}

// Member returns the caller's membership, used by the websocket hub before
// it attaches a connection.
func (s *SessionService) Member(ctx context.Context, sessionID, userID uuid.UUID) (*models.Member, error) {
	m, err := s.requireMember(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if m.Status == models.MemberDropped {
		return nil, &ForbiddenError{Message: "Membership has been dropped"}
	}
	if err := s.members.Touch(ctx, sessionID, userID); err != nil {
		log.Printf("session service: failed to touch member %s: %v", userID, err)
	}
	return m, nil
}

// Finalize closes out every membership still enrolled or active once the
// session has completed.
func (s *SessionService) Finalize(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	state, err := s.loadState(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if !state.Status.Terminal() {
		return 0, &ConflictError{Code: CodeInvalidTransition, Message: "Session is still running"}
	}
	n, err := s.members.CompleteRemaining(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to complete members: %w", err)
	}
	return n, nil
}

func enqueue(ctx context.Context, jobs JobEnqueuer, job *models.Job) {
	if jobs == nil {
		return
	}
	if err := jobs.Enqueue(ctx, job); err != nil {
		log.Printf("jobs: failed to enqueue %s for %s: %v", job.Type, job.ReferenceID, err)
	}
}
