package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"livesession-backend/internal/models"
	"livesession-backend/internal/pacing"
)

type ProgressOptions struct {
	ToleranceRatio float64
	StaleAfter     time.Duration
}

// ProgressService records what each learner has viewed and completed, their
// help requests and their heartbeats.
type ProgressService struct {
	members  MemberStore
	progress ProgressStore
	events   *EventLog
	bus      Broadcaster
	opts     ProgressOptions
	now      func() time.Time
}

func NewProgressService(members MemberStore, progress ProgressStore, events *EventLog, bus Broadcaster, opts ProgressOptions) *ProgressService {
	if opts.ToleranceRatio <= 0 {
		opts.ToleranceRatio = pacing.DefaultToleranceRatio
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 90 * time.Second
	}
	return &ProgressService{
		members:  members,
		progress: progress,
		events:   events,
		bus:      bus,
		opts:     opts,
		now:      time.Now,
	}
}

var helpable = []models.RelativeStatus{models.PaceOnTrack, models.PaceAhead, models.PaceBehind}

func (s *ProgressService) member(ctx context.Context, sessionID, userID uuid.UUID) (*models.Member, error) {
	m, err := s.members.Get(ctx, sessionID, userID)
	if isNotFound(err) {
		return nil, &ForbiddenError{Message: "Not a member of this session"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load member: %w", err)
	}
	return m, nil
}

func (s *ProgressService) requireLearner(ctx context.Context, sessionID, userID uuid.UUID) error {
	m, err := s.member(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if m.Role != models.RoleLearner {
		return &ForbiddenError{Message: "Only learners track progress"}
	}
	if m.Status != models.MemberEnrolled && m.Status != models.MemberActive {
		return &ForbiddenError{Message: "Membership is no longer active"}
	}
	return nil
}

func (s *ProgressService) current(ctx context.Context, sessionID, userID uuid.UUID) (*models.LearnerProgress, error) {
	p, err := s.progress.Get(ctx, sessionID, userID)
	if isNotFound(err) {
		return nil, &NotFoundError{Message: "Progress not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	return p, nil
}

func (s *ProgressService) UpdateProgress(ctx context.Context, sessionID, userID uuid.UUID, upd models.ProgressUpdate) (*models.LearnerProgress, error) {
	if err := s.requireLearner(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	if upd.TimeSpentSeconds < 0 {
		return nil, validation("time_spent_seconds", "Time spent must not be negative")
	}
	if upd.OverallScore != nil && (*upd.OverallScore < 0 || *upd.OverallScore > 100) {
		return nil, validation("overall_score", "Score must be between 0 and 100")
	}
	p, err := s.progress.Update(ctx, sessionID, userID, upd)
	if isNotFound(err) {
		return nil, &NotFoundError{Message: "Progress not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update progress: %w", err)
	}
	publish(ctx, s.bus, sessionID, models.MsgProgressUpdated, p)
	return p, nil
}

type applyFunc func(ev *models.SessionEvent) (*models.LearnerProgress, bool, error)

// record runs a conditional progress write with its event. When nothing
// changed the current row is returned and no event exists.
func (s *ProgressService) record(ctx context.Context, sessionID, actor, learner uuid.UUID, eventType string, payload interface{}, apply applyFunc) (*models.LearnerProgress, bool, error) {
	ev, err := NewEvent(sessionID, &actor, eventType, payload)
	if err != nil {
		return nil, false, err
	}
	p, applied, err := apply(ev)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record %s: %w", eventType, err)
	}
	if !applied {
		p, err := s.current(ctx, sessionID, learner)
		return p, false, err
	}
	publish(ctx, s.bus, sessionID, models.MsgProgressUpdated, p)
	s.events.Announce(ctx, ev)
	return p, true, nil
}

// MarkItemViewed records ref as viewed and current. Viewing an item twice is
// a no-op.
func (s *ProgressService) MarkItemViewed(ctx context.Context, sessionID, userID uuid.UUID, ref string) (*models.LearnerProgress, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, validation("item_ref", "Item reference is required")
	}
	if err := s.requireLearner(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	p, _, err := s.record(ctx, sessionID, userID, userID, models.EventItemStarted, map[string]string{"item_ref": ref},
		func(ev *models.SessionEvent) (*models.LearnerProgress, bool, error) {
			return s.progress.MarkViewed(ctx, sessionID, userID, ref, ev)
		})
	return p, err
}

// MarkItemCompleted records ref as completed, and as viewed if it was not.
// Completing an item twice is a no-op. The cohort is reclassified after
// every completion.
func (s *ProgressService) MarkItemCompleted(ctx context.Context, sessionID, userID uuid.UUID, ref string) (*models.LearnerProgress, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, validation("item_ref", "Item reference is required")
	}
	if err := s.requireLearner(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	p, applied, err := s.record(ctx, sessionID, userID, userID, models.EventItemCompleted, map[string]string{"item_ref": ref},
		func(ev *models.SessionEvent) (*models.LearnerProgress, bool, error) {
			return s.progress.MarkCompleted(ctx, sessionID, userID, ref, ev)
		})
	if err != nil || !applied {
		return p, err
	}
	if updated := s.Reclassify(ctx, sessionID)[userID]; updated != nil {
		return updated, nil
	}
	return p, nil
}

// RequestHelp flags the learner as stuck until the request is cancelled or
// resolved.
func (s *ProgressService) RequestHelp(ctx context.Context, sessionID, userID uuid.UUID, message string) (*models.LearnerProgress, error) {
	if err := s.requireLearner(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	payload := map[string]string{}
	if message = strings.TrimSpace(message); message != "" {
		payload["message"] = message
	}
	p, _, err := s.record(ctx, sessionID, userID, userID, models.EventHelpRequested, payload,
		func(ev *models.SessionEvent) (*models.LearnerProgress, bool, error) {
			return s.progress.SetRelativeStatus(ctx, sessionID, userID, helpable, models.PaceStuck, ev)
		})
	return p, err
}

func (s *ProgressService) CancelHelpRequest(ctx context.Context, sessionID, userID uuid.UUID) (*models.LearnerProgress, error) {
	if err := s.requireLearner(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return s.unstick(ctx, sessionID, userID, userID)
}

// ResolveHelp is the trainer closing a learner's help request.
func (s *ProgressService) ResolveHelp(ctx context.Context, sessionID, trainerID, learnerID uuid.UUID) (*models.LearnerProgress, error) {
	m, err := s.member(ctx, sessionID, trainerID)
	if err != nil {
		return nil, err
	}
	if m.Role != models.RoleTrainer {
		return nil, &ForbiddenError{Message: "Only the trainer can do this"}
	}
	return s.unstick(ctx, sessionID, trainerID, learnerID)
}

func (s *ProgressService) unstick(ctx context.Context, sessionID, actor, learner uuid.UUID) (*models.LearnerProgress, error) {
	payload := map[string]string{"learner_id": learner.String(), "resolved_by": actor.String()}
	p, applied, err := s.record(ctx, sessionID, actor, learner, models.EventHelpResolved, payload,
		func(ev *models.SessionEvent) (*models.LearnerProgress, bool, error) {
			return s.progress.SetRelativeStatus(ctx, sessionID, learner, []models.RelativeStatus{models.PaceStuck}, models.PaceOnTrack, ev)
		})
	if err != nil || !applied {
		return p, err
	}
	if updated := s.Reclassify(ctx, sessionID)[learner]; updated != nil {
		return updated, nil
	}
	return p, nil
}

// Heartbeat refreshes last_heartbeat_at and the membership's last_seen_at.
func (s *ProgressService) Heartbeat(ctx context.Context, sessionID, userID uuid.UUID) (*models.LearnerProgress, error) {
	if err := s.requireLearner(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	p, err := s.progress.Heartbeat(ctx, sessionID, userID)
	if isNotFound(err) {
		return nil, &NotFoundError{Message: "Progress not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if err := s.members.Touch(ctx, sessionID, userID); err != nil {
		log.Printf("progress service: failed to touch member %s: %v", userID, err)
	}
	publish(ctx, s.bus, sessionID, models.MsgProgressUpdated, p)
	return p, nil
}

// Reclassify recomputes ahead/behind/on_track for the cohort and stores the
// rows whose classification moved. Stuck learners are left alone. Failures
// are logged; pacing is advisory.
func (s *ProgressService) Reclassify(ctx context.Context, sessionID uuid.UUID) map[uuid.UUID]*models.LearnerProgress {
	changed := make(map[uuid.UUID]*models.LearnerProgress)
	rows, err := s.progress.List(ctx, sessionID)
	if err != nil {
		log.Printf("progress service: pacing for %s skipped: %v", sessionID, err)
		return changed
	}
	members, err := s.members.List(ctx, sessionID)
	if err != nil {
		log.Printf("progress service: pacing for %s skipped: %v", sessionID, err)
		return changed
	}
	cohort := activeCohort(rows, members)
	classes := pacing.ClassifyAll(cohort, s.opts.ToleranceRatio)
	for _, p := range cohort {
		next := classes[p.UserID.String()]
		if next == p.RelativeStatus || p.RelativeStatus == models.PaceStuck {
			continue
		}
		updated, applied, err := s.progress.SetRelativeStatus(ctx, sessionID, p.UserID,
			[]models.RelativeStatus{p.RelativeStatus}, next, nil)
		if err != nil {
			log.Printf("progress service: failed to set pace of %s: %v", p.UserID, err)
			continue
		}
		if !applied {
			continue
		}
		changed[p.UserID] = updated
		publish(ctx, s.bus, sessionID, models.MsgProgressUpdated, updated)
	}
	return changed
}

// activeCohort keeps the progress rows of learners still enrolled or active.
func activeCohort(rows []*models.LearnerProgress, members []*models.Member) []*models.LearnerProgress {
	active := make(map[uuid.UUID]bool, len(members))
	for _, m := range members {
		if m.Role == models.RoleLearner && (m.Status == models.MemberEnrolled || m.Status == models.MemberActive) {
			active[m.UserID] = true
		}
	}
	out := make([]*models.LearnerProgress, 0, len(rows))
	for _, p := range rows {
		if active[p.UserID] {
			out = append(out, p)
		}
	}
	return out
}

// Online maps every learner of the session to whether they are present on
// the channel with a fresh heartbeat.
func (s *ProgressService) Online(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := s.progress.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	present := make(map[uuid.UUID]bool)
	if s.bus != nil {
		entries, err := s.bus.Presence(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load presence: %w", err)
		}
		for _, e := range entries {
			present[e.UserID] = true
		}
	}
	now := s.now()
	out := make(map[uuid.UUID]bool, len(rows))
	for _, p := range rows {
		out[p.UserID] = pacing.Online(present[p.UserID], p.LastHeartbeatAt, now, s.opts.StaleAfter)
	}
	return out, nil
}
