package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"livesession-backend/internal/models"
)

type ProgressStore struct{ db *DB }

func (s *ProgressStore) Ensure(ctx context.Context, sessionID, userID uuid.UUID) (*models.LearnerProgress, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.failed(); err != nil {
		return nil, err
	}
	key := memberKey{sessionID, userID}
	p, ok := db.progress[key]
	if !ok {
		now := db.Now()
		p = &models.LearnerProgress{
			SessionID:       sessionID,
			UserID:          userID,
			ViewedItems:     []string{},
			CompletedItems:  []string{},
			RelativeStatus:  models.PaceOnTrack,
			LastHeartbeatAt: now,
			UpdatedAt:       now,
		}
		db.progress[key] = p
	}
	return cloneProgress(p), nil
}

func (s *ProgressStore) Get(ctx context.Context, sessionID, userID uuid.UUID) (*models.LearnerProgress, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.progress[memberKey{sessionID, userID}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return cloneProgress(p), nil
}

func (s *ProgressStore) List(ctx context.Context, sessionID uuid.UUID) ([]*models.LearnerProgress, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*models.LearnerProgress
	for k, p := range s.db.progress {
		if k.session == sessionID {
			out = append(out, cloneProgress(p))
		}
	}
	sortProgress(out)
	return out, nil
}

func (s *ProgressStore) MarkViewed(ctx context.Context, sessionID, userID uuid.UUID, ref string, ev *models.SessionEvent) (*models.LearnerProgress, bool, error) {
	return s.mutate(sessionID, userID, ev, func(p *models.LearnerProgress) bool {
		if contains(p.ViewedItems, ref) {
			return false
		}
		p.ViewedItems = append(cloneStrings(p.ViewedItems), ref)
		p.ItemsViewed = len(p.ViewedItems)
		cur := ref
		p.CurrentItemRef = &cur
		return true
	})
}

func (s *ProgressStore) MarkCompleted(ctx context.Context, sessionID, userID uuid.UUID, ref string, ev *models.SessionEvent) (*models.LearnerProgress, bool, error) {
	return s.mutate(sessionID, userID, ev, func(p *models.LearnerProgress) bool {
		if contains(p.CompletedItems, ref) {
			return false
		}
		p.CompletedItems = append(cloneStrings(p.CompletedItems), ref)
		p.ItemsCompleted = len(p.CompletedItems)
		if !contains(p.ViewedItems, ref) {
			p.ViewedItems = append(cloneStrings(p.ViewedItems), ref)
			p.ItemsViewed = len(p.ViewedItems)
		}
		return true
	})
}

func (s *ProgressStore) SetRelativeStatus(ctx context.Context, sessionID, userID uuid.UUID, from []models.RelativeStatus, status models.RelativeStatus, ev *models.SessionEvent) (*models.LearnerProgress, bool, error) {
	return s.mutate(sessionID, userID, ev, func(p *models.LearnerProgress) bool {
		for _, st := range from {
			if p.RelativeStatus == st {
				p.RelativeStatus = status
				return true
			}
		}
		return false
	})
}

func (s *ProgressStore) mutate(sessionID, userID uuid.UUID, ev *models.SessionEvent, fn func(p *models.LearnerProgress) bool) (*models.LearnerProgress, bool, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.failed(); err != nil {
		return nil, false, err
	}
	p, ok := db.progress[memberKey{sessionID, userID}]
	if !ok {
		return nil, false, nil
	}
	if !fn(p) {
		return nil, false, nil
	}
	p.UpdatedAt = db.Now()
	if ev != nil {
		ev.SessionID = sessionID
		db.appendEvent(ev)
	}
	return cloneProgress(p), true, nil
}

func (s *ProgressStore) Update(ctx context.Context, sessionID, userID uuid.UUID, upd models.ProgressUpdate) (*models.LearnerProgress, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.failed(); err != nil {
		return nil, err
	}
	p, ok := db.progress[memberKey{sessionID, userID}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if upd.CurrentItemRef != nil {
		v := *upd.CurrentItemRef
		p.CurrentItemRef = &v
	}
	if upd.OverallScore != nil {
		v := *upd.OverallScore
		p.OverallScore = &v
	}
	p.TotalTimeSpentSeconds += upd.TimeSpentSeconds
	p.UpdatedAt = db.Now()
	return cloneProgress(p), nil
}

func (s *ProgressStore) Heartbeat(ctx context.Context, sessionID, userID uuid.UUID) (*models.LearnerProgress, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.progress[memberKey{sessionID, userID}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	p.LastHeartbeatAt = db.Now()
	return cloneProgress(p), nil
}

func cloneProgress(p *models.LearnerProgress) *models.LearnerProgress {
	out := *p
	out.ViewedItems = cloneStrings(p.ViewedItems)
	out.CompletedItems = cloneStrings(p.CompletedItems)
	return &out
}

func sortProgress(rows []*models.LearnerProgress) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].UserID.String() < rows[j].UserID.String() })
}
