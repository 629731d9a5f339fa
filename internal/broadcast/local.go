package broadcast

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"livesession-backend/internal/models"
)

type presenceEntry struct {
	p     models.Presence
	conns int
}

// Local is an in-process Channel for a single server instance and for tests.
type Local struct {
	mu       sync.Mutex
	subs     map[uuid.UUID]map[*localSubscription]struct{}
	presence map[uuid.UUID]map[uuid.UUID]*presenceEntry

	// Now is the presence clock. Tests may replace it.
	Now func() time.Time
}

func NewLocal() *Local {
	return &Local{
		subs:     make(map[uuid.UUID]map[*localSubscription]struct{}),
		presence: make(map[uuid.UUID]map[uuid.UUID]*presenceEntry),
		Now:      time.Now,
	}
}

type localSubscription struct {
	owner     *Local
	sessionID uuid.UUID
	out       chan []byte
	once      sync.Once
}

func (s *localSubscription) C() <-chan []byte { return s.out }

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs[s.sessionID], s)
		if len(s.owner.subs[s.sessionID]) == 0 {
			delete(s.owner.subs, s.sessionID)
		}
		s.owner.mu.Unlock()
		close(s.out)
	})
	return nil
}

func (l *Local) Publish(ctx context.Context, sessionID uuid.UUID, msg models.WSMessage) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs[sessionID] {
		select {
		case sub.out <- data:
		default:
			log.Printf("broadcast: subscriber of %s is full, dropping %s", sessionID, msg.Type)
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, sessionID uuid.UUID) (Subscription, error) {
	sub := &localSubscription{owner: l, sessionID: sessionID, out: make(chan []byte, 256)}
	l.mu.Lock()
	if l.subs[sessionID] == nil {
		l.subs[sessionID] = make(map[*localSubscription]struct{})
	}
	l.subs[sessionID][sub] = struct{}{}
	l.mu.Unlock()
	return sub, nil
}

func (l *Local) Track(ctx context.Context, sessionID uuid.UUID, p models.Presence) error {
	l.mu.Lock()
	now := l.Now()
	if l.presence[sessionID] == nil {
		l.presence[sessionID] = make(map[uuid.UUID]*presenceEntry)
	}
	e, ok := l.presence[sessionID][p.UserID]
	if !ok {
		if p.ConnectedAt.IsZero() {
			p.ConnectedAt = now
		}
		e = &presenceEntry{p: p}
		l.presence[sessionID][p.UserID] = e
	}
	e.conns++
	e.p.LastPingAt = now
	l.mu.Unlock()
	return l.sync(ctx, sessionID)
}

func (l *Local) Untrack(ctx context.Context, sessionID, userID uuid.UUID) error {
	l.mu.Lock()
	e, ok := l.presence[sessionID][userID]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	e.conns--
	if e.conns > 0 {
		l.mu.Unlock()
		return nil
	}
	delete(l.presence[sessionID], userID)
	l.mu.Unlock()
	return l.sync(ctx, sessionID)
}

func (l *Local) Touch(ctx context.Context, sessionID, userID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.presence[sessionID][userID]; ok {
		e.p.LastPingAt = l.Now()
	}
	return nil
}

func (l *Local) Presence(ctx context.Context, sessionID uuid.UUID) ([]models.Presence, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.presenceLocked(sessionID), nil
}

func (l *Local) presenceLocked(sessionID uuid.UUID) []models.Presence {
	out := make([]models.Presence, 0, len(l.presence[sessionID]))
	for _, e := range l.presence[sessionID] {
		out = append(out, e.p)
	}
	sortPresence(out)
	return out
}

func (l *Local) PruneStale(ctx context.Context, cutoff time.Time) (map[uuid.UUID][]uuid.UUID, error) {
	l.mu.Lock()
	pruned := make(map[uuid.UUID][]uuid.UUID)
	for sessionID, entries := range l.presence {
		for userID, e := range entries {
			if e.p.LastPingAt.Before(cutoff) {
				delete(entries, userID)
				pruned[sessionID] = append(pruned[sessionID], userID)
			}
		}
		if len(entries) == 0 {
			delete(l.presence, sessionID)
		}
	}
	l.mu.Unlock()

	for sessionID := range pruned {
		if err := l.sync(ctx, sessionID); err != nil {
			return pruned, err
		}
	}
	return pruned, nil
}

func (l *Local) sync(ctx context.Context, sessionID uuid.UUID) error {
	l.mu.Lock()
	entries := l.presenceLocked(sessionID)
	l.mu.Unlock()
	return l.Publish(ctx, sessionID, models.WSMessage{
		Type:    models.MsgPresenceSync,
		Payload: PresenceSync{SessionID: sessionID, Presence: entries},
	})
}
