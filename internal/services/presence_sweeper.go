package services

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// PresencePruner drops presence entries whose last ping is older than cutoff
// and reports what it dropped, per session.
type PresencePruner interface {
	PruneStale(ctx context.Context, cutoff time.Time) (map[uuid.UUID][]uuid.UUID, error)
}

// PresenceSweeper periodically removes connections that stopped pinging
// without detaching, e.g. after a crashed server instance.
type PresenceSweeper struct {
	pruner     PresencePruner
	interval   time.Duration
	staleAfter time.Duration
	stopChan   chan struct{}
}

func NewPresenceSweeper(pruner PresencePruner, interval, staleAfter time.Duration) *PresenceSweeper {
	return &PresenceSweeper{
		pruner:     pruner,
		interval:   interval,
		staleAfter: staleAfter,
		stopChan:   make(chan struct{}),
	}
}

func (s *PresenceSweeper) Start() {
	if s.pruner == nil || s.interval <= 0 {
		return
	}
	go s.loop()
	log.Printf("Presence sweeper started (every %s, stale after %s)", s.interval, s.staleAfter)
}

func (s *PresenceSweeper) Stop() {
	select {
	case <-s.stopChan:
		return
	default:
		close(s.stopChan)
	}
}

func (s *PresenceSweeper) loop() {
	// Run on startup as well as by interval.
	s.Sweep(context.Background(), time.Now().UTC())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Sweep(context.Background(), time.Now().UTC())
		}
	}
}

// Sweep prunes once and returns how many entries were removed.
func (s *PresenceSweeper) Sweep(ctx context.Context, now time.Time) int {
	pruned, err := s.pruner.PruneStale(ctx, now.Add(-s.staleAfter))
	if err != nil {
		log.Printf("presence sweeper: prune failed: %v", err)
	}
	n := 0
	for sessionID, users := range pruned {
		n += len(users)
		log.Printf("presence sweeper: dropped %d stale connection(s) from session %s", len(users), sessionID)
	}
	return n
}
