// Package broadcast fans change notifications out to everyone attached to a
// session and keeps the session's presence map.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"livesession-backend/internal/models"
)

// Subscription delivers encoded WSMessages published to one session.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

type Channel interface {
	Publish(ctx context.Context, sessionID uuid.UUID, msg models.WSMessage) error
	// Subscribe returns once the subscription is live; anything published
	// after it returns is delivered.
	Subscribe(ctx context.Context, sessionID uuid.UUID) (Subscription, error)

	// Track and Untrack are reference counted per user so several
	// connections of one user count as one presence entry.
	Track(ctx context.Context, sessionID uuid.UUID, p models.Presence) error
	Untrack(ctx context.Context, sessionID, userID uuid.UUID) error
	Touch(ctx context.Context, sessionID, userID uuid.UUID) error
	Presence(ctx context.Context, sessionID uuid.UUID) ([]models.Presence, error)
	// PruneStale drops entries whose last ping is before cutoff and returns
	// the pruned user ids per session.
	PruneStale(ctx context.Context, cutoff time.Time) (map[uuid.UUID][]uuid.UUID, error)
}

func Topic(sessionID uuid.UUID) string {
	return "session:" + sessionID.String()
}

func encode(msg models.WSMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return data, nil
}

// PresenceSync is the payload of a presence_sync message.
type PresenceSync struct {
	SessionID uuid.UUID         `json:"session_id"`
	Presence  []models.Presence `json:"presence"`
}
