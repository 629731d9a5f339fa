package broadcast

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
	"github.com/redis/go-redis/v9"

	"livesession-backend/internal/models"
)

const presenceSessionsKey = "presence_sessions"

func presenceKey(sessionID uuid.UUID) string { return "presence:" + sessionID.String() }
func connsKey(sessionID uuid.UUID) string { return "presence_conns:" + sessionID.String() }

// Redis publishes over Redis pub/sub and stores presence in per-session hashes,
// so every server instance sees the same presence map.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

func (r *Redis) Publish(ctx context.Context, sessionID uuid.UUID, msg models.WSMessage) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, Topic(sessionID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Type, err)
	}
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) C() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (r *Redis) Subscribe(ctx context.Context, sessionID uuid.UUID) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, Topic(sessionID))
	// Wait for the subscribe confirmation so nothing published afterwards is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", Topic(sessionID), err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.out)
		ch := pubsub.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case sub.out <- []byte(msg.Payload):
				case <-sub.done:
					return
				}
			}
		}
	}()
	return sub, nil
}

func (r *Redis) Track(ctx context.Context, sessionID uuid.UUID, p models.Presence) error {
	now := r.now()
	if p.ConnectedAt.IsZero() {
		p.ConnectedAt = now
	}
	p.LastPingAt = now
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.HIncrBy(ctx, connsKey(sessionID), p.UserID.String(), 1)
	pipe.HSet(ctx, presenceKey(sessionID), p.UserID.String(), data)
	pipe.SAdd(ctx, presenceSessionsKey, sessionID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to track presence: %w", err)
	}
	return r.sync(ctx, sessionID)
}

func (r *Redis) Untrack(ctx context.Context, sessionID, userID uuid.UUID) error {
	left, err := r.client.HIncrBy(ctx, connsKey(sessionID), userID.String(), -1).Result()
	if err != nil {
		return fmt.Errorf("failed to untrack presence: %w", err)
	}
	if left > 0 {
		return nil
	}
	if err := r.drop(ctx, sessionID, userID); err != nil {
		return err
	}
	return r.sync(ctx, sessionID)
}

func (r *Redis) drop(ctx context.Context, sessionID, userID uuid.UUID) error {
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, connsKey(sessionID), userID.String())
	pipe.HDel(ctx, presenceKey(sessionID), userID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to drop presence: %w", err)
	}
	return nil
}

// touchScript rewrites a presence entry only while it still holds the value
// that was read, so a concurrent drop or prune is never undone.
var touchScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
	return 1
end
return 0
`)

const touchAttempts = 3

// Touch refreshes last_ping_at of a tracked user. Untracked users are ignored.
func (r *Redis) Touch(ctx context.Context, sessionID, userID uuid.UUID) error {
	key := presenceKey(sessionID)
	for attempt := 0; attempt < touchAttempts; attempt++ {
		raw, err := r.client.HGet(ctx, key, userID.String()).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read presence: %w", err)
		}
		var p models.Presence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("failed to decode presence: %w", err)
		}
		p.LastPingAt = r.now()
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		written, err := touchScript.Run(ctx, r.client, []string{key}, userID.String(), raw, data).Int()
		if err != nil {
			return fmt.Errorf("failed to touch presence: %w", err)
		}
		if written == 1 {
			return nil
		}
	}
	return nil
}

func (r *Redis) Presence(ctx context.Context, sessionID uuid.UUID) ([]models.Presence, error) {
	entries, err := r.client.HGetAll(ctx, presenceKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load presence: %w", err)
	}
	out := make([]models.Presence, 0, len(entries))
	for _, raw := range entries {
		var p models.Presence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			log.Printf("broadcast: skipping malformed presence entry: %v", err)
			continue
		}
		out = append(out, p)
	}
	sortPresence(out)
	return out, nil
}

func (r *Redis) PruneStale(ctx context.Context, cutoff time.Time) (map[uuid.UUID][]uuid.UUID, error) {
	sessions, err := r.client.SMembers(ctx, presenceSessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence sessions: %w", err)
	}

	pruned := make(map[uuid.UUID][]uuid.UUID)
	for _, raw := range sessions {
		sessionID, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		entries, err := r.Presence(ctx, sessionID)
		if err != nil {
			return pruned, err
		}
		if len(entries) == 0 {
			r.client.SRem(ctx, presenceSessionsKey, raw)
			continue
		}
		for _, p := range entries {
			if !p.LastPingAt.Before(cutoff) {
				continue
			}
			if err := r.drop(ctx, sessionID, p.UserID); err != nil {
				return pruned, err
			}
			pruned[sessionID] = append(pruned[sessionID], p.UserID)
		}
		if len(pruned[sessionID]) > 0 {
			if err := r.sync(ctx, sessionID); err != nil {
				log.Printf("broadcast: presence sync for %s failed: %v", sessionID, err)
			}
		}
	}
	return pruned, nil
}

func (r *Redis) sync(ctx context.Context, sessionID uuid.UUID) error {
	entries, err := r.Presence(ctx, sessionID)
	if err != nil {
		return err
	}
	return r.Publish(ctx, sessionID, models.WSMessage{
		Type:    models.MsgPresenceSync,
		Payload: PresenceSync{SessionID: sessionID, Presence: entries},
	})
}

func sortPresence(ps []models.Presence) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].ConnectedAt.Equal(ps[j].ConnectedAt) {
			return ps[i].ConnectedAt.Before(ps[j].ConnectedAt)
		}
		return ps[i].UserID.String() < ps[j].UserID.String()
	})
}
