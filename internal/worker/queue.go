package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Pop when nothing arrived before the timeout.
var ErrEmpty = errors.New("queue empty")

// Queue carries encoded jobs between the dispatcher and the pool, and holds the
// per-job locks that keep two workers off the same job.
type Queue interface {
	Push(ctx context.Context, queue string, data []byte) error
	Pop(ctx context.Context, timeout time.Duration, queues ...string) (string, error)
	Lock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

func queueName(jobType string) string {
	return "queue:" + jobType
}

func lockKey(id string) string {
	return "job_lock:" + id
}

// RedisQueue uses Redis lists (LPUSH/BLPOP) so jobs survive a restart and are
// shared by every server instance.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Push(ctx context.Context, queue string, data []byte) error {
	return q.client.LPush(ctx, queue, string(data)).Err()
}

func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration, queues ...string) (string, error) {
	result, err := q.client.BLPop(ctx, timeout, queues...).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", err
	}
	if len(result) < 2 {
		return "", ErrEmpty
	}
	return result[1], nil
}

func (q *RedisQueue) Lock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return q.client.SetNX(ctx, key, "1", ttl).Result()
}

func (q *RedisQueue) Unlock(ctx context.Context, key string) error {
	return q.client.Del(ctx, key).Err()
}

// LocalQueue is an in-process Queue for single-instance runs and tests.
type LocalQueue struct {
	mu     sync.Mutex
	queues map[string]chan string
	locks  map[string]time.Time
	notify chan struct{}
}

func NewLocalQueue() *LocalQueue {
	return &LocalQueue{
		queues: make(map[string]chan string),
		locks:  make(map[string]time.Time),
		notify: make(chan struct{}, 1),
	}
}

func (q *LocalQueue) channel(name string) chan string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[name]
	if !ok {
		ch = make(chan string, 1024)
		q.queues[name] = ch
	}
	return ch
}

func (q *LocalQueue) Push(ctx context.Context, queue string, data []byte) error {
	select {
	case q.channel(queue) <- string(data):
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *LocalQueue) Pop(ctx context.Context, timeout time.Duration, queues ...string) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, name := range queues {
			select {
			case data := <-q.channel(name):
				return data, nil
			default:
			}
		}
		select {
		case <-q.notify:
		case <-deadline.C:
			return "", ErrEmpty
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (q *LocalQueue) Lock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if until, ok := q.locks[key]; ok && time.Now().Before(until) {
		return false, nil
	}
	q.locks[key] = time.Now().Add(ttl)
	return true, nil
}

func (q *LocalQueue) Unlock(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.locks, key)
	return nil
}
