package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClients holds one client per traffic class. Jobs serves BLPOP consumers
// and the presence hashes; Broadcast holds long-lived session subscriptions,
// one per connected websocket, so it gets the larger pool.
type RedisClients struct {
	Jobs      *redis.Client
	Broadcast *redis.Client
}

const broadcastPoolSize = 50

func NewRedisClients(ctx context.Context, redisURL string) (*RedisClients, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	jobs, err := dialRedis(ctx, opt, "livesession-jobs", 0)
	if err != nil {
		return nil, err
	}
	broadcast, err := dialRedis(ctx, opt, "livesession-broadcast", broadcastPoolSize)
	if err != nil {
		jobs.Close()
		return nil, err
	}
	return &RedisClients{Jobs: jobs, Broadcast: broadcast}, nil
}

func dialRedis(ctx context.Context, base *redis.Options, name string, poolSize int) (*redis.Client, error) {
	opt := *base
	opt.ClientName = name
	if poolSize > 0 {
		opt.PoolSize = poolSize
	}
	client := redis.NewClient(&opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis (%s): %w", name, err)
	}
	return client, nil
}

func (r *RedisClients) Close() {
	r.Jobs.Close()
	r.Broadcast.Close()
}
