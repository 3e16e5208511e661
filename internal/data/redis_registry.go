package data

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
)

func redisKey(prefix, name string) string {
	if prefix == "" {
		prefix = "jobexec"
	}
	return prefix + ":" + name
}

// RedisCategoryRegistry keeps the enabled job categories in a Redis set shared by all workers.
type RedisCategoryRegistry struct {
	client redis.UniversalClient
	key    string
}

var _ core.CategoryRegistry = (*RedisCategoryRegistry)(nil)

// NewRedisCategoryRegistry creates a registry under prefix.
func NewRedisCategoryRegistry(client redis.UniversalClient, prefix string) *RedisCategoryRegistry {
	return &RedisCategoryRegistry{client: client, key: redisKey(prefix, "categories")}
}

// Enable adds categories to the enabled set.
func (r *RedisCategoryRegistry) Enable(ctx context.Context, categories ...string) error {
	members := cleanCategories(categories)
	if len(members) == 0 {
		return errors.New("at least one category is required")
	}
	if err := r.client.SAdd(ctx, r.key, members...).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// Disable removes categories from the enabled set.
func (r *RedisCategoryRegistry) Disable(ctx context.Context, categories ...string) error {
	members := cleanCategories(categories)
	if len(members) == 0 {
		return errors.New("at least one category is required")
	}
	if err := r.client.SRem(ctx, r.key, members...).Err(); err != nil {
		return fmt.Errorf("redis srem: %w", err)
	}
	return nil
}

// List returns the enabled categories sorted. An empty set yields an empty, non-nil slice.
func (r *RedisCategoryRegistry) List(ctx context.Context) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if members == nil {
		members = []string{}
	}
	slices.Sort(members)
	return members, nil
}

// Health checks the health of the Redis connection.
func (r *RedisCategoryRegistry) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func cleanCategories(categories []string) []any {
	out := make([]any, 0, len(categories))
	for _, c := range categories {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// RedisWorkerRegistry tracks worker heartbeats in a sorted set scored by expiry time.
type RedisWorkerRegistry struct {
	client redis.UniversalClient
	key    string
	clock  clock.Clock
}

var _ core.WorkerRegistry = (*RedisWorkerRegistry)(nil)

// NewRedisWorkerRegistry creates a registry under prefix.
func NewRedisWorkerRegistry(client redis.UniversalClient, prefix string, clk clock.Clock) *RedisWorkerRegistry {
	return &RedisWorkerRegistry{client: client, key: redisKey(prefix, "workers"), clock: clock.OrReal(clk)}
}

// Heartbeat marks workerID live until now+ttl.
func (r *RedisWorkerRegistry) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	if workerID == "" {
		return errors.New("worker id cannot be empty")
	}
	if ttl <= 0 {
		return errors.New("heartbeat ttl must be positive")
	}
	expires := r.clock.Now().Add(ttl).UnixMilli()
	if err := r.client.ZAdd(ctx, r.key, redis.Z{Score: float64(expires), Member: workerID}).Err(); err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	return nil
}

// Deregister removes workerID immediately.
func (r *RedisWorkerRegistry) Deregister(ctx context.Context, workerID string) error {
	if err := r.client.ZRem(ctx, r.key, workerID).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	return nil
}

// LiveWorkers prunes expired heartbeats and returns the remaining worker ids.
func (r *RedisWorkerRegistry) LiveWorkers(ctx context.Context) ([]string, error) {
	now := strconv.FormatInt(r.clock.Now().UnixMilli(), 10)

	var live *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, r.key, "-inf", "("+now)
		live = p.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{Min: now, Max: "+inf"})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis live workers: %w", err)
	}
	workers := live.Val()
	if workers == nil {
		workers = []string{}
	}
	slices.Sort(workers)
	return workers, nil
}
