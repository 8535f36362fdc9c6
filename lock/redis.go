package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/warp/loan-engine/loans"
)

// releaseScript deletes a key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	TTL         time.Duration // lease per key, bounds a crashed holder
	WaitTimeout time.Duration
	RetryDelay  time.Duration
}

// Redis is a distributed keyed lock.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	cfg       RedisConfig
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisWithClient(client, cfg), nil
}

// NewRedisWithClient creates a locker with an existing client.
func NewRedisWithClient(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 25 * time.Millisecond
	}
	return &Redis{client: client, keyPrefix: "loans:lock:", cfg: cfg}
}

// Acquire takes every key with SET NX PX, in order, or none of them.
func (r *Redis) Acquire(ctx context.Context, keys []string) (func(), error) {
	token := uuid.NewString()
	deadline := time.Now().Add(r.cfg.WaitTimeout)
	var held []string

	release := func() {
		// Release must not depend on the caller's context being alive.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			releaseScript.Run(rctx, r.client, []string{held[i]}, token)
		}
	}

	for _, k := range keys {
		key := r.keyPrefix + k
		for {
			ok, err := r.client.SetNX(ctx, key, token, r.cfg.TTL).Result()
			if err != nil {
				release()
				return nil, fmt.Errorf("failed to acquire lock %s: %w", k, err)
			}
			if ok {
				held = append(held, key)
				break
			}
			if time.Now().After(deadline) {
				release()
				return nil, &loans.ConcurrencyConflictError{Key: k}
			}
			select {
			case <-ctx.Done():
				release()
				return nil, ctx.Err()
			case <-time.After(r.cfg.RetryDelay):
			}
		}
	}
	return release, nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ loans.Locker = (*Redis)(nil)
