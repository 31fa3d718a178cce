package medium

//go:generate mockgen -source=redis.go -destination=../internal/mock/redis_client.go -package=mock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

var _ Medium = (*Redis)(nil)

// RedisClient is the subset of the redis client used by Redis.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Close() error
}

// RedisOptions configures a Redis medium.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL lets redis drop entries on its own. Zero keeps them until purged.
	TTL time.Duration
}

// Redis stores entries under Prefix in a redis database.
type Redis struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedis dials redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Addr, err)
	}
	return NewRedisWithClient(client, opts.Prefix, opts.TTL), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client RedisClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "gentlefetch:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Read returns the stored bytes for key, or ErrNotFound.
func (r *Redis) Read(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

// Write sets key with the configured TTL.
func (r *Redis) Write(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.prefix+key, value, r.ttl).Err()
}

// List scans for every key under the prefix.
func (r *Redis) List(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, r.prefix))
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// Close closes the client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
