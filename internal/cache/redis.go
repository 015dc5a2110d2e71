package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisBacking stores entries in Redis, relying on key TTLs for expiry.
// Useful when several workers share one cache.
type RedisBacking struct {
	rdb *redis.Client
}

// NewRedisBacking connects to Redis and verifies the connection.
func NewRedisBacking(ctx context.Context, redisURL string) (*RedisBacking, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, eris.Wrap(err, "cache: parse redis url")
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, eris.Wrap(err, "cache: redis ping")
	}
	return &RedisBacking{rdb: rdb}, nil
}

func redisKey(stage, key string) string {
	return "jobtrack:classify:" + stage + ":" + key
}

func (r *RedisBacking) Get(ctx context.Context, stage, key string) (*Entry, error) {
	data, err := r.rdb.Get(ctx, redisKey(stage, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "cache: redis get")
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, eris.Wrap(err, "cache: unmarshal redis entry")
	}
	if e.Expired(time.Now()) {
		return nil, nil
	}
	return &e, nil
}

func (r *RedisBacking) Set(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "cache: marshal redis entry")
	}

	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	return eris.Wrap(
		r.rdb.Set(ctx, redisKey(e.Stage, e.Key), data, ttl).Err(),
		"cache: redis set",
	)
}

// Close releases the underlying Redis connection.
func (r *RedisBacking) Close() error {
	return r.rdb.Close()
}
