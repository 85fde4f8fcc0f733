package admission

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"wikiproxy/internal/config"
)

// RedisStore shares the admission table across processes. The counter
// relies on redis INCR being atomic; the expiry is attached when the
// key is first created.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	return &RedisStore{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if v == 1 {
		if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return v, err
		}
	}
	return v, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
