package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// onlineTTL guards against stale flags if a server dies without cleanup;
// live connections refresh the flag on every presence update.
const onlineTTL = 5 * time.Minute

type RedisStore struct {
	cli *redis.Client
}

func NewRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("presence: redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("presence: redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("presence: redis ping: %w", err)
	}
	return &RedisStore{cli: cli}, nil
}

func (s *RedisStore) Close() error {
	return s.cli.Close()
}

func (s *RedisStore) SetOnline(ctx context.Context, userID string, online bool) error {
	key := "online:" + userID
	if !online {
		return s.cli.Del(ctx, key).Err()
	}
	return s.cli.Set(ctx, key, "1", onlineTTL).Err()
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.cli.Exists(ctx, "online:"+userID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
