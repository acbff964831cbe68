package store

import (
	"context"
	"fmt"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func templateKey(ch domain.Channel) string {
	return fmt.Sprintf("templates:%s", ch)
}

// LoadTemplates returns every stored template source for a channel.
func (s *RedisStore) LoadTemplates(ctx context.Context, ch domain.Channel) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, templateKey(ch)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading %s templates: %w", ch, err)
	}
	return m, nil
}

// SaveTemplates stores template sources that are not already present.
func (s *RedisStore) SaveTemplates(ctx context.Context, ch domain.Channel, templates map[string]string) error {
	key := templateKey(ch)
	pipe := s.client.Pipeline()
	for name, src := range templates {
		pipe.HSetNX(ctx, key, name, src)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving %s templates: %w", ch, err)
	}
	return nil
}
