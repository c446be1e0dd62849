package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"render-queue/internal/models"
)

// RedisStore keeps each collection as one JSON blob under a single key, so
// every Save replaces the whole document and readers never see a partial set.
type RedisStore struct {
	mu     sync.Mutex
	client *redis.Client
	key    string
}

// NewRedisStore builds a store bound to the given key.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) load(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", s.key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) save(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.key, err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.key, err)
	}
	return nil
}

// RedisQueueStore is a QueueStore backed by one Redis key.
type RedisQueueStore struct{ *RedisStore }

// NewRedisQueueStore binds the queue collection to renderqueue:jobs.
func NewRedisQueueStore(client *redis.Client) *RedisQueueStore {
	return &RedisQueueStore{NewRedisStore(client, "renderqueue:jobs")}
}

func (s *RedisQueueStore) Load(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	if err := s.load(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *RedisQueueStore) Save(ctx context.Context, jobs []models.Job) error {
	return s.save(ctx, jobs)
}

// RedisProfileStore is a ProfileStore backed by one Redis key.
type RedisProfileStore struct{ *RedisStore }

// NewRedisProfileStore binds the profile set to renderqueue:profiles.
func NewRedisProfileStore(client *redis.Client) *RedisProfileStore {
	return &RedisProfileStore{NewRedisStore(client, "renderqueue:profiles")}
}

func (s *RedisProfileStore) Load(ctx context.Context) ([]models.Profile, error) {
	var profiles []models.Profile
	if err := s.load(ctx, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

func (s *RedisProfileStore) Save(ctx context.Context, profiles []models.Profile) error {
	return s.save(ctx, profiles)
}
