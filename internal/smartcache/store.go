package smartcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/radiusdt/funnel-report/internal/models"
)

// ErrMiss is returned by a HotStore that holds no value for a key.
var ErrMiss = errors.New("cache miss")

// HotStore is the fast tier in front of the Postgres cache tables. It also
// provides the lock that keeps background refreshes single-flight.
type HotStore interface {
	Get(ctx context.Context, key string) (*models.CacheEntry, error)
	Set(ctx context.Context, key string, e *models.CacheEntry, ttl time.Duration) error
	// TryLock acquires key for ttl. ok is false when someone else holds it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// RedisStore keeps snapshots as JSON strings in Redis.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var e models.CacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &e, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, e *models.CacheEntry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// unlockScript deletes the lock only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (s *RedisStore) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, s.client, []string{key}, token).Err()
	}
	return unlock, true, nil
}

// LocalStore is a process-local HotStore used when Redis is not configured.
// It holds no values, so lookups fall through to Postgres, and only
// provides locking.
type LocalStore struct {
	mu    sync.Mutex
	locks map[string]time.Time
	now   func() time.Time
}

func NewLocalStore() *LocalStore {
	return &LocalStore{locks: make(map[string]time.Time), now: time.Now}
}

func (s *LocalStore) Get(context.Context, string) (*models.CacheEntry, error) {
	return nil, ErrMiss
}

func (s *LocalStore) Set(context.Context, string, *models.CacheEntry, time.Duration) error {
	return nil
}

func (s *LocalStore) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until, held := s.locks[key]; held && s.now().Before(until) {
		return nil, false, nil
	}
	s.locks[key] = s.now().Add(ttl)
	return func() {
		s.mu.Lock()
		delete(s.locks, key)
		s.mu.Unlock()
	}, true, nil
}
