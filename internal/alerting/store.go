package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// MemoryCooldownStore keeps cooldown state in process.
type MemoryCooldownStore struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemoryCooldownStore() *MemoryCooldownStore {
	return &MemoryCooldownStore{last: make(map[string]time.Time)}
}

func (s *MemoryCooldownStore) Acquire(_ context.Context, key string, now time.Time, cooldown time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !cooledDown(s.last[key], now, cooldown) {
		return false, nil
	}
	s.last[key] = now
	return true, nil
}

func (s *MemoryCooldownStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, key)
	return nil
}

// Prune forgets keys whose cooldown has elapsed and reports how many were removed.
func (s *MemoryCooldownStore) Prune(now time.Time, cooldown time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, t := range s.last {
		if now.Sub(t) >= cooldown {
			delete(s.last, k)
			removed++
		}
	}
	return removed
}

// RedisCooldownStore shares cooldown state between replicas. A key exists
// exactly while its location is cooling down, so SET NX PX is the whole
// check-and-update.
type RedisCooldownStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisCooldownStore(client redis.Cmdable) *RedisCooldownStore {
	return &RedisCooldownStore{client: client, prefix: "glof:alert:cooldown:"}
}

func (s *RedisCooldownStore) Acquire(ctx context.Context, key string, now time.Time, cooldown time.Duration) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}
	return s.client.SetNX(ctx, s.prefix+key, now.UTC().Format(time.RFC3339Nano), cooldown).Result()
}

func (s *RedisCooldownStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
