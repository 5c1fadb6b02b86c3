package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	dedupKeyPrefix = "step:dedup:"
	dedupTTL       = 24 * time.Hour
)

// releaseScript deletes the dedup key only when it still belongs to the
// releasing step, so a slow janitor cannot drop a newer claim.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DedupRegistry maps a step's equivalence key to the step id that currently
// owns it. Submitting an equivalent step while one runs returns the running
// step instead of planning the same export twice.
type DedupRegistry struct {
	redis *redis.Client
}

// NewDedupRegistry creates the dedup registry.
func NewDedupRegistry(redisClient *RedisClient) *DedupRegistry {
	return &DedupRegistry{
		redis: redisClient.GetClient(),
	}
}

// Acquire claims the equivalence key for stepID. When another step already
// owns the key, its id is returned and acquired is false.
func (r *DedupRegistry) Acquire(ctx context.Context, equivalenceKey, stepID string) (existing string, acquired bool, err error) {
	key := dedupKey(equivalenceKey)

	ok, err := r.redis.SetNX(ctx, key, stepID, dedupTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire dedup key: %w", err)
	}
	if ok {
		return stepID, true, nil
	}

	existing, err = r.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		// Owner expired between SetNX and Get; claim it now.
		return r.Acquire(ctx, equivalenceKey, stepID)
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read dedup key: %w", err)
	}
	return existing, false, nil
}

// Release frees the equivalence key if stepID still owns it.
func (r *DedupRegistry) Release(ctx context.Context, equivalenceKey, stepID string) error {
	key := dedupKey(equivalenceKey)
	if err := releaseScript.Run(ctx, r.redis, []string{key}, stepID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release dedup key: %w", err)
	}
	return nil
}

// Owner returns the step id currently holding the key, or empty.
func (r *DedupRegistry) Owner(ctx context.Context, equivalenceKey string) (string, error) {
	owner, err := r.redis.Get(ctx, dedupKey(equivalenceKey)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read dedup key: %w", err)
	}
	return owner, nil
}

func dedupKey(equivalenceKey string) string {
	sum := sha256.Sum256([]byte(equivalenceKey))
	return dedupKeyPrefix + hex.EncodeToString(sum[:16])
}
