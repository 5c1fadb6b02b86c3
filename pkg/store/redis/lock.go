package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tileflow/pkg/logger"

	"github.com/go-redis/redis/v8"
)

const (
	lockTTL            = 30 * time.Second
	lockAcquireTimeout = 5 * time.Second
	lockRenewInterval  = 10 * time.Second
)

// DistributedLock guards maintenance work that must run on one replica at a
// time.
type DistributedLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// RedisLock implements DistributedLock with SET NX plus background renewal.
// Without a Redis client it degrades to an always-granted lock so a
// single-instance deployment keeps working.
type RedisLock struct {
	client    *redis.Client
	lockKey   string
	lockValue string

	mu        sync.Mutex
	held      bool
	stopRenew chan struct{}
}

// NewRedisLock creates a lock on the given key.
func NewRedisLock(client *redis.Client, lockKey string) *RedisLock {
	return &RedisLock{
		client:    client,
		lockKey:   lockKey,
		lockValue: fmt.Sprintf("%s-%d", lockKey, time.Now().UnixNano()),
	}
}

// TryLock attempts to take the lock without blocking on contention.
func (l *RedisLock) TryLock(ctx context.Context) (bool, error) {
	if l.client == nil {
		l.mu.Lock()
		l.held = true
		l.mu.Unlock()
		return true, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	defer cancel()

	acquired, err := l.client.SetNX(acquireCtx, l.lockKey, l.lockValue, lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.lockKey, err)
	}
	if !acquired {
		return false, nil
	}

	l.mu.Lock()
	l.held = true
	l.stopRenew = make(chan struct{})
	stop := l.stopRenew
	l.mu.Unlock()

	go l.renew(ctx, stop)
	return true, nil
}

// Unlock releases the lock. Only the holder's value is deleted, so a lock
// that expired and was taken by another replica stays untouched.
func (l *RedisLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	if l.stopRenew != nil {
		close(l.stopRenew)
		l.stopRenew = nil
	}
	l.mu.Unlock()

	if l.client == nil {
		return nil
	}

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	if _, err := l.client.Eval(ctx, script, []string{l.lockKey}, l.lockValue).Result(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.lockKey, err)
	}
	return nil
}

func (l *RedisLock) renew(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(lockRenewInterval)
	defer ticker.Stop()

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("expire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := l.client.Eval(ctx, script,
				[]string{l.lockKey}, l.lockValue, int(lockTTL.Seconds())).Result()
			if err != nil || result.(int64) == 0 {
				logger.Warnf("lock %s renewal failed, lock lost: %v", l.lockKey, err)
				l.mu.Lock()
				l.held = false
				l.mu.Unlock()
				return
			}
		}
	}
}
