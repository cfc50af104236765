package sleep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockKey = "somnia:cycle:lock"

// CycleLock serializes sleep cycles across the fleet. With Redis it is a
// SetNX lease shared by every scheduler instance; without Redis it
// degrades to a process-local mutex, which is correct for single-node
// deployments.
type CycleLock struct {
	rdb    *redis.Client
	logger *zap.Logger
	ttl    time.Duration

	mu    sync.Mutex
	held  bool
	token string
}

// NewCycleLock creates a lock. rdb may be nil.
func NewCycleLock(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CycleLock {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CycleLock{rdb: rdb, logger: logger, ttl: ttl}
}

// TryAcquire attempts to take the lock without blocking. It returns false
// when another cycle, local or remote, already holds it.
func (l *CycleLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	if l.rdb == nil {
		l.held = true
		return true, nil
	}

	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !ok {
		return false, nil
	}
	l.held = true
	l.token = token
	return true, nil
}

// Release frees the lock. The lease is only deleted when this instance
// still owns it, so an expired-and-retaken lock is never stolen back.
func (l *CycleLock) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.held = false
	if l.rdb == nil {
		return
	}

	const script = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0`
	if err := l.rdb.Eval(ctx, script, []string{lockKey}, l.token).Err(); err != nil {
		l.logger.Warn("failed to release cycle lock", zap.Error(err))
	}
	l.token = ""
}
