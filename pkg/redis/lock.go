package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const entityLockPrefix = "fern:lock:entity:"

var (
	// ErrLockNotAcquired is returned when another writer holds the lock past the wait timeout
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when the lock expired or was taken over
	ErrLockNotHeld = errors.New("lock not held")
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// EntityLockKey returns the Redis key guarding writes to one entity type
func EntityLockKey(entityType models.EntityType) string {
	return entityLockPrefix + string(entityType)
}

// Lock is a held lock. The value identifies the owner.
type Lock struct {
	client *Client
	key    string
	value  string
}

// Key returns the locked key
func (l *Lock) Key() string {
	return l.key
}

// Release deletes the key if this owner still holds it
func (l *Lock) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.value).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	l.client.logger.WithContext(ctx).Debugf("Released lock: %s", l.key)
	return nil
}

// Extend resets the TTL if this owner still holds the lock
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := extendScript.Run(ctx, l.client.rdb, []string{l.key}, l.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// EntityLocker serializes writes per entity type across processes
type EntityLocker struct {
	client *Client
	ttl    time.Duration
	wait   time.Duration
}

// NewEntityLocker creates a locker. The lock is refreshed every ttl/3 while held
// and acquisition gives up after wait.
func NewEntityLocker(client *Client, ttl, wait time.Duration) *EntityLocker {
	return &EntityLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
	}
}

// Acquire takes the lock for key, polling with capped exponential backoff
// until the wait timeout elapses.
func (l *EntityLocker) Acquire(ctx context.Context, key string) (*Lock, error) {
	value := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	backoff := 10 * time.Millisecond

	for {
		ok, err := l.client.rdb.SetNX(ctx, key, value, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			l.client.logger.WithContext(ctx).Debugf("Acquired lock: %s", key)
			return &Lock{client: l.client, key: key, value: value}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%s: %w", key, ErrLockNotAcquired)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 500*time.Millisecond {
				backoff = 500 * time.Millisecond
			}
		}
	}
}

// WithEntityLock runs fn while holding the entity type's lock. If a refresh
// finds the lock lost, fn's context is cancelled.
func (l *EntityLocker) WithEntityLock(ctx context.Context, entityType models.EntityType, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "redis.EntityLocker.WithEntityLock")
	defer span.End()

	lock, err := l.Acquire(ctx, EntityLockKey(entityType))
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	go l.keepAlive(runCtx, lock, cancel, done)

	fnErr := fn(runCtx)
	close(done)

	if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
		l.client.logger.WithContext(ctx).WithError(err).Warnf("Failed to release lock %s", lock.key)
	}

	if fnErr == nil {
		if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
	}
	return fnErr
}

func (l *EntityLocker) keepAlive(ctx context.Context, lock *Lock, cancel context.CancelCauseFunc, done <-chan struct{}) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Extend(ctx, l.ttl); err != nil {
				l.client.logger.WithContext(ctx).WithError(err).Errorf("Lost lock %s", lock.key)
				cancel(fmt.Errorf("%s: %w", lock.key, ErrLockNotHeld))
				return
			}
		}
	}
}
