package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrResourceLocked = errors.New("resource is locked by another user")
	ErrNotLockHolder  = errors.New("lock is held by another user")
	ErrInvalidLockArg = errors.New("resource and holder are required")
)

// ResourceLock describes the state of a staff lock on an admin resource
// such as a patient record being edited.
type ResourceLock struct {
	Resource  string
	Holder    string
	Locked    bool
	ExpiresAt time.Time
}

// StaffLocks hands out advisory locks to staff users. Unlike the booking
// locker these are held across requests and expire on their own.
type StaffLocks struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewStaffLocks(client *redis.Client, ttl time.Duration) *StaffLocks {
	return &StaffLocks{
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}
}

func staffLockKey(resource string) string {
	return "staff-lock:" + resource
}

// acquire or refresh; returns the current holder
var acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or cur == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return ARGV[1]
end
return cur
`)

var releaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false then
  return 1
end
if cur == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// Acquire takes the lock for holder or refreshes its TTL when holder already
// owns it. When someone else holds it the current state is returned together
// with ErrResourceLocked.
func (s *StaffLocks) Acquire(ctx context.Context, resource, holder string) (ResourceLock, error) {
	if strings.TrimSpace(resource) == "" || strings.TrimSpace(holder) == "" {
		return ResourceLock{}, ErrInvalidLockArg
	}

	key := staffLockKey(resource)
	cur, err := acquireScript.Run(ctx, s.client, []string{key}, holder, s.ttl.Milliseconds()).Text()
	if err != nil {
		return ResourceLock{}, fmt.Errorf("acquire staff lock: %w", err)
	}

	if cur != holder {
		state, err := s.Check(ctx, resource)
		if err != nil {
			return ResourceLock{}, err
		}
		return state, ErrResourceLocked
	}

	return ResourceLock{
		Resource:  resource,
		Holder:    holder,
		Locked:    true,
		ExpiresAt: s.now().Add(s.ttl),
	}, nil
}

func (s *StaffLocks) Check(ctx context.Context, resource string) (ResourceLock, error) {
	if strings.TrimSpace(resource) == "" {
		return ResourceLock{}, ErrInvalidLockArg
	}

	key := staffLockKey(resource)
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return ResourceLock{}, fmt.Errorf("check staff lock: %w", err)
	}

	holder, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return ResourceLock{Resource: resource}, nil
	}
	if err != nil {
		return ResourceLock{}, fmt.Errorf("check staff lock: %w", err)
	}

	state := ResourceLock{
		Resource: resource,
		Holder:   holder,
		Locked:   true,
	}
	if ttl, err := ttlCmd.Result(); err == nil && ttl > 0 {
		state.ExpiresAt = s.now().Add(ttl)
	}
	return state, nil
}

// Release drops the lock if holder owns it. Releasing a free lock is a no-op.
func (s *StaffLocks) Release(ctx context.Context, resource, holder string) error {
	if strings.TrimSpace(resource) == "" || strings.TrimSpace(holder) == "" {
		return ErrInvalidLockArg
	}

	ok, err := releaseScript.Run(ctx, s.client, []string{staffLockKey(resource)}, holder).Int()
	if err != nil {
		return fmt.Errorf("release staff lock: %w", err)
	}
	if ok == 0 {
		return ErrNotLockHolder
	}
	return nil
}
