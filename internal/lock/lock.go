package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotAcquired = errors.New("lock not acquired")
)

// Locker guards a critical section per key. Implementations wait for the key
// until ctx is done and report ErrNotAcquired if it never frees up.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// LocalLocker serializes callers inside a single process. It is used when
// the service runs without Redis.
type LocalLocker struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{keys: make(map[string]*keyLock)}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	kl := l.ref(key)

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, kl)
		return fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}

	defer func() {
		<-kl.ch
		l.unref(key, kl)
	}()

	return fn(ctx)
}

func (l *LocalLocker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.keys[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.keys[key] = kl
	}
	kl.refs++
	return kl
}

func (l *LocalLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(l.keys, key)
	}
}
