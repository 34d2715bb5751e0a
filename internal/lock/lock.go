// Package lock provides per-key mutual exclusion for product syncs.
//
// Two implementations are available: [Local] serialises callers within one
// process, and [Redis] serialises callers across processes sharing a Redis
// instance. Both satisfy [Locker].
package lock

import (
	"context"
	"sync"
)

// Locker acquires an exclusive lock on key. The returned unlock function must
// be called exactly once, whether the guarded work succeeded or not.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Local is an in-process keyed mutex. The zero value is not usable; create
// one with [NewLocal].
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// entry is a one-slot semaphore shared by all waiters on a key. refs counts
// holders plus waiters so the entry can be dropped when the key goes idle.
type entry struct {
	ch   chan struct{}
	refs int
}

// NewLocal returns an empty keyed mutex.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
