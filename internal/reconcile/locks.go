package reconcile

import (
	"context"
	"sync"
)

// Locker provides per-conversation mutual exclusion for Steps 5-8 of a
// reconciliation pass. The in-process KeyedMutex suffices for a
// single-instance deployment; a multi-instance deployment needs a
// distributed implementation of the same interface.
type Locker interface {
	// Acquire blocks until the key's lock is held or ctx is done. The
	// returned release function must be called exactly once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// KeyedMutex is an in-process Locker backed by one channel semaphore per
// key. Entries are reference counted and removed when unused, so the map
// does not grow with the number of conversations ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty lock table.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Acquire implements Locker.
func (k *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-entry.ch
				k.unref(key, entry)
			})
		}
		return release, nil
	case <-ctx.Done():
		k.unref(key, entry)
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) unref(key string, entry *keyLock) {
	k.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
