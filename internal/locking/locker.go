// Package locking serializes mutations of a single request. Each request id
// gets its own lock; there is no lock shared between requests.
package locking

import (
	"context"
	"sync"
)

// Locker acquires the mutation scope of one request. The returned func
// releases it and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, requestID int64) (unlock func(), err error)
}

type lockEntry struct {
	slot chan struct{}
	refs int
}

// LocalLocker is an in-process arena of per-request locks. Entries exist only
// while someone holds or waits for them.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[int64]*lockEntry
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[int64]*lockEntry)}
}

func (l *LocalLocker) Lock(ctx context.Context, requestID int64) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[requestID]
	if !ok {
		e = &lockEntry{slot: make(chan struct{}, 1)}
		l.entries[requestID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		l.release(requestID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			l.release(requestID, e)
		})
	}, nil
}

func (l *LocalLocker) release(requestID int64, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, requestID)
	}
}

// size is the number of live entries.
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
