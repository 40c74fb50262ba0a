package message

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// roomLocks hands out one lock per room and forgets rooms nobody holds.
type roomLocks struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*roomLock
}

type roomLock struct {
	sem  chan struct{}
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{rooms: make(map[uuid.UUID]*roomLock)}
}

func (l *roomLocks) acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	l.mu.Lock()
	lock, ok := l.rooms[id]
	if !ok {
		lock = &roomLock{sem: make(chan struct{}, 1)}
		l.rooms[id] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		l.forget(id, lock)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.sem
			l.forget(id, lock)
		})
	}, nil
}

func (l *roomLocks) forget(id uuid.UUID, lock *roomLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.rooms, id)
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms)
}
