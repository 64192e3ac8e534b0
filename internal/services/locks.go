package services

import (
	"sync"

	"github.com/google/uuid"
)

// SessionLocks hands out one mutex per session id so mutating pipeline
// operations on the same session run one at a time. Entries are refcounted and
// dropped once the last holder unlocks.
type SessionLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func NewSessionLocks() *SessionLocks {
	return &SessionLocks{locks: map[uuid.UUID]*sessionLock{}}
}

// Lock blocks until the caller holds the session's mutex and returns the
// matching unlock func.
func (l *SessionLocks) Lock(id uuid.UUID) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &sessionLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
