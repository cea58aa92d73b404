package lifecycle

import "sync"

// appLocks serializes mutating operations per app. Locks are taken with
// try-lock semantics so a busy app answers immediately instead of
// queueing work behind an unknown-length operation.
type appLocks struct {
	mu   sync.Mutex
	busy map[string]bool
}

func newAppLocks() *appLocks {
	return &appLocks{busy: make(map[string]bool)}
}

// TryLock acquires the lock for the app, reporting false when another
// operation holds it.
func (l *appLocks) TryLock(app string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy[app] {
		return false
	}
	l.busy[app] = true
	return true
}

// Unlock releases the app's lock.
func (l *appLocks) Unlock(app string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.busy, app)
}
