// Package session holds the current authenticated identity. The Store is the
// single source of truth: the transport binds its connection to it and the
// session guard checks freshness against it before acting.
package session

import (
	"sync"
)

// Change describes a store mutation delivered to watchers.
type Change struct {
	Session Session
	Active  bool   // false after Clear
	Epoch   uint64 // epoch of the session that was set, updated or cleared
}

// Store holds at most one live session and notifies watchers of changes.
type Store struct {
	mu       sync.RWMutex
	current  *Session
	epoch    uint64
	watchers []*watcher
	nextID   uint64

	// notifyMu serializes mutate+notify so watchers observe changes in
	// mutation order.
	notifyMu sync.Mutex
}

type watcher struct {
	id uint64
	fn func(Change)
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Get returns a copy of the live session, if any.
func (s *Store) Get() (Session, bool) {
	sess, _, ok := s.Snapshot()
	return sess, ok
}

// Snapshot returns a copy of the live session together with its epoch.
func (s *Store) Snapshot() (Session, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Session{}, s.epoch, false
	}
	return *s.current, s.epoch, true
}

// Set installs a new session (sign-in) and returns its epoch. Every Set
// starts a new epoch even for the same user.
func (s *Store) Set(sess Session) uint64 {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.epoch++
	copy := sess
	s.current = &copy
	epoch := s.epoch
	s.mu.Unlock()

	s.notify(Change{Session: sess, Active: true, Epoch: epoch})
	return epoch
}

// Clear removes the live session. It reports whether anything was cleared.
func (s *Store) Clear() bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return false
	}
	old := *s.current
	epoch := s.epoch
	s.current = nil
	s.mu.Unlock()

	s.notify(Change{Session: old, Active: false, Epoch: epoch})
	return true
}

// ClearIf clears the session only if it is still the one identified by
// epoch. A stale epoch is a no-op.
func (s *Store) ClearIf(epoch uint64) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.current == nil || s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	old := *s.current
	s.current = nil
	s.mu.Unlock()

	s.notify(Change{Session: old, Active: false, Epoch: epoch})
	return true
}

// UpdateIf applies fn to the live session if it is still the one identified
// by epoch. The epoch does not change.
func (s *Store) UpdateIf(epoch uint64, fn func(*Session)) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.current == nil || s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	updated := *s.current
	fn(&updated)
	// Identity is fixed for the lifetime of an epoch.
	updated.UserID = s.current.UserID
	updated.AuthToken = s.current.AuthToken
	s.current = &updated
	s.mu.Unlock()

	s.notify(Change{Session: updated, Active: true, Epoch: epoch})
	return true
}

// Watch registers fn for every subsequent change. fn runs synchronously on
// the mutating goroutine and must not mutate the store. The returned stop
// function is idempotent.
func (s *Store) Watch(fn func(Change)) (stop func()) {
	s.mu.Lock()
	s.nextID++
	w := &watcher{id: s.nextID, fn: fn}
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, cur := range s.watchers {
				if cur.id == w.id {
					s.watchers = append(s.watchers[:i:i], s.watchers[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Store) notify(c Change) {
	s.mu.RLock()
	watchers := make([]*watcher, len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.RUnlock()

	for _, w := range watchers {
		w.fn(c)
	}
}
