package transport

import (
	"sync"

	"go.uber.org/zap"
)

// State is the passive connection indicator exposed to UIs.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
	StateFailed:       "failed",
	StateClosed:       "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers fn for state transitions. fn runs outside the
// manager's lock and may call State.
func (m *Manager) OnStateChange(fn func(State)) (stop func()) {
	m.mu.Lock()
	m.nextID++
	l := &stateListener{id: m.nextID, fn: fn}
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, cur := range m.listeners {
				if cur.id == l.id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// setStateIf moves to s only while gen is still the current generation, so
// a superseded run goroutine cannot overwrite a newer state.
func (m *Manager) setStateIf(gen uint64, s State) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.notifyState()
}

// notifyState delivers the current state to listeners if it differs from the
// last one they saw. Concurrent transitions collapse to the latest.
func (m *Manager) notifyState() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	cur := m.state
	listeners := make([]*stateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if cur == m.notified {
		return
	}
	m.notified = cur
	m.opts.Metrics.ConnState(int(cur))
	m.log.Debug("state", zap.Stringer("state", cur))
	for _, l := range listeners {
		l.fn(cur)
	}
}
