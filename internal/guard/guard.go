// Package guard enforces forced logout when another actor resets the
// current user's password or deletes the account.
package guard

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/petshop/pulse/internal/bus"
	"github.com/petshop/pulse/internal/logging"
	"github.com/petshop/pulse/internal/metrics"
	"github.com/petshop/pulse/internal/notify"
	"github.com/petshop/pulse/internal/protocol"
	"github.com/petshop/pulse/internal/session"
)

const DefaultSignInPath = "/auth/signin"

type Toaster interface {
	Toast(kind ToastKind, message string) error
}

type Navigator interface {
	Navigate(path string, replace bool) error
}

type State int

const (
	StateNoSession State = iota
	StateAuthenticated
	StateTerminating
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateTerminating:
		return "terminating"
	case StateLoggedOut:
		return "logged-out"
	}
	return "no-session"
}

type Options struct {
	Toaster    Toaster
	Navigator  Navigator
	SignInPath string
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Guard signs the current user out when a security event targets them.
type Guard struct {
	store      *session.Store
	src        notify.Subscriber
	toaster    Toaster
	navigator  Navigator
	signInPath string
	log        *zap.Logger
	metrics    *metrics.Metrics

	mu        sync.Mutex
	state     State
	started   bool
	subs      []*bus.Subscription
	stopWatch func()
}

// New creates a stopped guard for the session in store.
func New(store *session.Store, src notify.Subscriber, opts Options) *Guard {
	if opts.SignInPath == "" {
		opts.SignInPath = DefaultSignInPath
	}
	return &Guard{
		store:      store,
		src:        src,
		toaster:    opts.Toaster,
		navigator:  opts.Navigator,
		signInPath: opts.SignInPath,
		log:        logging.OrNop(opts.Logger).Named("guard"),
		metrics:    opts.Metrics,
	}
}

// Start subscribes the guard to security events. Calling it again while
// started does nothing.
func (g *Guard) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.started = true

	if _, ok := g.store.Get(); ok {
		g.state = StateAuthenticated
	} else {
		g.state = StateNoSession
	}
	g.stopWatch = g.store.Watch(g.onStoreChange)
	g.subs = []*bus.Subscription{
		notify.OnPasswordReset(g.src, func(e protocol.PasswordReset) { g.handle(e) }),
		notify.OnUserDeleted(g.src, func(e protocol.UserDeleted) { g.handle(e) }),
		notify.OnUserStatusChanged(g.src, func(e protocol.UserStatusChanged) { g.handle(e) }),
	}
}

func (g *Guard) Stop() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.started = false
	subs := g.subs
	g.subs = nil
	stopWatch := g.stopWatch
	g.stopWatch = nil
	g.mu.Unlock()

	stopWatch()
	for _, s := range subs {
		s.Close()
	}
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Guard) onStoreChange(c session.Change) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case c.Active:
		g.state = StateAuthenticated
	case g.state != StateTerminating:
		g.state = StateNoSession
	}
}

// handle evaluates ev against the session live at this moment, never one
// captured earlier.
func (g *Guard) handle(ev protocol.SecurityEvent) {
	sess, epoch, ok := g.store.Snapshot()
	if !ok {
		g.log.Debug("no live session, ignoring", zap.String("topic", string(ev.Topic())), zap.String("subject", ev.Subject()))
		return
	}

	d := Evaluate(ev, sess)
	switch d.Action {
	case ActionNone:
		return
	case ActionUpdateStatus:
		if g.store.UpdateIf(epoch, func(s *session.Session) { s.Status = d.Status }) {
			g.log.Info("session status updated", zap.String("user", sess.UserID), zap.Stringer("status", d.Status))
		}
	case ActionTerminate:
		g.terminate(sess, epoch, d)
	}
}

func (g *Guard) terminate(sess session.Session, epoch uint64, d Decision) {
	g.mu.Lock()
	prev := g.state
	g.state = StateTerminating
	g.mu.Unlock()

	if !g.store.ClearIf(epoch) {
		g.mu.Lock()
		if g.state == StateTerminating {
			g.state = prev
		}
		g.mu.Unlock()
		g.log.Debug("session already replaced or cleared", zap.Uint64("epoch", epoch))
		return
	}

	g.log.Warn("forced logout",
		zap.String("user", sess.UserID),
		zap.Stringer("role", sess.Role),
		zap.String("reason", string(d.Reason)))
	g.metrics.ForcedLogout(string(d.Reason))

	if g.toaster != nil {
		g.effect("toast", func() error { return g.toaster.Toast(d.Toast, d.Message) })
	}
	if g.navigator != nil {
		g.effect("navigate", func() error { return g.navigator.Navigate(g.signInPath, d.Replace) })
	}

	g.mu.Lock()
	if g.state == StateTerminating {
		g.state = StateLoggedOut
	}
	g.mu.Unlock()
}

// effect runs one best-effort side effect. Failures and panics are logged
// and never reach the caller.
func (g *Guard) effect(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("effect panicked", zap.String("effect", name), zap.String("value", fmt.Sprint(r)))
		}
	}()
	if err := fn(); err != nil {
		g.log.Warn("effect failed", zap.String("effect", name), zap.Error(err))
	}
}
