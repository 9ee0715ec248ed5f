package guard

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petshop/pulse/internal/bus"
	"github.com/petshop/pulse/internal/protocol"
	"github.com/petshop/pulse/internal/session"
)

type toast struct {
	kind ToastKind
	msg  string
}

type navigation struct {
	path    string
	replace bool
}

type fakeUI struct {
	mu       sync.Mutex
	toasts   []toast
	navs     []navigation
	toastErr error
	navPanic bool
}

func (f *fakeUI) Toast(kind ToastKind, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toasts = append(f.toasts, toast{kind, msg})
	return f.toastErr
}

func (f *fakeUI) Navigate(path string, replace bool) error {
	f.mu.Lock()
	f.navs = append(f.navs, navigation{path, replace})
	f.mu.Unlock()
	if f.navPanic {
		panic("router gone")
	}
	return nil
}

func setup(t *testing.T, sess session.Session) (*Guard, *bus.Bus, *session.Store, *fakeUI) {
	t.Helper()
	b := bus.New(bus.Options{})
	store := session.NewStore()
	store.Set(sess)
	ui := &fakeUI{}
	g := New(store, b, Options{Toaster: ui, Navigator: ui})
	g.Start()
	t.Cleanup(g.Stop)
	return g, b, store, ui
}

func TestPasswordResetShelterLogsOut(t *testing.T) {
	g, b, store, ui := setup(t, session.Session{UserID: "U1", Role: session.Shelter, AuthToken: "t"})

	b.Dispatch(protocol.PasswordReset{UserID: "U1"})

	_, ok := store.Get()
	assert.False(t, ok, "session should be cleared")
	require.Len(t, ui.navs, 1)
	assert.Equal(t, navigation{"/auth/signin", true}, ui.navs[0])
	require.Len(t, ui.toasts, 1)
	assert.Equal(t, ToastInfo, ui.toasts[0].kind)
	assert.Equal(t, StateLoggedOut, g.State())
}

func TestPasswordResetAdminKeepsSession(t *testing.T) {
	g, b, store, ui := setup(t, session.Session{UserID: "U1", Role: session.Admin})

	b.Dispatch(protocol.PasswordReset{UserID: "U1"})

	sess, ok := store.Get()
	assert.True(t, ok)
	assert.Equal(t, "U1", sess.UserID)
	assert.Empty(t, ui.navs)
	assert.Empty(t, ui.toasts)
	assert.Equal(t, StateAuthenticated, g.State())
}

func TestPasswordResetOtherSubjectIgnored(t *testing.T) {
	_, b, store, ui := setup(t, session.Session{UserID: "U1", Role: session.Seller})

	b.Dispatch(protocol.PasswordReset{UserID: "U2"})

	_, ok := store.Get()
	assert.True(t, ok)
	assert.Empty(t, ui.navs)
}

func TestUserDeletedAdopterLogsOut(t *testing.T) {
	g, b, store, ui := setup(t, session.Session{UserID: "U1", Role: session.Adopter})

	b.Dispatch(protocol.UserDeleted{UserID: "U1"})

	_, ok := store.Get()
	assert.False(t, ok)
	require.Len(t, ui.toasts, 1)
	assert.Equal(t, ToastError, ui.toasts[0].kind)
	require.Len(t, ui.navs, 1)
	assert.Equal(t, "/auth/signin", ui.navs[0].path)
	assert.Equal(t, StateLoggedOut, g.State())
}

func TestUserStatusChangedNeverLogsOut(t *testing.T) {
	_, b, store, ui := setup(t, session.Session{UserID: "U1", Role: session.Seller, Status: session.Active})

	b.Dispatch(protocol.UserStatusChanged{UserID: "U1", Status: session.Blocked})

	sess, ok := store.Get()
	require.True(t, ok)
	assert.Equal(t, session.Blocked, sess.Status)
	assert.Empty(t, ui.navs)
	assert.Empty(t, ui.toasts)

	b.Dispatch(protocol.UserStatusChanged{UserID: "U2", Status: session.Pending})
	sess, _ = store.Get()
	assert.Equal(t, session.Blocked, sess.Status, "other users do not touch the session")
}

func TestTerminationIsIdempotent(t *testing.T) {
	_, b, _, ui := setup(t, session.Session{UserID: "U1", Role: session.Shelter})

	b.Dispatch(protocol.UserDeleted{UserID: "U1"})
	b.Dispatch(protocol.PasswordReset{UserID: "U1"})
	b.Dispatch(protocol.UserDeleted{UserID: "U1"})

	assert.Len(t, ui.navs, 1)
	assert.Len(t, ui.toasts, 1)
}

func TestEffectsAreIndependent(t *testing.T) {
	b := bus.New(bus.Options{})
	store := session.NewStore()
	store.Set(session.Session{UserID: "U1", Role: session.Seller})
	ui := &fakeUI{toastErr: errors.New("no toast host"), navPanic: true}
	g := New(store, b, Options{Toaster: ui, Navigator: ui})
	g.Start()
	defer g.Stop()

	assert.NotPanics(t, func() { b.Dispatch(protocol.PasswordReset{UserID: "U1"}) })

	_, ok := store.Get()
	assert.False(t, ok, "session cleared before effects run")
	assert.Len(t, ui.toasts, 1)
	assert.Len(t, ui.navs, 1, "navigation attempted despite toast failure")
	assert.Equal(t, StateLoggedOut, g.State())
}

func TestFreshSignInReentersAuthenticated(t *testing.T) {
	g, b, store, _ := setup(t, session.Session{UserID: "U1", Role: session.Adopter})
	b.Dispatch(protocol.UserDeleted{UserID: "U1"})
	require.Equal(t, StateLoggedOut, g.State())

	store.Set(session.Session{UserID: "U3", Role: session.Adopter})
	assert.Equal(t, StateAuthenticated, g.State())

	// Events for the old subject no longer apply.
	b.Dispatch(protocol.UserDeleted{UserID: "U1"})
	_, ok := store.Get()
	assert.True(t, ok)
}

func TestSignOutWithoutEvent(t *testing.T) {
	g, _, store, _ := setup(t, session.Session{UserID: "U1"})
	store.Clear()
	assert.Equal(t, StateNoSession, g.State())
}

func TestStartIsIdempotent(t *testing.T) {
	g, b, _, ui := setup(t, session.Session{UserID: "U1", Role: session.Shelter})
	g.Start()
	g.Start()

	assert.Equal(t, 1, b.Count(protocol.TopicPasswordReset))
	b.Dispatch(protocol.PasswordReset{UserID: "U1"})
	assert.Len(t, ui.navs, 1)
}

func TestStopUnsubscribes(t *testing.T) {
	b := bus.New(bus.Options{})
	store := session.NewStore()
	store.Set(session.Session{UserID: "U1", Role: session.Shelter})
	g := New(store, b, Options{})
	g.Start()
	g.Stop()
	g.Stop()

	b.Dispatch(protocol.PasswordReset{UserID: "U1"})
	_, ok := store.Get()
	assert.True(t, ok)
	assert.Equal(t, 0, b.Count(protocol.TopicUserDeleted))
}

func TestNoSessionIgnoresEvents(t *testing.T) {
	b := bus.New(bus.Options{})
	store := session.NewStore()
	ui := &fakeUI{}
	g := New(store, b, Options{Toaster: ui, Navigator: ui})
	g.Start()
	defer g.Stop()

	assert.Equal(t, StateNoSession, g.State())
	b.Dispatch(protocol.UserDeleted{UserID: "U1"})
	assert.Empty(t, ui.navs)
}

func TestEvaluateRoleMatrix(t *testing.T) {
	tests := []struct {
		role       session.Role
		resetOut   bool
		deletedOut bool
	}{
		{session.Adopter, false, true},
		{session.Shelter, true, true},
		{session.Seller, true, true},
		{session.Admin, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.role.String(), func(t *testing.T) {
			sess := session.Session{UserID: "U1", Role: tt.role}
			reset := Evaluate(protocol.PasswordReset{UserID: "U1"}, sess)
			deleted := Evaluate(protocol.UserDeleted{UserID: "U1"}, sess)
			assert.Equal(t, tt.resetOut, reset.Action == ActionTerminate)
			assert.Equal(t, tt.deletedOut, deleted.Action == ActionTerminate)
		})
	}
}

func TestEvaluateIgnoresOtherEvents(t *testing.T) {
	sess := session.Session{UserID: "U1", Role: session.Shelter}
	assert.Equal(t, ActionNone, Evaluate(protocol.ProductsChanged{}, sess).Action)
	assert.Equal(t, ActionNone, Evaluate(protocol.Unknown{Name: "user:suspended"}, sess).Action)
	assert.Equal(t, ActionNone, Evaluate(protocol.UserStatusChanged{UserID: "U1", Status: session.Active}, sess).Action)
}
