package pushserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petshop/pulse/internal/bus"
	"github.com/petshop/pulse/internal/guard"
	"github.com/petshop/pulse/internal/protocol"
	"github.com/petshop/pulse/internal/session"
	"github.com/petshop/pulse/internal/transport"
)

type recordingUI struct {
	mu   sync.Mutex
	path string
}

func (u *recordingUI) Toast(guard.ToastKind, string) error { return nil }

func (u *recordingUI) Navigate(path string, _ bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.path = path
	return nil
}

func (u *recordingUI) navigated() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.path
}

func TestDeletedAccountIsLoggedOutLive(t *testing.T) {
	f := newFixture(t)
	// Mutations go straight to connected clients.
	f.server.emitter = f.hub
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	b := bus.New(bus.Options{})
	m := transport.NewManager(b, transport.Options{
		URL:           "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
	})
	b.Attach(m)
	defer m.Close()

	store := session.NewStore()
	stopBind := m.Bind(store)
	defer stopBind()

	ui := &recordingUI{}
	g := guard.New(store, b, guard.Options{Toaster: ui, Navigator: ui})
	g.Start()
	defer g.Stop()

	store.Set(session.Session{UserID: "u-shelter", Role: session.Shelter, AuthToken: f.token(t, "u-shelter")})
	require.Eventually(t, func() bool { return subscribers(f.hub, protocol.TopicUserDeleted) == 1 }, 2*time.Second, 5*time.Millisecond)

	w := f.do(http.MethodDelete, "/api/users/u-shelter", f.token(t, "u-admin"), nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Eventually(t, func() bool { return g.State() == guard.StateLoggedOut }, 2*time.Second, 5*time.Millisecond)
	_, ok := store.Get()
	assert.False(t, ok)
	assert.Equal(t, guard.DefaultSignInPath, ui.navigated())
	assert.Eventually(t, func() bool { return m.State() == transport.StateIdle }, 2*time.Second, 5*time.Millisecond)
}

func TestStatusChangeUpdatesSessionLive(t *testing.T) {
	f := newFixture(t)
	f.server.emitter = f.hub
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	b := bus.New(bus.Options{})
	m := transport.NewManager(b, transport.Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"})
	b.Attach(m)
	defer m.Close()

	store := session.NewStore()
	defer m.Bind(store)()
	g := guard.New(store, b, guard.Options{})
	g.Start()
	defer g.Stop()

	store.Set(session.Session{UserID: "u-seller", Role: session.Seller, Status: session.Pending, AuthToken: f.token(t, "u-seller")})
	require.Eventually(t, func() bool { return subscribers(f.hub, protocol.TopicUserStatusChanged) == 1 }, 2*time.Second, 5*time.Millisecond)

	w := f.do(http.MethodPatch, "/api/users/u-seller/status", f.token(t, "u-admin"), map[string]string{"status": "active"})
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Eventually(t, func() bool {
		sess, ok := store.Get()
		return ok && sess.Status == session.Active
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, guard.StateAuthenticated, g.State())
	assert.Equal(t, transport.StateConnected, m.State())
}
