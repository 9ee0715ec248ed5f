package pushserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petshop/pulse/internal/api"
	"github.com/petshop/pulse/internal/auth"
	"github.com/petshop/pulse/internal/metrics"
	"github.com/petshop/pulse/internal/protocol"
	"github.com/petshop/pulse/internal/session"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type recordingEmitter struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (r *recordingEmitter) Emit(_ context.Context, env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recordingEmitter) last(t *testing.T) protocol.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.envs)
	ev, err := protocol.Decode(r.envs[len(r.envs)-1])
	require.NoError(t, err)
	return ev
}

type fixture struct {
	server   *Server
	router   *gin.Engine
	hub      *Hub
	emitter  *recordingEmitter
	issuer   *auth.Issuer
	fixtures *Fixtures
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	issuer, err := auth.NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)
	hub := NewHub(HubOptions{})
	t.Cleanup(hub.Close)
	em := &recordingEmitter{}
	fx := NewFixtures()
	s := NewServer(hub, em, issuer, fx, ServerOptions{MetricsPath: "/metrics", Metrics: metrics.New()})
	return &fixture{server: s, router: s.Router(), hub: hub, emitter: em, issuer: issuer, fixtures: fx}
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	u, ok := f.fixtures.User(userID)
	require.True(t, ok)
	tok, err := f.issuer.Issue(u.ID, u.Role, u.Status)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestSignIn(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/auth/signin", "", api.SignInRequest{Email: "shelter@petshop.test", Password: DemoPassword})
	require.Equal(t, http.StatusOK, w.Code)
	var resp api.SignInResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "u-shelter", resp.User.ID)

	sess, err := auth.SessionFromToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, session.Shelter, sess.Role)

	w = f.do(http.MethodPost, "/api/auth/signin", "", api.SignInRequest{Email: "shelter@petshop.test", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIRequiresToken(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/products", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/products", "garbage", nil).Code)

	w := f.do(http.MethodGet, "/api/products", f.token(t, "u-adopter"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var products []api.Product
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &products))
	assert.Len(t, products, 3)
}

func TestDeletedUserTokenRejected(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "u-seller")
	_, err := f.fixtures.DeleteUser("u-seller")
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/categories", tok, nil).Code)
}

func TestAdminOnlyRoutes(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/users", f.token(t, "u-adopter"), nil).Code)

	w := f.do(http.MethodGet, "/api/users", f.token(t, "u-admin"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var users []api.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &users))
	assert.Len(t, users, 4)
}

func TestAdoptionRequestsScopedToCaller(t *testing.T) {
	f := newFixture(t)

	list := func(token, query string) []api.AdoptionRequest {
		w := f.do(http.MethodGet, "/api/adoption-requests"+query, token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var out []api.AdoptionRequest
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		return out
	}

	assert.Len(t, list(f.token(t, "u-shelter"), ""), 1)
	assert.Len(t, list(f.token(t, "u-adopter"), "?adopterId=someone-else"), 1, "adopters always see their own")
	assert.Empty(t, list(f.token(t, "u-admin"), "?adopterId=nobody"))
}

func TestMutationsEmitEvents(t *testing.T) {
	f := newFixture(t)
	admin := f.token(t, "u-admin")

	w := f.do(http.MethodPatch, "/api/users/u-seller/status", admin, map[string]string{"status": "blocked"})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, protocol.UserStatusChanged{UserID: "u-seller", Status: session.Blocked}, f.emitter.last(t))

	w = f.do(http.MethodPatch, "/api/users/u-seller/status", admin, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/users/u-shelter/password-reset", admin, map[string]string{"password": "n3w"})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, protocol.PasswordReset{UserID: "u-shelter"}, f.emitter.last(t))
	_, err := f.fixtures.Authenticate("shelter@petshop.test", "n3w")
	assert.NoError(t, err)

	w = f.do(http.MethodDelete, "/api/users/u-adopter", admin, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, protocol.UserDeleted{UserID: "u-adopter"}, f.emitter.last(t))

	w = f.do(http.MethodDelete, "/api/users/u-adopter", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPublishValidatesEnvelopes(t *testing.T) {
	f := newFixture(t)
	admin := f.token(t, "u-admin")

	tests := []struct {
		name string
		body string
		code int
	}{
		{"collection topic", `{"topic":"products:changed","payload":{}}`, http.StatusAccepted},
		{"unknown topic", `{"topic":"pets:vaccinated"}`, http.StatusAccepted},
		{"security without subject", `{"topic":"user:deleted","payload":{}}`, http.StatusBadRequest},
		{"empty topic", `{"payload":{}}`, http.StatusBadRequest},
		{"reserved topic", `{"topic":"$reconnected"}`, http.StatusBadRequest},
		{"not json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/publish", strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer "+admin)
			w := httptest.NewRecorder()
			f.router.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}

	w := f.do(http.MethodPost, "/api/publish", f.token(t, "u-seller"), protocol.Envelope{Topic: protocol.TopicProductsChanged})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = f.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `pulse_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
}

func TestWebsocketRequiresToken(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+f.token(t, "u-adopter"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	open := NewServer(NewHub(HubOptions{}), nil, nil, NewFixtures(), ServerOptions{})
	pinned := NewServer(NewHub(HubOptions{}), nil, nil, NewFixtures(), ServerOptions{AllowedOrigins: []string{"https://petshop.example"}})

	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://api.local/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, open.checkOrigin(req("")))
	assert.True(t, open.checkOrigin(req("http://localhost:5173")))
	assert.True(t, open.checkOrigin(req("http://api.local")))
	assert.False(t, open.checkOrigin(req("https://evil.example")))

	assert.True(t, pinned.checkOrigin(req("https://petshop.example")))
	assert.False(t, pinned.checkOrigin(req("http://localhost:5173")))
}
