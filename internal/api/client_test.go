package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petshop/pulse/internal/protocol"
	"github.com/petshop/pulse/internal/session"
)

func TestListProductsSendsBearer(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/products", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]Product{{ID: "p1", Name: "Leash", Price: 12.5, Stock: 3}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, func() string { return "tok" }, time.Second)
	products, err := c.ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "Leash", products[0].Name)
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestNoTokenNoHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, StoreToken(session.NewStore()), 0)
	cats, err := c.ListCategories(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cats)
}

func TestStoreTokenFollowsSession(t *testing.T) {
	store := session.NewStore()
	tok := StoreToken(store)
	assert.Empty(t, tok())

	store.Set(session.Session{UserID: "U1", AuthToken: "abc"})
	assert.Equal(t, "abc", tok())

	store.Clear()
	assert.Empty(t, tok())
}

func TestAdoptionFilterQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "S1", r.URL.Query().Get("shelterId"))
		assert.False(t, r.URL.Query().Has("adopterId"))
		json.NewEncoder(w).Encode([]AdoptionRequest{{ID: "a1", ShelterID: "S1", Status: AdoptionPending}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Second)
	reqs, err := c.ListAdoptionRequests(context.Background(), AdoptionFilter{ShelterID: "S1"})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, AdoptionPending, reqs[0].Status)
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "admin only", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Second)
	_, err := c.ListUsers(context.Background())
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.Equal(t, "admin only", se.Body)
	assert.Equal(t, "/api/users", se.Path)
	assert.True(t, IsUnauthorized(err))
	assert.False(t, IsUnauthorized(errors.New("boom")))
}

func TestSignIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req SignInRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "secret" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(SignInResponse{
			Token: "jwt",
			User:  User{ID: "U1", Email: req.Email, Role: session.Shelter, Status: session.Active},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Second)
	resp, err := c.SignIn(context.Background(), "a@b.c", "secret")
	require.NoError(t, err)
	assert.Equal(t, "jwt", resp.Token)
	assert.Equal(t, session.Shelter, resp.User.Role)

	_, err = c.SignIn(context.Background(), "a@b.c", "wrong")
	assert.True(t, IsUnauthorized(err))
}

func TestPublishPostsEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/publish", r.URL.Path)
		var env protocol.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		assert.Equal(t, protocol.TopicUserDeleted, env.Topic)
		assert.JSONEq(t, `{"userId":"u-1"}`, string(env.Payload))
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"topic":"user:deleted"}`))
	}))
	defer srv.Close()

	env, err := protocol.Encode(protocol.UserDeleted{UserID: "u-1"})
	require.NoError(t, err)
	c := NewClient(srv.URL, func() string { return "admin" }, time.Second)
	assert.NoError(t, c.Publish(context.Background(), env))
}

func TestContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClient(srv.URL, nil, time.Second)
	_, err := c.ListEvents(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
