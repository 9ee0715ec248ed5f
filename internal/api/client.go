package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/petshop/pulse/internal/protocol"
	"github.com/petshop/pulse/internal/session"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Body)
}

// IsUnauthorized reports whether err is a 401 or 403 response.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden)
}

// TokenSource returns the bearer token for the next request, or "".
type TokenSource func() string

// StoreToken reads the token of the live session on every call.
func StoreToken(store *session.Store) TokenSource {
	return func() string {
		sess, ok := store.Get()
		if !ok {
			return ""
		}
		return sess.AuthToken
	}
}

// Client makes REST calls to the marketplace backend.
type Client struct {
	baseURL string
	token   TokenSource
	client  *http.Client
}

// NewClient creates a client targeting baseURL (e.g. "http://127.0.0.1:8080").
// A zero timeout defaults to 10s.
func NewClient(baseURL string, token TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) ListProducts(ctx context.Context) ([]Product, error) {
	var out []Product
	return out, c.get(ctx, "/api/products", nil, &out)
}

func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	var out []Category
	return out, c.get(ctx, "/api/categories", nil, &out)
}

// ListNotifications returns the current user's notifications.
func (c *Client) ListNotifications(ctx context.Context) ([]Notification, error) {
	var out []Notification
	return out, c.get(ctx, "/api/notifications", nil, &out)
}

func (c *Client) ListEvents(ctx context.Context) ([]Event, error) {
	var out []Event
	return out, c.get(ctx, "/api/events", nil, &out)
}

func (c *Client) ListFundraising(ctx context.Context) ([]Fundraiser, error) {
	var out []Fundraiser
	return out, c.get(ctx, "/api/fundraising", nil, &out)
}

func (c *Client) ListDonations(ctx context.Context) ([]Donation, error) {
	var out []Donation
	return out, c.get(ctx, "/api/donations", nil, &out)
}

func (c *Client) ListAdoptionRequests(ctx context.Context, f AdoptionFilter) ([]AdoptionRequest, error) {
	q := url.Values{}
	if f.AdopterID != "" {
		q.Set("adopterId", f.AdopterID)
	}
	if f.ShelterID != "" {
		q.Set("shelterId", f.ShelterID)
	}
	var out []AdoptionRequest
	return out, c.get(ctx, "/api/adoption-requests", q, &out)
}

// ListUsers is admin-only on the server.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var out []User
	return out, c.get(ctx, "/api/users", nil, &out)
}

// SignIn exchanges credentials for a session token.
func (c *Client) SignIn(ctx context.Context, email, password string) (*SignInResponse, error) {
	var out SignInResponse
	if err := c.post(ctx, "/api/auth/signin", SignInRequest{Email: email, Password: password}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Publish asks the server to fan env out to its subscribers. Admin only.
func (c *Client) Publish(ctx context.Context, env protocol.Envelope) error {
	return c.post(ctx, "/api/publish", env, nil)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return c.do(req, path, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out any) error {
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: req.Method, Path: path, Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", req.Method, path, err)
	}
	return nil
}
