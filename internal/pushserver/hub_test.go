package pushserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petshop/pulse/internal/protocol"
)

// dialTestWS creates a test server that upgrades to websocket and returns
// the server-side connection.
func dialTestWS(t *testing.T) *websocket.Conn {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	clientConn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	select {
	case c := <-connCh:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side websocket connection")
		return nil
	}
}

// fakeClient registers a client with no pumps so tests can read its queue.
func fakeClient(h *Hub, buffer int, topics ...protocol.Topic) *client {
	c := &client{
		id:     "fake",
		hub:    h,
		send:   make(chan []byte, buffer),
		topics: make(map[protocol.Topic]bool),
	}
	for _, t := range topics {
		c.topics[t] = true
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func subscribers(h *Hub, topic protocol.Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.subscribed(topic) {
			n++
		}
	}
	return n
}

func TestPublishOnlyToSubscribers(t *testing.T) {
	h := NewHub(HubOptions{})
	products := fakeClient(h, 4, protocol.TopicProductsChanged)
	donations := fakeClient(h, 4, protocol.TopicDonationsChanged)

	n := h.Publish(protocol.Envelope{Topic: protocol.TopicProductsChanged}, "test")
	assert.Equal(t, 1, n)
	require.Len(t, products.send, 1)
	assert.Empty(t, donations.send)

	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(<-products.send, &env))
	assert.Equal(t, protocol.TopicProductsChanged, env.Topic)
}

func TestSlowClientDropped(t *testing.T) {
	h := NewHub(HubOptions{})
	c := fakeClient(h, 1, protocol.TopicEventsChanged)

	env := protocol.Envelope{Topic: protocol.TopicEventsChanged}
	assert.Equal(t, 1, h.Publish(env, "test"))
	assert.Equal(t, 0, h.Publish(env, "test"))
	assert.Equal(t, 0, h.ClientCount())

	<-c.send
	_, open := <-c.send
	assert.False(t, open, "send queue closed on removal")
}

func TestRemoveClientTwice(t *testing.T) {
	h := NewHub(HubOptions{})
	c := fakeClient(h, 1)
	h.RemoveClient(c)
	assert.NotPanics(t, func() { h.RemoveClient(c) })
	assert.Equal(t, 0, h.ClientCount())
}

func TestAddClientMaxConnections(t *testing.T) {
	const maxConns = 2
	h := NewHub(HubOptions{MaxConns: maxConns})
	defer h.Close()

	var clients []*client
	for i := 0; i < maxConns; i++ {
		c, err := h.AddClient(dialTestWS(t), "U1")
		require.NoError(t, err)
		clients = append(clients, c)
	}
	assert.Equal(t, maxConns, h.ClientCount())

	_, err := h.AddClient(dialTestWS(t), "U1")
	assert.ErrorIs(t, err, ErrTooManyConnections)
	assert.Equal(t, maxConns, h.ClientCount())

	h.RemoveClient(clients[0])
	_, err = h.AddClient(dialTestWS(t), "U1")
	assert.NoError(t, err)
}

func TestAddClientZeroMaxIsUnlimited(t *testing.T) {
	h := NewHub(HubOptions{})
	defer h.Close()
	for i := 0; i < 10; i++ {
		_, err := h.AddClient(dialTestWS(t), "U1")
		require.NoError(t, err)
	}
	assert.Equal(t, 10, h.ClientCount())
}

func TestCloseRejectsNewClients(t *testing.T) {
	h := NewHub(HubOptions{})
	fakeClient(h, 1)
	h.Close()
	h.Close()
	assert.Equal(t, 0, h.ClientCount())

	_, err := h.AddClient(dialTestWS(t), "U1")
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestWritePumpRemovesClientOnWriteError(t *testing.T) {
	h := NewHub(HubOptions{})
	conn := dialTestWS(t)
	c := &client{id: "w", conn: conn, hub: h, send: make(chan []byte, 4), topics: map[protocol.Topic]bool{}}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	conn.Close()
	c.send <- []byte(`{"topic":"products:changed"}`)
	go c.writePump()

	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestControlFramesDriveSubscriptions(t *testing.T) {
	h := NewHub(HubOptions{})
	defer h.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c, err := h.AddClient(conn, "U1")
		if err != nil {
			conn.Close()
			return
		}
		c.readPump()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.Control{Action: protocol.ActionSubscribe, Topic: protocol.TopicCategoriesChanged}))
	require.Eventually(t, func() bool { return subscribers(h, protocol.TopicCategoriesChanged) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.Publish(protocol.Envelope{Topic: protocol.TopicCategoriesChanged}, "test")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, protocol.TopicCategoriesChanged, env.Topic)

	require.NoError(t, conn.WriteJSON(protocol.Control{Action: protocol.ActionUnsubscribe, Topic: protocol.TopicCategoriesChanged}))
	assert.Eventually(t, func() bool { return subscribers(h, protocol.TopicCategoriesChanged) == 0 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
