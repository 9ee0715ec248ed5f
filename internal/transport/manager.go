// Package transport owns the single push connection of the process. It
// follows the session store, re-arms topic subscriptions on every
// (re)connect and hands raw envelopes to a Sink on its read goroutine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/petshop/pulse/internal/config"
	"github.com/petshop/pulse/internal/logging"
	"github.com/petshop/pulse/internal/metrics"
	"github.com/petshop/pulse/internal/protocol"
	"github.com/petshop/pulse/internal/session"
)

var (
	ErrClosed       = errors.New("transport: manager closed")
	ErrUnauthorized = errors.New("transport: handshake rejected")
)

// Sink receives everything the connection produces. All calls happen on the
// read goroutine except Topics, which is also called while re-arming.
type Sink interface {
	Deliver(env protocol.Envelope)
	Topics() []protocol.Topic
	Connected(first bool)
}

type Options struct {
	URL              string
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	GiveUp           time.Duration // zero retries forever
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

// OptionsFromConfig fills Options from the transport config section.
func OptionsFromConfig(url string, cfg config.TransportConfig) Options {
	return Options{
		URL:              url,
		ReconnectBase:    cfg.ReconnectBase,
		ReconnectMax:     cfg.ReconnectMax,
		GiveUp:           cfg.ReconnectGiveUp,
		PingInterval:     cfg.PingInterval,
		PongTimeout:      cfg.PongTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
}

func (o *Options) setDefaults() {
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax < o.ReconnectBase {
		o.ReconnectMax = 30 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= o.PingInterval {
		o.PongTimeout = 2 * o.PingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
}

// Manager maintains at most one live connection, bound to one identity.
type Manager struct {
	opts   Options
	sink   Sink
	log    *zap.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	identity  *session.Session
	conn      *websocket.Conn
	cancel    context.CancelFunc
	gen       uint64
	state     State
	closed    bool
	listeners []*stateListener
	nextID    uint64

	// notifyMu serialises state listener calls; notified is the last state
	// they observed.
	notifyMu sync.Mutex
	notified State

	// armMu orders re-arm against Listen/Unlisten so the server ends up
	// with the topic set the sink reports.
	armMu sync.Mutex
	// writeMu serialises all conn writes (ping, control frames).
	writeMu sync.Mutex

	wg sync.WaitGroup
}

type stateListener struct {
	id uint64
	fn func(State)
}

func NewManager(sink Sink, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		opts: opts,
		sink: sink,
		log:  logging.OrNop(opts.Logger).Named("transport"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}
}

// Connect binds the manager to sess. It is a no-op when already bound to the
// same identity, unless the manager has failed; a different identity
// replaces the current connection.
func (m *Manager) Connect(sess session.Session) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	// A failed manager has no run goroutine left, so the same identity retries.
	if m.identity != nil && m.identity.SameIdentity(sess) && m.state != StateFailed {
		m.mu.Unlock()
		return nil
	}
	if m.identity != nil {
		m.log.Info("identity changed, replacing connection",
			zap.String("from", m.identity.UserID), zap.String("to", sess.UserID))
	}
	m.teardownLocked()

	id := sess
	m.identity = &id
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	gen := m.gen
	m.state = StateConnecting
	m.wg.Add(1)
	m.mu.Unlock()

	m.notifyState()
	go m.run(ctx, gen, sess)
	return nil
}

// Disconnect drops the connection and forgets the identity. It never waits
// for the read goroutine, so it is safe to call from a Sink callback.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.identity == nil {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.identity = nil
	m.gen++
	if !m.closed {
		m.state = StateIdle
	}
	m.mu.Unlock()
	m.notifyState()
}

// Close disconnects and refuses further Connect calls. Unlike Disconnect it
// waits for the run goroutine, so it must not be called from a Sink callback.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Disconnect()

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()
	m.notifyState()
	m.wg.Wait()
}

// Bind follows store: a set session connects, a cleared session disconnects.
// The current session, if any, is connected immediately.
func (m *Manager) Bind(store *session.Store) (stop func()) {
	stop = store.Watch(func(c session.Change) {
		if !c.Active {
			m.Disconnect()
			return
		}
		if err := m.Connect(c.Session); err != nil {
			m.log.Warn("connect on session change", zap.Error(err))
		}
	})
	if sess, ok := store.Get(); ok {
		if err := m.Connect(sess); err != nil {
			m.log.Warn("connect on bind", zap.Error(err))
		}
	}
	return stop
}

// Listen arms topic on the live connection. Without one it does nothing;
// the next (re)connect arms every topic the sink reports.
func (m *Manager) Listen(topic protocol.Topic) {
	m.control(protocol.ActionSubscribe, topic)
}

func (m *Manager) Unlisten(topic protocol.Topic) {
	m.control(protocol.ActionUnsubscribe, topic)
}

func (m *Manager) control(action protocol.Action, topic protocol.Topic) {
	m.armMu.Lock()
	defer m.armMu.Unlock()

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	if err := m.writeControl(conn, protocol.Control{Action: action, Topic: topic}); err != nil {
		m.log.Debug("control frame failed", zap.String("action", string(action)),
			zap.String("topic", string(topic)), zap.Error(err))
	}
}

// Identity returns the identity the manager is bound to.
func (m *Manager) Identity() (session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return session.Session{}, false
	}
	return *m.identity, true
}

func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) run(ctx context.Context, gen uint64, sess session.Session) {
	defer m.wg.Done()

	bo := m.newBackOff()
	first := true
	for {
		conn, err := m.dial(ctx, sess)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrUnauthorized) {
				m.log.Warn("handshake rejected, giving up", zap.String("user", sess.UserID), zap.Error(err))
				m.setStateIf(gen, StateFailed)
				return
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				m.log.Warn("reconnect budget exhausted", zap.Duration("elapsed", bo.GetElapsedTime()), zap.Error(err))
				m.setStateIf(gen, StateFailed)
				return
			}
			m.log.Debug("dial failed", zap.Error(err), zap.Duration("retry_in", wait))
			if !first {
				m.setStateIf(gen, StateReconnecting)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		if !m.install(gen, conn) {
			conn.Close()
			return
		}
		m.log.Info("connected", zap.String("url", m.opts.URL), zap.String("user", sess.UserID), zap.Bool("first", first))
		if !first {
			m.opts.Metrics.Reconnect()
		}
		m.sink.Connected(first)
		first = false

		pingCtx, pingCancel := context.WithCancel(ctx)
		go m.pingLoop(pingCtx, conn)
		err = m.readLoop(ctx, conn)
		pingCancel()

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		m.log.Info("connection lost", zap.Error(err))
		m.setStateIf(gen, StateReconnecting)
	}
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.ReconnectBase
	bo.MaxInterval = m.opts.ReconnectMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = m.opts.GiveUp
	bo.Reset()
	return bo
}

func (m *Manager) dial(ctx context.Context, sess session.Session) (*websocket.Conn, error) {
	header := http.Header{}
	if sess.AuthToken != "" {
		header.Set("Authorization", "Bearer "+sess.AuthToken)
	}
	conn, resp, err := m.dialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return nil, err
	}
	return conn, nil
}

// install publishes conn as the live connection and re-arms every topic.
// It reports false when the generation moved on while dialing.
func (m *Manager) install(gen uint64, conn *websocket.Conn) bool {
	m.armMu.Lock()
	defer m.armMu.Unlock()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.state = StateConnected
	m.mu.Unlock()
	m.notifyState()

	for _, topic := range m.sink.Topics() {
		if err := m.writeControl(conn, protocol.Control{Action: protocol.ActionSubscribe, Topic: topic}); err != nil {
			m.log.Warn("re-arm failed", zap.String("topic", string(topic)), zap.Error(err))
			break
		}
	}
	return true
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.opts.PongTimeout))
	})
	conn.SetReadDeadline(time.Now().Add(m.opts.PongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		m.sink.Deliver(env)
	}
}

// pingLoop sends periodic pings on conn until ctx is cancelled or a write
// fails.
func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (m *Manager) writeControl(conn *websocket.Conn, frame protocol.Control) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	return conn.WriteJSON(frame)
}
