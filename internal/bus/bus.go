// Package bus is the client-side topic registry. Components subscribe to
// topics and receive decoded events; the bus arms a wire topic on the
// transport when its first subscriber arrives and disarms it when the last
// one leaves.
package bus

import (
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petshop/pulse/internal/logging"
	"github.com/petshop/pulse/internal/metrics"
	"github.com/petshop/pulse/internal/protocol"
)

// Listener arms and disarms wire topics. The transport manager implements it.
type Listener interface {
	Listen(topic protocol.Topic)
	Unlisten(topic protocol.Topic)
}

type Handler func(protocol.Event)

// HandlerError describes a handler that panicked during dispatch.
type HandlerError struct {
	Topic          protocol.Topic
	SubscriptionID string
	Value          any
	Stack          []byte
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s for %s panicked: %v", e.SubscriptionID, e.Topic, e.Value)
}

// reconnectTopic never goes on the wire; Connected(false) dispatches on it.
const reconnectTopic protocol.Topic = "$reconnected"

func isWireTopic(t protocol.Topic) bool {
	return !strings.HasPrefix(string(t), "$")
}

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// OnHandlerError, if set, is called after a panicking handler has been
	// recovered and logged.
	OnHandlerError func(*HandlerError)
}

type Bus struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	onError func(*HandlerError)

	mu       sync.RWMutex
	subs     map[protocol.Topic][]*Subscription
	listener Listener

	// armMu is held across a refcount transition and the matching
	// Listen/Unlisten call so the transport sees them in order.
	armMu sync.Mutex
}

func New(opts Options) *Bus {
	return &Bus{
		log:     logging.OrNop(opts.Logger).Named("bus"),
		metrics: opts.Metrics,
		onError: opts.OnHandlerError,
		subs:    make(map[protocol.Topic][]*Subscription),
	}
}

// Attach sets the transport used for arming. Topics already subscribed are
// armed by the transport on its next connect, not here.
func (b *Bus) Attach(l Listener) {
	b.armMu.Lock()
	defer b.armMu.Unlock()
	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()
}

// Subscribe registers h for topic. The returned Subscription is owned by
// the caller, who must Close it.
func (b *Bus) Subscribe(topic protocol.Topic, h Handler) *Subscription {
	sub := &Subscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: h,
		bus:     b,
	}

	b.armMu.Lock()
	defer b.armMu.Unlock()

	b.mu.Lock()
	first := len(b.subs[topic]) == 0
	b.subs[topic] = append(b.subs[topic], sub)
	l := b.listener
	b.mu.Unlock()

	if first && l != nil && isWireTopic(topic) {
		b.log.Debug("arming topic", zap.String("topic", string(topic)))
		l.Listen(topic)
	}
	return sub
}

// OnReconnect registers fn to run after the transport re-establishes a
// dropped connection. Events sent while disconnected are not replayed, so
// this is the cue for a consistency refetch.
func (b *Bus) OnReconnect(fn func()) *Subscription {
	return b.Subscribe(reconnectTopic, func(protocol.Event) { fn() })
}

func (b *Bus) remove(sub *Subscription) {
	b.armMu.Lock()
	defer b.armMu.Unlock()

	b.mu.Lock()
	list := b.subs[sub.topic]
	for i, cur := range list {
		if cur == sub {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	last := len(list) == 0
	if last {
		delete(b.subs, sub.topic)
	} else {
		b.subs[sub.topic] = list
	}
	l := b.listener
	b.mu.Unlock()

	if last && l != nil && isWireTopic(sub.topic) {
		b.log.Debug("disarming topic", zap.String("topic", string(sub.topic)))
		l.Unlisten(sub.topic)
	}
}

// Dispatch runs every handler for ev's topic synchronously, in registration
// order. Handlers registered during dispatch are not called for ev.
func (b *Bus) Dispatch(ev protocol.Event) {
	topic := ev.Topic()

	b.mu.RLock()
	list := make([]*Subscription, len(b.subs[topic]))
	copy(list, b.subs[topic])
	b.mu.RUnlock()

	if isWireTopic(topic) {
		b.metrics.EventDispatched(string(topic))
	}
	for _, sub := range list {
		if sub.closed.Load() {
			continue
		}
		b.invoke(sub, ev)
	}
}

func (b *Bus) invoke(sub *Subscription, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			herr := &HandlerError{
				Topic:          sub.topic,
				SubscriptionID: sub.id,
				Value:          r,
				Stack:          debug.Stack(),
			}
			b.log.Error("handler panicked",
				zap.String("topic", string(sub.topic)),
				zap.String("subscription", sub.id),
				zap.Any("value", r),
				zap.ByteString("stack", herr.Stack))
			b.metrics.HandlerPanic(string(sub.topic))
			if b.onError != nil {
				b.onError(herr)
			}
		}
	}()
	sub.handler(ev)
}

// Deliver decodes env and dispatches it. A known topic whose payload does
// not decode is dropped.
func (b *Bus) Deliver(env protocol.Envelope) {
	if !isWireTopic(env.Topic) {
		b.log.Warn("dropping reserved topic from wire", zap.String("topic", string(env.Topic)))
		return
	}
	ev, err := protocol.Decode(env)
	if err != nil {
		b.log.Warn("dropping undecodable event", zap.String("topic", string(env.Topic)), zap.Error(err))
		b.metrics.DecodeFailure(string(env.Topic))
		return
	}
	if _, ok := ev.(protocol.Unknown); ok {
		b.log.Debug("unknown topic", zap.String("topic", string(env.Topic)))
	}
	b.Dispatch(ev)
}

// Topics returns the wire topics that currently have subscribers, sorted.
func (b *Bus) Topics() []protocol.Topic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]protocol.Topic, 0, len(b.subs))
	for t := range b.subs {
		if isWireTopic(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Connected is called by the transport after every successful connect.
func (b *Bus) Connected(first bool) {
	if first {
		return
	}
	b.log.Info("reconnected, running reconnect hooks")
	b.Dispatch(protocol.Unknown{Name: reconnectTopic})
}

// Count returns the number of live subscriptions for topic.
func (b *Bus) Count(topic protocol.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Subscription is one registration on the bus.
type Subscription struct {
	id      string
	topic   protocol.Topic
	handler Handler
	bus     *Bus
	closed  atomic.Bool
}

func (s *Subscription) ID() string            { return s.id }
func (s *Subscription) Topic() protocol.Topic { return s.topic }

// Close unregisters the subscription. It is idempotent, safe on nil and safe
// to call from inside the handler. Once Close returns, the handler is not
// started again.
func (s *Subscription) Close() {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.bus.remove(s)
}

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool {
	return s != nil && s.closed.Load()
}
