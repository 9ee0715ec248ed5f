// Package refetch keeps a consumer's view of one server resource consistent
// with push events. Bursts of events collapse into one refetch, responses
// that arrive out of order never overwrite newer data, and nothing is applied
// after the consumer unmounts.
package refetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/petshop/pulse/internal/bus"
	"github.com/petshop/pulse/internal/logging"
	"github.com/petshop/pulse/internal/metrics"
	"github.com/petshop/pulse/internal/protocol"
)

var (
	ErrMounted  = errors.New("refetch: consumer already mounted")
	ErrNoFetch  = errors.New("refetch: Fetch is required")
	ErrNoTopics = errors.New("refetch: at least one topic is required")
)

// RefetchError reports a failed fetch. It stays local to the consumer.
type RefetchError struct {
	Consumer string
	Seq      uint64
	Err      error
}

func (e *RefetchError) Error() string {
	return fmt.Sprintf("refetch %s #%d: %v", e.Consumer, e.Seq, e.Err)
}

func (e *RefetchError) Unwrap() error { return e.Err }

// Source is the part of the bus a consumer needs.
type Source interface {
	Subscribe(topic protocol.Topic, h bus.Handler) *bus.Subscription
	OnReconnect(fn func()) *bus.Subscription
}

type Options[T any] struct {
	Name   string
	Topics []protocol.Topic

	Fetch func(ctx context.Context) (T, error)
	// Apply receives every committed value. It runs with the consumer's
	// lock held and must not call back into the consumer.
	Apply   func(T)
	OnError func(*RefetchError)

	// Relevant filters events before they cause any work. Nil accepts all.
	Relevant func(protocol.Event) bool
	// Patch may update the current value in place from the event alone.
	// Returning false falls back to a refetch.
	Patch func(cur T, ev protocol.Event) (T, bool)

	Window             time.Duration
	MaxWait            time.Duration
	NoReconnectRefetch bool

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Consumer keeps one value of T fresh by refetching it when its topics change.
type Consumer[T any] struct {
	opts      Options[T]
	src       Source
	log       *zap.Logger
	coalescer *Coalescer

	mu       sync.Mutex
	mounted  bool
	mountGen uint64
	ctx      context.Context
	cancel   context.CancelFunc
	issued   uint64 // last sequence handed to a fetch or patch
	applied  uint64 // sequence of the value currently held
	value    T
	hasValue bool
	subs     []*bus.Subscription

	inflight sync.WaitGroup
}

// NewConsumer creates an unmounted consumer reading events from src.
func NewConsumer[T any](src Source, opts Options[T]) *Consumer[T] {
	if opts.Name == "" {
		opts.Name = "consumer"
	}
	c := &Consumer[T]{
		opts: opts,
		src:  src,
		log:  logging.OrNop(opts.Logger).Named("refetch").With(zap.String("consumer", opts.Name)),
	}
	return c
}

// Mount starts the initial fetch and subscribes to the consumer's topics.
// ctx bounds every fetch issued while mounted.
func (c *Consumer[T]) Mount(ctx context.Context) error {
	if c.opts.Fetch == nil {
		return ErrNoFetch
	}
	if len(c.opts.Topics) == 0 {
		return ErrNoTopics
	}

	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return ErrMounted
	}
	c.mounted = true
	c.mountGen++
	gen := c.mountGen
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.coalescer = NewCoalescer(c.opts.Window, c.opts.MaxWait, c.Refetch)
	co := c.coalescer
	c.mu.Unlock()

	subs := make([]*bus.Subscription, 0, len(c.opts.Topics)+1)
	for _, topic := range c.opts.Topics {
		subs = append(subs, c.src.Subscribe(topic, c.handle))
	}
	if !c.opts.NoReconnectRefetch {
		subs = append(subs, c.src.OnReconnect(func() {
			c.log.Debug("reconnect, scheduling safety refetch")
			co.Trigger()
		}))
	}

	// Unmount may have run while subscribing; those subs are ours to close.
	c.mu.Lock()
	if !c.mounted || c.mountGen != gen {
		c.mu.Unlock()
		for _, s := range subs {
			s.Close()
		}
		return nil
	}
	c.subs = subs
	c.mu.Unlock()

	c.Refetch()
	return nil
}

// Unmount closes subscriptions and cancels in-flight fetches. After it
// returns, Apply and OnError are not called again.
func (c *Consumer[T]) Unmount() {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = false
	c.cancel()
	subs := c.subs
	c.subs = nil
	co := c.coalescer
	c.mu.Unlock()

	co.Stop()
	for _, s := range subs {
		s.Close()
	}
}

func (c *Consumer[T]) handle(ev protocol.Event) {
	if c.opts.Relevant != nil && !c.opts.Relevant(ev) {
		c.log.Debug("skipping irrelevant event", zap.String("topic", string(ev.Topic())))
		return
	}
	if c.opts.Patch != nil && c.patch(ev) {
		return
	}
	c.mu.Lock()
	co := c.coalescer
	c.mu.Unlock()
	co.Trigger()
}

// patch applies ev in place. A patch is the newest write, so fetches issued
// before it are treated as stale.
func (c *Consumer[T]) patch(ev protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted || !c.hasValue {
		return false
	}
	next, ok := c.opts.Patch(c.value, ev)
	if !ok {
		return false
	}
	c.issued++
	c.applied = c.issued
	c.value = next
	c.opts.Metrics.Refetch(c.opts.Name, "patched")
	if c.opts.Apply != nil {
		c.opts.Apply(next)
	}
	return true
}

// Refetch issues a fetch now, bypassing the coalescing window.
func (c *Consumer[T]) Refetch() {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.issued++
	seq := c.issued
	ctx := c.ctx
	c.inflight.Add(1)
	c.mu.Unlock()

	go c.fetch(ctx, seq)
}

func (c *Consumer[T]) fetch(ctx context.Context, seq uint64) {
	defer c.inflight.Done()

	v, err := c.opts.Fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !c.mounted || ctx.Err() != nil:
		c.opts.Metrics.Refetch(c.opts.Name, "discarded")
		return
	case seq <= c.applied:
		c.log.Debug("dropping stale response", zap.Uint64("seq", seq), zap.Uint64("applied", c.applied))
		c.opts.Metrics.Refetch(c.opts.Name, "stale")
		return
	case err != nil:
		rerr := &RefetchError{Consumer: c.opts.Name, Seq: seq, Err: err}
		c.log.Warn("refetch failed", zap.Uint64("seq", seq), zap.Error(err))
		c.opts.Metrics.Refetch(c.opts.Name, "failed")
		if c.opts.OnError != nil {
			c.opts.OnError(rerr)
		}
		return
	}

	c.applied = seq
	c.value = v
	c.hasValue = true
	c.opts.Metrics.Refetch(c.opts.Name, "applied")
	if c.opts.Apply != nil {
		c.opts.Apply(v)
	}
}

// Value returns the last committed value.
func (c *Consumer[T]) Value() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.hasValue
}

func (c *Consumer[T]) Mounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}

// Wait blocks until every fetch issued so far has finished.
func (c *Consumer[T]) Wait() {
	c.inflight.Wait()
}
