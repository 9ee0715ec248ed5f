package pushserver

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/petshop/pulse/internal/logging"
	"github.com/petshop/pulse/internal/protocol"
)

// Generator mutates the fixtures on a timer and emits the matching events,
// so a client can watch changes flow without anyone using the API.
// Security events are never generated.
type Generator struct {
	fixtures *Fixtures
	emitter  Emitter
	interval time.Duration
	log      *zap.Logger
	rng      *rand.Rand
}

func NewGenerator(fixtures *Fixtures, emitter Emitter, interval time.Duration, logger *zap.Logger) *Generator {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Generator{
		fixtures: fixtures,
		emitter:  emitter,
		interval: interval,
		log:      logging.OrNop(logger).Named("generator"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run ticks until ctx is done.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, ev := range g.Step() {
				g.emit(ctx, ev)
			}
		}
	}
}

// Step applies one random mutation and returns the events it produced.
func (g *Generator) Step() []protocol.Event {
	switch g.rng.Intn(4) {
	case 0:
		return []protocol.Event{g.fixtures.RestockRandom()}
	case 1:
		return []protocol.Event{g.fixtures.Notify("u-adopter", "A shelter replied to your request")}
	case 2:
		return g.fixtures.Donate("u-adopter", float64(5+g.rng.Intn(50)))
	default:
		ev, err := g.fixtures.AdvanceAdoption()
		if err != nil {
			return nil
		}
		return []protocol.Event{ev}
	}
}

func (g *Generator) emit(ctx context.Context, ev protocol.Event) {
	env, err := protocol.Encode(ev)
	if err != nil {
		g.log.Error("encode event", zap.String("topic", string(ev.Topic())), zap.Error(err))
		return
	}
	if err := g.emitter.Emit(ctx, env); err != nil {
		g.log.Warn("emit failed", zap.String("topic", string(env.Topic)), zap.Error(err))
	}
}
