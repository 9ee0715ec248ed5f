package app

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/petshop/pulse/internal/api"
	"github.com/petshop/pulse/internal/auth"
	"github.com/petshop/pulse/internal/bus"
	"github.com/petshop/pulse/internal/config"
	"github.com/petshop/pulse/internal/guard"
	"github.com/petshop/pulse/internal/logging"
	"github.com/petshop/pulse/internal/metrics"
	"github.com/petshop/pulse/internal/session"
	"github.com/petshop/pulse/internal/transport"
)

// Run wires the client stack for cfg and blocks until the program exits or
// ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) error {
	logger = logging.OrNop(logger)

	store := session.NewStore()
	b := bus.New(bus.Options{Logger: logger, Metrics: m})
	topts := transport.OptionsFromConfig(cfg.Client.PushURL, cfg.Transport)
	topts.Logger = logger
	topts.Metrics = m
	conn := transport.NewManager(b, topts)
	b.Attach(conn)
	defer conn.Close()

	bridge := NewBridge()
	defer bridge.Stop()

	stopState := conn.OnStateChange(func(s transport.State) { bridge.Post(ConnStateMsg{State: s}) })
	defer stopState()
	stopWatch := store.Watch(func(c session.Change) { bridge.Post(SessionMsg{Change: c}) })
	defer stopWatch()
	stopBind := conn.Bind(store)
	defer stopBind()

	g := guard.New(store, b, guard.Options{
		Toaster:    bridge,
		Navigator:  bridge,
		SignInPath: cfg.Client.SignInPath,
		Logger:     logger,
		Metrics:    m,
	})
	g.Start()
	defer g.Stop()

	if cfg.Client.Token != "" {
		sess, err := auth.SessionFromToken(cfg.Client.Token)
		if err != nil {
			return fmt.Errorf("configured token: %w", err)
		}
		store.Set(sess)
	}

	model := New(Deps{
		Store:      store,
		Bus:        b,
		API:        api.NewClient(cfg.Client.APIURL, api.StoreToken(store), cfg.Refetch.RequestTimeout),
		Bridge:     bridge,
		Refetch:    cfg.Refetch,
		SignInPath: cfg.Client.SignInPath,
		Logger:     logger,
		Metrics:    m,
	})

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	go bridge.Run(p.Send)

	logger.Info("terminal client started",
		zap.String("push_url", cfg.Client.PushURL),
		zap.String("api_url", cfg.Client.APIURL))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run program: %w", err)
	}
	return nil
}
