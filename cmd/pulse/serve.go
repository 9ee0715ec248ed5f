package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petshop/pulse/internal/auth"
	"github.com/petshop/pulse/internal/pushserver"
)

var (
	servePort int
	serveDemo bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the development push server and REST API",
		Long: `serve runs the development marketplace API together with its push channel.
With redis enabled, mutations are appended to a Redis stream and every
instance fans the stream out to its own clients.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
)

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "override server port")
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false, "emit random catalog changes")
}

func runServe(ctx context.Context) error {
	cfg, logger, m, err := setup(nil)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	if serveDemo {
		cfg.Server.Demo = true
	}
	if strings.EqualFold(cfg.Logger.Level, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	secret := cfg.Server.JWTSecret
	if secret == "" {
		secret = uuid.NewString() + uuid.NewString()
		logger.Warn("server.jwt_secret not set, using an ephemeral secret; tokens from `pulse token` will not verify")
	}
	issuer, err := auth.NewIssuer(secret, cfg.Server.TokenTTL)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	hub := pushserver.NewHub(pushserver.HubOptions{
		MaxConns:     cfg.Server.MaxConns,
		SendBuffer:   cfg.Server.SendBuffer,
		PingInterval: cfg.Transport.PingInterval,
		WriteTimeout: cfg.Transport.WriteTimeout,
		Logger:       logger,
		Metrics:      m,
	})

	g, ctx := errgroup.WithContext(ctx)

	var emitter pushserver.Emitter = hub
	if cfg.Redis.Enabled {
		client, err := pushserver.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		emitter = pushserver.NewStreamPublisher(client, cfg.Redis.Stream)
		source := pushserver.NewStreamSource(client, cfg.Redis.Stream, hub, "", logger)
		g.Go(func() error { return source.Run(ctx) })
		logger.Info("fan-out through redis stream",
			zap.String("addr", cfg.Redis.Addr),
			zap.String("stream", cfg.Redis.Stream))
	}

	fixtures := pushserver.NewFixtures()
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	server := pushserver.NewServer(hub, emitter, issuer, fixtures, pushserver.ServerOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MetricsPath:    metricsPath,
		Logger:         logger,
		Metrics:        m,
	})
	g.Go(func() error { return server.ListenAndServe(ctx, cfg.Server.Addr()) })

	if cfg.Server.Demo {
		gen := pushserver.NewGenerator(fixtures, emitter, cfg.Server.DemoInterval, logger)
		g.Go(func() error { return gen.Run(ctx) })
		logger.Info("demo generator enabled", zap.Duration("interval", cfg.Server.DemoInterval))
	}

	logger.Info("starting pulse server", zap.String("version", version), zap.String("addr", cfg.Server.Addr()))
	return g.Wait()
}
