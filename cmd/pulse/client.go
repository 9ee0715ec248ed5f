package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/petshop/pulse/internal/api"
	"github.com/petshop/pulse/internal/auth"
	"github.com/petshop/pulse/internal/config"
	"github.com/petshop/pulse/internal/protocol"
	"github.com/petshop/pulse/internal/pushserver"
	"github.com/petshop/pulse/internal/session"
	"github.com/petshop/pulse/internal/tui/app"
)

var (
	clientToken string
	pushURL     string
	apiURL      string

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Open the live terminal client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context())
		},
	}

	publishVia string

	publishCmd = &cobra.Command{
		Use:   "publish <topic> [payload-json]",
		Short: "Publish a change event to connected clients",
		Example: `  pulse publish products:changed
  pulse publish user:deleted '{"userId":"u-seller"}' --token $ADMIN_TOKEN
  pulse publish user:status-changed '{"userId":"u-adopter","status":"blocked"}' --via redis`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.Context(), args)
		},
	}

	tokenRole   string
	tokenStatus string

	tokenCmd = &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a session token with server.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, args[0])
		},
	}
)

func init() {
	watchCmd.Flags().StringVarP(&clientToken, "token", "t", "", "session token to start signed in")
	watchCmd.Flags().StringVar(&pushURL, "push-url", "", "override client.push_url")
	watchCmd.Flags().StringVar(&apiURL, "api-url", "", "override client.api_url")

	publishCmd.Flags().StringVarP(&clientToken, "token", "t", "", "admin token for the http route")
	publishCmd.Flags().StringVar(&apiURL, "api-url", "", "override client.api_url")
	publishCmd.Flags().StringVar(&publishVia, "via", "", "http or redis (default redis when enabled)")

	tokenCmd.Flags().StringVar(&tokenRole, "role", "adopter", "adopter, shelter, seller or admin")
	tokenCmd.Flags().StringVar(&tokenStatus, "status", "active", "active, pending or blocked")
}

func applyClientFlags(cfg *config.Config) {
	if clientToken != "" {
		cfg.Client.Token = clientToken
	}
	if pushURL != "" {
		cfg.Client.PushURL = pushURL
	}
	if apiURL != "" {
		cfg.Client.APIURL = apiURL
	}
}

func runWatch(ctx context.Context) error {
	// The terminal belongs to the UI, so logs always go to a file.
	cfg, logger, m, err := setup(func(l *config.LoggerConfig) {
		if l.Output != "file" {
			l.Output = "file"
		}
		if l.FilePath == "" {
			l.FilePath = filepath.Join("logs", "pulse-watch.log")
		}
	})
	if err != nil {
		return err
	}
	defer logger.Sync()
	applyClientFlags(cfg)

	return app.Run(ctx, cfg, logger, m)
}

func runPublish(ctx context.Context, args []string) error {
	cfg, logger, _, err := setup(nil)
	if err != nil {
		return err
	}
	defer logger.Sync()
	applyClientFlags(cfg)

	env := protocol.Envelope{Topic: protocol.Topic(args[0])}
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return errors.New("payload is not valid JSON")
		}
		env.Payload = json.RawMessage(args[1])
	}
	if _, err := protocol.Decode(env); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	via := publishVia
	if via == "" {
		via = "http"
		if cfg.Redis.Enabled {
			via = "redis"
		}
	}

	switch via {
	case "redis":
		client, err := pushserver.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := pushserver.NewStreamPublisher(client, cfg.Redis.Stream).Emit(ctx, env); err != nil {
			return err
		}
	case "http":
		if cfg.Client.Token == "" {
			return errors.New("publishing over http needs an admin --token")
		}
		token := cfg.Client.Token
		c := api.NewClient(cfg.Client.APIURL, func() string { return token }, cfg.Refetch.RequestTimeout)
		if err := c.Publish(ctx, env); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown --via %q", via)
	}
	logger.Info("published", zap.String("topic", string(env.Topic)), zap.String("via", via))
	return nil
}

func runToken(cmd *cobra.Command, userID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	role, err := session.ParseRole(tokenRole)
	if err != nil {
		return err
	}
	status, err := session.ParseStatus(tokenStatus)
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}
	tok, err := issuer.Issue(userID, role, status)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
