package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/petshop/pulse/internal/config"
	"github.com/petshop/pulse/internal/logging"
	"github.com/petshop/pulse/internal/metrics"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of pulse",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pulse version %s\n", version)
		},
	}

	rootCmd = &cobra.Command{
		Use:          "pulse",
		Short:        "Real-time change propagation for the pet marketplace",
		Long:         `pulse runs the development push server and a terminal client that keeps marketplace views live and ends sessions the server revokes.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (defaults apply when empty or missing)")
	rootCmd.AddCommand(versionCmd, serveCmd, watchCmd, publishCmd, tokenCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setup loads the config and builds the logger and metrics it describes.
func setup(logCfg func(*config.LoggerConfig)) (*config.Config, *zap.Logger, *metrics.Metrics, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if logCfg != nil {
		logCfg(&cfg.Logger)
	}
	logger, err := logging.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	return cfg, logger, m, nil
}
