package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/FlooooowY/SteelMount-Human-Gate/internal/config"
	"github.com/FlooooowY/SteelMount-Human-Gate/internal/logger"
	"github.com/FlooooowY/SteelMount-Human-Gate/internal/server"
)

// RootOptions holds the flags shared by every command
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// AddFlags registers the root options on cmd
func (o *RootOptions) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&o.ConfigPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&o.LogLevel, "log-level", "", "override the configured log level")
}

// New builds the humangate command tree
func New() *cobra.Command {
	ro := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "humangate",
		Short:         "Human verification gate for HTTP and gRPC services.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), ro)
		},
	}
	ro.AddFlags(cmd)

	cmd.AddCommand(checkConfig(ro))
	return cmd
}

// checkConfig loads and validates the configuration without starting anything
func checkConfig(ro *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(ro.ConfigPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK (http=%s grpc=%q metrics=%q ignore=%t)\n",
				cfg.Server.HTTPAddr, cfg.Server.GRPCAddr, cfg.Monitoring.MetricsAddr, cfg.Recaptcha.Ignore)
			return nil
		},
	}
}

func serve(parent context.Context, ro *RootOptions) error {
	if parent == nil {
		parent = context.Background()
	}

	// Load configuration
	cfg, err := config.LoadConfig(ro.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if ro.LogLevel != "" {
		cfg.Monitoring.Logging.Level = ro.LogLevel
	}

	// Initialize logger
	logger.Init(
		cfg.Monitoring.Logging.Level,
		cfg.Monitoring.Logging.Format,
		cfg.Monitoring.Logging.Output,
	)

	log := logger.GetLogger()
	log.Info("Starting SteelMount Human Gate")

	// Create server instance
	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	startErr := make(chan error, 1)
	go func() {
		startErr <- srv.Start(ctx)
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Infof("Received signal %v, shutting down gracefully...", sig)
	case err := <-startErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		log.Info("Server context cancelled")
	}
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}

	log.Info("Server stopped gracefully")
	return nil
}
