// Package main is the entry point for the devgate binary: a configurable
// dev-API gateway that fronts route handlers with the security chain and
// proxies outbound requests past browser CORS restrictions.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mocklab/devgate/pkg/config"
	"github.com/mocklab/devgate/pkg/gateway"
	"github.com/mocklab/devgate/pkg/logging"
)

const defaultConfigPath = "devgate.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "devgate",
		Short: "Development API gateway and CORS proxy",
		Long: `devgate fronts local development APIs with authentication, origin
validation and rate limiting, and forwards requests to external targets so
browser clients can bypass CORS restrictions.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newValidateCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "Listen address (overrides config)")
	cmd.Flags().Bool("watch", true, "Reload proxy routes when the config file changes")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print advisories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			problems := cfg.Validate()
			if len(problems) == 0 {
				fmt.Printf("%s: configuration ok\n", path)
				return nil
			}
			for _, p := range problems {
				fmt.Printf("%s: %v\n", path, p)
			}
			return fmt.Errorf("%d configuration problem(s)", len(problems))
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	// A .env file is optional; ignore a missing one.
	_ = godotenv.Load()

	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}
	if _, statErr := os.Stat(path); statErr != nil && path == defaultConfigPath {
		// Default config file is optional; env vars and defaults apply.
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, path, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.ListenAddr = listen
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})

	gw := gateway.New(cfg, path, logger)
	defer gw.Close()

	if watch, _ := cmd.Flags().GetBool("watch"); watch && path != "" {
		watcher, err := config.NewWatcher(path, gw.Reload, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("config watcher unavailable; reload via /admin/reload only")
		} else {
			if err := watcher.Start(cmd.Context()); err != nil {
				logger.Warn().Err(err).Msg("config watcher failed to start")
			} else {
				defer func() { _ = watcher.Stop() }()
			}
		}
	}

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      gw.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info().
			Str("listen_addr", cfg.Server.ListenAddr).
			Str("environment", cfg.Environment).
			Msg("starting devgate")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	waitForShutdown(context.Background(), server, logger, cfg)
	return nil
}

func waitForShutdown(ctx context.Context, srv *http.Server, logger zerolog.Logger, cfg *config.Config) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	logger.Info().Msg("shutting down devgate")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed; forcing close")
		if closeErr := srv.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("forced close failed")
		}
	}

	logger.Info().Msg("devgate stopped")
}
