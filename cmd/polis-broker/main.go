// Package main is the entry point for the polis-broker binary.
// It accepts agent transports and relays tunnel frames between them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	polistls "github.com/polisai/polis-relay/internal/tls"
	"github.com/polisai/polis-relay/pkg/broker"
	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/logging"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

const version = "0.1.0"

func main() {
	// POLIS_* settings may also come from a .env file in the working directory.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-broker
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-broker",
		Short: "Reverse-tunnel relay broker for Polis agents",
		Long: `The broker accepts long-lived transports from agents, admits each agent by
its certificate, assigns it an identity and relays Open, Data and Close frames
between agents by conn_id.

Example:
  polis-broker --listen 0.0.0.0:8081 --ca ca/ca.crt`,
		SilenceUsage: true,
		RunE:         runBroker,
	}

	flags := rootCmd.Flags()
	flags.StringP("config", "c", "", "Path to configuration file (YAML or TOML)")
	flags.String("listen", config.DefaultListen, "Address to accept agent transports on")
	flags.String("ca", config.DefaultCAFile, "CA certificate that agent certificates must chain to")
	flags.StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")
	flags.Bool("pretty", false, "Human-readable console logs")
	flags.Bool("notify-routing-miss", false, "Answer an Open for an offline target with Close")
	flags.String("tls-cert", "", "Serve agents over TLS with this certificate")
	flags.String("tls-key", "", "Private key for --tls-cert")
	flags.String("shutdown-mode", config.ShutdownNormal, "Close code sent to agents on stop: normal (agents exit) or restart (agents reconnect)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "polis-broker version %s\n", version)
		},
	})

	return rootCmd
}

// loadConfig layers defaults, the config file, environment and explicitly set
// flags, then validates the result.
func loadConfig(cmd *cobra.Command) (*config.BrokerConfig, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.LoadBroker(path)
	if err != nil {
		return nil, "", err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.BrokerConfig) error {
	flags := cmd.Flags()

	stringFlags := map[string]*string{
		"listen":        &cfg.Listen,
		"ca":            &cfg.CAFile,
		"log-level":     &cfg.Logging.Level,
		"tls-cert":      &cfg.TLS.CertFile,
		"tls-key":       &cfg.TLS.KeyFile,
		"shutdown-mode": &cfg.ShutdownMode,
	}
	for name, dst := range stringFlags {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return fmt.Errorf("failed to get %s flag: %w", name, err)
		}
		*dst = v
	}

	boolFlags := map[string]*bool{
		"pretty":              &cfg.Logging.Pretty,
		"notify-routing-miss": &cfg.NotifyRoutingMiss,
	}
	for name, dst := range boolFlags {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetBool(name)
		if err != nil {
			return fmt.Errorf("failed to get %s flag: %w", name, err)
		}
		*dst = v
	}

	if flags.Changed("tls-cert") || flags.Changed("tls-key") {
		cfg.TLS.Enabled = true
	}
	return nil
}

// runBroker is the main entry point for the broker command
func runBroker(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, level := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.FromConfig(cfg.Telemetry, "broker"))
	if err != nil {
		logger.Error("Failed to set up telemetry", "error", err)
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	anchor, err := polistls.LoadTrustAnchor(cfg.CAFile)
	if err != nil {
		logger.Error("Failed to load trust anchor", "ca_file", cfg.CAFile, "error", err)
		return err
	}
	algorithms, err := polistls.AlgorithmsByName(cfg.AllowedAlgorithms)
	if err != nil {
		return err
	}
	verifier, err := polistls.NewVerifier(anchor, polistls.WithAlgorithms(algorithms...))
	if err != nil {
		return err
	}

	metrics := broker.NewMetrics()
	srv, err := broker.NewServer(broker.Options{
		Config:     cfg,
		Verifier:   verifier,
		Logger:     logger,
		Metrics:    metrics,
		RequestLog: level.Level() <= slog.LevelDebug,
	})
	if err != nil {
		return err
	}

	reload := broker.LogLevelReloader(level, metrics, logger)
	if configPath != "" {
		watcher, err := broker.NewConfigWatcher(configPath, reload, logger)
		if err != nil {
			logger.Warn("Config watching disabled", "error", err)
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config watching disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	certMonitor := polistls.NewCertificateMonitor(func(s polistls.CertificateStatus) {
		metrics.RecordCertificateExpiry(s.Name, s.Subject, s.NotAfter)
	}, logger)
	certMonitor.Watch("trust_anchor", cfg.CAFile)
	if cfg.TLS.Enabled {
		certMonitor.Watch("listener", cfg.TLS.CertFile)
	}
	certMonitor.Start(ctx)
	defer certMonitor.Stop()

	logger.Info("Starting polis-broker",
		"listen", cfg.Listen,
		"ca_subject", anchor.Subject(),
		"algorithms", cfg.AllowedAlgorithms,
		"notify_routing_miss", cfg.NotifyRoutingMiss,
		"shutdown_mode", cfg.ShutdownMode,
		"log_level", cfg.Logging.Level,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// SIGHUP re-reads the config file; it never stops the broker.
	sighupChan := make(chan os.Signal, 1)
	signal.Notify(sighupChan, syscall.SIGHUP)
	defer signal.Stop(sighupChan)

	go func() {
		for {
			select {
			case sig := <-sigChan:
				logger.Info("Received shutdown signal", "signal", sig.String())
				cancel()
				return
			case <-sighupChan:
				if configPath == "" {
					logger.Info("Received SIGHUP without a config file, ignoring")
					continue
				}
				if err := reload(configPath); err != nil {
					logger.Error("Config reload failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Broker error", "error", err)
			return err
		}
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx, cfg.RestartOnShutdown()); err != nil {
			logger.Error("Error during shutdown", "error", err)
		}
	}

	logger.Info("Broker stopped")
	return nil
}
