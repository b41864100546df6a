// Package main is the entry point for the polis-agent binary.
// It keeps a transport open to the broker, serves tunnels opened by other
// agents and exposes remote agents' ports on local listeners.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-relay/pkg/agent"
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

// newRootCmd creates the root command for polis-agent
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-agent",
		Short: "Reverse-tunnel relay agent",
		Long: `The agent dials out to a polis-broker, registers with its certificate and
serves logical connections relayed by the broker.

Forwards expose a port of another agent locally:
  polis-agent --broker wss://relay.example.com/ --cert agent.crt \
    --forward 127.0.0.1:2222=3f1c...:22`,
		SilenceUsage: true,
		RunE:         runAgent,
	}

	flags := rootCmd.Flags()
	flags.StringP("config", "c", "", "Path to configuration file (YAML or TOML)")
	flags.String("broker", config.DefaultBrokerURL, "Broker URL (ws:// or wss://)")
	flags.String("cert", "", "Agent certificate (PEM) presented at registration")
	flags.String("ca", "", "CA bundle for verifying a wss:// broker")
	flags.Bool("insecure-skip-verify", false, "Do not verify the broker's TLS certificate")
	flags.String("dial-host", config.DefaultDialHost, "Host that inbound tunnels are dialed on")
	flags.StringArray("forward", nil, "Local forward LISTEN=TARGET:PORT (repeatable)")
	flags.StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")
	flags.Bool("pretty", false, "Human-readable console logs")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "polis-agent version %s\n", version)
		},
	})

	return rootCmd
}

// loadConfig layers defaults, the config file, environment and explicitly set
// flags, then validates the result.
func loadConfig(cmd *cobra.Command) (*config.AgentConfig, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.LoadAgent(path)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.AgentConfig) error {
	flags := cmd.Flags()

	stringFlags := map[string]*string{
		"broker":    &cfg.Broker,
		"cert":      &cfg.CertFile,
		"ca":        &cfg.TLS.CAFile,
		"dial-host": &cfg.DialHost,
		"log-level": &cfg.Logging.Level,
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
		"insecure-skip-verify": &cfg.TLS.InsecureSkipVerify,
		"pretty":               &cfg.Logging.Pretty,
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

	if flags.Changed("forward") {
		specs, err := flags.GetStringArray("forward")
		if err != nil {
			return fmt.Errorf("failed to get forward flag: %w", err)
		}
		forwards := make([]config.ForwardConfig, 0, len(specs))
		for _, spec := range specs {
			fwd, err := parseForward(spec)
			if err != nil {
				return err
			}
			forwards = append(forwards, fwd)
		}
		cfg.Forwards = forwards
	}
	return nil
}

// parseForward parses LISTEN=TARGET:PORT. LISTEN may itself contain a port.
func parseForward(spec string) (config.ForwardConfig, error) {
	listen, remote, ok := strings.Cut(spec, "=")
	if !ok || listen == "" {
		return config.ForwardConfig{}, fmt.Errorf("invalid forward %q: expected LISTEN=TARGET:PORT", spec)
	}
	i := strings.LastIndex(remote, ":")
	if i <= 0 {
		return config.ForwardConfig{}, fmt.Errorf("invalid forward %q: expected LISTEN=TARGET:PORT", spec)
	}
	port, err := strconv.Atoi(remote[i+1:])
	if err != nil {
		return config.ForwardConfig{}, fmt.Errorf("invalid forward %q: bad port: %w", spec, err)
	}
	return config.ForwardConfig{
		Listen: listen,
		Target: remote[:i],
		Port:   port,
	}, nil
}

// runAgent is the main entry point for the agent command
func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, _ := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.FromConfig(cfg.Telemetry, "agent"))
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

	client, err := agent.NewClient(cfg, agent.Options{Logger: logger})
	if err != nil {
		logger.Error("Failed to create agent", "error", err)
		return err
	}

	logger.Info("Starting polis-agent",
		"broker", cfg.Broker,
		"dial_host", cfg.DialHost,
		"forwards", len(cfg.Forwards),
		"log_level", cfg.Logging.Level,
	)

	// Forwarders stop with the agent; a listener that fails to bind stops it too.
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	for _, fwd := range cfg.Forwards {
		f := agent.NewForwarder(fwd, client, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.ListenAndServe(runCtx); err != nil && runCtx.Err() == nil {
				cancel(err)
			}
		}()
	}

	err = client.Run(runCtx)
	cancel(nil)
	wg.Wait()

	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		logger.Error("Agent stopped", "error", cause)
		return cause
	}
	if err != nil {
		return err
	}

	logger.Info("Agent stopped")
	return nil
}
