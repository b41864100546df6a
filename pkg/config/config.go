// Package config provides configuration structures and loading logic for the
// broker and agent binaries.
//
// Values are layered: built-in defaults, then a YAML or TOML file, then
// environment variables. Command-line flags are applied by the commands on top
// of the loaded value before Validate is called.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	polistls "github.com/polisai/polis-relay/internal/tls"
	"github.com/polisai/polis-relay/pkg/logging"
)

const (
	DefaultListen          = "0.0.0.0:8081"
	DefaultCAFile          = "ca/ca.crt"
	DefaultBrokerURL       = "ws://127.0.0.1:8081/"
	DefaultDialHost        = "127.0.0.1"
	DefaultQueueSize       = 1024
	DefaultRegisterTimeout = 30 * time.Second
	DefaultPingInterval    = 30 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultMaxFrameBytes   = 1 << 20
)

// Shutdown modes select the close code agents receive when the broker stops.
const (
	// ShutdownNormal closes agents with 1000; they stop.
	ShutdownNormal = "normal"
	// ShutdownRestart closes agents with 1012; they reconnect.
	ShutdownRestart = "restart"
)

// BrokerConfig holds the configuration for the relay broker.
type BrokerConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
	// CAFile is the trust anchor agents' Register certificates must chain to.
	CAFile            string   `yaml:"ca_file" toml:"ca_file"`
	AllowedAlgorithms []string `yaml:"allowed_algorithms,omitempty" toml:"allowed_algorithms"`
	// NotifyRoutingMiss makes the broker answer an undeliverable Open with a
	// Close to the initiator instead of dropping it silently.
	NotifyRoutingMiss bool          `yaml:"notify_routing_miss" toml:"notify_routing_miss"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	ShutdownMode      string        `yaml:"shutdown_mode" toml:"shutdown_mode"`

	TLS       TLSConfig       `yaml:"tls" toml:"tls"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Admission AdmissionConfig `yaml:"admission" toml:"admission"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// SessionConfig tunes per-agent session behaviour.
type SessionConfig struct {
	QueueSize       int           `yaml:"queue_size" toml:"queue_size"`
	RegisterTimeout time.Duration `yaml:"register_timeout" toml:"register_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval" toml:"ping_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	MaxFrameBytes   int64         `yaml:"max_frame_bytes" toml:"max_frame_bytes"`
}

// AdmissionConfig throttles transport upgrades per remote host. A zero rate
// disables throttling.
type AdmissionConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int     `yaml:"burst" toml:"burst"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" toml:"insecure"`
	ServiceName  string `yaml:"service_name" toml:"service_name"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Pretty bool   `yaml:"pretty" toml:"pretty"`
}

// AgentConfig holds the configuration for a relay agent.
type AgentConfig struct {
	Broker string `yaml:"broker" toml:"broker"`
	// CertFile is the PEM client certificate sent in Register.
	CertFile        string          `yaml:"cert_file" toml:"cert_file"`
	DialHost        string          `yaml:"dial_host" toml:"dial_host"`
	DialTimeout     time.Duration   `yaml:"dial_timeout" toml:"dial_timeout"`
	RegisterTimeout time.Duration   `yaml:"register_timeout" toml:"register_timeout"`
	Reconnect       ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Forwards        []ForwardConfig `yaml:"forwards,omitempty" toml:"forwards"`

	TLS       ClientTLSConfig `yaml:"tls" toml:"tls"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ReconnectConfig bounds the agent's exponential reconnect backoff.
type ReconnectConfig struct {
	Min    time.Duration `yaml:"min" toml:"min"`
	Max    time.Duration `yaml:"max" toml:"max"`
	Factor float64       `yaml:"factor" toml:"factor"`
}

// ForwardConfig exposes a remote agent's port on a local listener.
type ForwardConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
	Target string `yaml:"target" toml:"target"`
	Port   int    `yaml:"port" toml:"port"`
}

// DefaultBroker returns the built-in broker configuration.
func DefaultBroker() *BrokerConfig {
	return &BrokerConfig{
		Listen:            DefaultListen,
		CAFile:            DefaultCAFile,
		AllowedAlgorithms: []string{polistls.ECDSAP256SHA256.Name},
		ShutdownTimeout:   10 * time.Second,
		ShutdownMode:      ShutdownNormal,
		Session: SessionConfig{
			QueueSize:       DefaultQueueSize,
			RegisterTimeout: DefaultRegisterTimeout,
			PingInterval:    DefaultPingInterval,
			WriteTimeout:    DefaultWriteTimeout,
			MaxFrameBytes:   DefaultMaxFrameBytes,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Telemetry: TelemetryConfig{ServiceName: "polis-broker"},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// DefaultAgent returns the built-in agent configuration.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		Broker:          DefaultBrokerURL,
		DialHost:        DefaultDialHost,
		DialTimeout:     10 * time.Second,
		RegisterTimeout: DefaultRegisterTimeout,
		Reconnect: ReconnectConfig{
			Min:    time.Second,
			Max:    30 * time.Second,
			Factor: 2,
		},
		Telemetry: TelemetryConfig{ServiceName: "polis-agent"},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// LoadBroker returns the defaults overlaid with the file at path (if any) and
// POLIS_BROKER_* environment variables. It does not validate.
func LoadBroker(path string) (*BrokerConfig, error) {
	cfg := DefaultBroker()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyBrokerEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAgent returns the defaults overlaid with the file at path (if any) and
// POLIS_AGENT_* environment variables. It does not validate.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgent()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyAgentEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate performs validation of the entire broker configuration
func (c *BrokerConfig) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return NewConfigMissingError("listen")
	}
	if strings.TrimSpace(c.CAFile) == "" {
		return NewConfigMissingError("ca_file").
			WithSuggestion("Point ca_file at the CA certificate that issues agent certificates")
	}
	if _, err := polistls.AlgorithmsByName(c.AllowedAlgorithms); err != nil {
		return NewConfigValidationError("allowed_algorithms", c.AllowedAlgorithms, err.Error()).
			WithSuggestion("Use ECDSA_P256_SHA256, ECDSA_P384_SHA384 or ED25519")
	}
	if c.ShutdownTimeout < 0 {
		return NewConfigValidationError("shutdown_timeout", c.ShutdownTimeout, "must not be negative")
	}
	c.ShutdownMode = strings.TrimSpace(strings.ToLower(c.ShutdownMode))
	if c.ShutdownMode == "" {
		c.ShutdownMode = ShutdownNormal
	}
	if c.ShutdownMode != ShutdownNormal && c.ShutdownMode != ShutdownRestart {
		return NewConfigValidationError("shutdown_mode", c.ShutdownMode, "unknown mode").
			WithSuggestion("Use normal or restart")
	}

	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("TLS configuration: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session configuration: %w", err)
	}
	if err := c.Admission.Validate(); err != nil {
		return fmt.Errorf("admission configuration: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// RestartOnShutdown reports whether agents should reconnect after the broker
// stops.
func (c *BrokerConfig) RestartOnShutdown() bool {
	return c.ShutdownMode == ShutdownRestart
}

// Validate performs validation of session tuning
func (c *SessionConfig) Validate() error {
	if c.QueueSize <= 0 {
		return NewConfigValidationError("session.queue_size", c.QueueSize, "must be positive")
	}
	if c.RegisterTimeout <= 0 {
		return NewConfigValidationError("session.register_timeout", c.RegisterTimeout, "must be positive")
	}
	if c.PingInterval <= 0 {
		return NewConfigValidationError("session.ping_interval", c.PingInterval, "must be positive")
	}
	if c.WriteTimeout <= 0 {
		return NewConfigValidationError("session.write_timeout", c.WriteTimeout, "must be positive")
	}
	if c.MaxFrameBytes <= 0 {
		return NewConfigValidationError("session.max_frame_bytes", c.MaxFrameBytes, "must be positive")
	}
	return nil
}

// Validate performs validation of admission throttling
func (c *AdmissionConfig) Validate() error {
	if c.RatePerSecond < 0 {
		return NewConfigValidationError("admission.rate_per_second", c.RatePerSecond, "must not be negative")
	}
	if c.Burst < 0 {
		return NewConfigValidationError("admission.burst", c.Burst, "must not be negative")
	}
	return nil
}

// Validate performs validation of metrics configuration
func (c *MetricsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !strings.HasPrefix(c.Path, "/") {
		return NewConfigValidationError("metrics.path", c.Path, "must start with '/'")
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	// Set default log level if not provided
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	if _, err := logging.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
	c.Level = strings.TrimSpace(strings.ToLower(c.Level))
	return nil
}

// Validate performs validation of the entire agent configuration
func (c *AgentConfig) Validate() error {
	u, err := url.Parse(c.Broker)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return NewConfigValidationError("broker", c.Broker, "must be a ws:// or wss:// URL").
			WithSuggestion("Example: ws://127.0.0.1:8081/")
	}
	if strings.TrimSpace(c.CertFile) == "" {
		return NewConfigMissingError("cert_file").
			WithSuggestion("Issue an agent certificate with polis-cert and pass its path")
	}
	if strings.TrimSpace(c.DialHost) == "" {
		return NewConfigMissingError("dial_host")
	}
	if c.DialTimeout <= 0 {
		return NewConfigValidationError("dial_timeout", c.DialTimeout, "must be positive")
	}
	if c.RegisterTimeout <= 0 {
		return NewConfigValidationError("register_timeout", c.RegisterTimeout, "must be positive")
	}
	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("reconnect configuration: %w", err)
	}

	listeners := make(map[string]bool, len(c.Forwards))
	for i, fwd := range c.Forwards {
		if err := fwd.Validate(); err != nil {
			return fmt.Errorf("forward %d: %w", i, err)
		}
		if listeners[fwd.Listen] {
			return fmt.Errorf("duplicate forward listen address %q", fwd.Listen)
		}
		listeners[fwd.Listen] = true
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of reconnect backoff bounds
func (c *ReconnectConfig) Validate() error {
	if c.Min <= 0 {
		return NewConfigValidationError("reconnect.min", c.Min, "must be positive")
	}
	if c.Max < c.Min {
		return NewConfigValidationError("reconnect.max", c.Max, "must not be less than reconnect.min")
	}
	if c.Factor < 1 {
		return NewConfigValidationError("reconnect.factor", c.Factor, "must be at least 1")
	}
	return nil
}

// Validate performs validation of a single forward
func (c *ForwardConfig) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return NewConfigMissingError("listen")
	}
	if strings.TrimSpace(c.Target) == "" {
		return NewConfigMissingError("target")
	}
	if strings.Contains(c.Target, ":") {
		return NewConfigValidationError("target", c.Target, "agent identity must not contain ':'")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return NewConfigValidationError("port", c.Port, "must be between 1 and 65535")
	}
	return nil
}
