package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format identifies a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf picks the file syntax from its extension. Files without a known
// extension are read as YAML.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	default:
		return FormatYAML
	}
}

func decodeFile(path string, out interface{}) error {
	//nolint:gosec // Config file path is controlled by admin/operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := Decode(data, FormatOf(path), out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Decode overlays data onto out. Keys that do not map to a field are errors.
func Decode(data []byte, format Format, out interface{}) error {
	switch format {
	case FormatTOML:
		md, err := toml.Decode(string(data), out)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			return fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
		}
		return nil
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q", format)
	}
}

const (
	brokerEnvPrefix = "POLIS_BROKER_"
	agentEnvPrefix  = "POLIS_AGENT_"
)

func applyBrokerEnv(cfg *BrokerConfig) error {
	env := envReader{prefix: brokerEnvPrefix}

	env.str("LISTEN", &cfg.Listen)
	env.str("CA_FILE", &cfg.CAFile)
	env.list("ALLOWED_ALGORITHMS", &cfg.AllowedAlgorithms)
	env.boolean("NOTIFY_ROUTING_MISS", &cfg.NotifyRoutingMiss)
	env.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	env.str("SHUTDOWN_MODE", &cfg.ShutdownMode)

	env.boolean("TLS_ENABLED", &cfg.TLS.Enabled)
	env.str("TLS_CERT_FILE", &cfg.TLS.CertFile)
	env.str("TLS_KEY_FILE", &cfg.TLS.KeyFile)
	env.str("TLS_MIN_VERSION", &cfg.TLS.MinVersion)

	env.integer("QUEUE_SIZE", &cfg.Session.QueueSize)
	env.duration("REGISTER_TIMEOUT", &cfg.Session.RegisterTimeout)
	env.duration("PING_INTERVAL", &cfg.Session.PingInterval)
	env.duration("WRITE_TIMEOUT", &cfg.Session.WriteTimeout)

	env.float("ADMISSION_RATE", &cfg.Admission.RatePerSecond)
	env.integer("ADMISSION_BURST", &cfg.Admission.Burst)

	env.boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	env.str("METRICS_PATH", &cfg.Metrics.Path)

	applyTelemetryEnv(&env, &cfg.Telemetry)
	applyLoggingEnv(&env, &cfg.Logging)
	return env.err()
}

func applyAgentEnv(cfg *AgentConfig) error {
	env := envReader{prefix: agentEnvPrefix}

	env.str("BROKER", &cfg.Broker)
	// KEYFILE is the historical name for the Register certificate path.
	env.str("KEYFILE", &cfg.CertFile)
	env.str("CERT_FILE", &cfg.CertFile)
	env.str("DIAL_HOST", &cfg.DialHost)
	env.duration("DIAL_TIMEOUT", &cfg.DialTimeout)
	env.duration("REGISTER_TIMEOUT", &cfg.RegisterTimeout)
	env.duration("RECONNECT_MIN", &cfg.Reconnect.Min)
	env.duration("RECONNECT_MAX", &cfg.Reconnect.Max)

	env.str("CA_FILE", &cfg.TLS.CAFile)
	env.boolean("INSECURE_SKIP_VERIFY", &cfg.TLS.InsecureSkipVerify)

	applyTelemetryEnv(&env, &cfg.Telemetry)
	applyLoggingEnv(&env, &cfg.Logging)
	return env.err()
}

func applyTelemetryEnv(env *envReader, cfg *TelemetryConfig) {
	env.str("OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	env.boolean("OTLP_INSECURE", &cfg.Insecure)
}

func applyLoggingEnv(env *envReader, cfg *LoggingConfig) {
	env.str("LOG_LEVEL", &cfg.Level)
	env.boolean("LOG_PRETTY", &cfg.Pretty)
}

// envReader applies prefixed environment variables and collects parse
// failures.
type envReader struct {
	prefix string
	errs   []error
}

func (e *envReader) lookup(name string) (string, bool) {
	val, ok := os.LookupEnv(e.prefix + name)
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return strings.TrimSpace(val), true
}

func (e *envReader) str(name string, dst *string) {
	if val, ok := e.lookup(name); ok {
		*dst = val
	}
}

func (e *envReader) list(name string, dst *[]string) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) boolean(name string, dst *bool) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", e.prefix, name, err))
		return
	}
	*dst = parsed
}

func (e *envReader) integer(name string, dst *int) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", e.prefix, name, err))
		return
	}
	*dst = parsed
}

func (e *envReader) float(name string, dst *float64) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", e.prefix, name, err))
		return
	}
	*dst = parsed
}

func (e *envReader) duration(name string, dst *time.Duration) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", e.prefix, name, err))
		return
	}
	*dst = parsed
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}
