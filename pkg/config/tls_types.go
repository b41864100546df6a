package config

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// TLSVersion represents supported TLS protocol versions
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

// ParseTLSVersion converts a string to a TLSVersion with validation. Versions
// below 1.2 are refused.
func ParseTLSVersion(version string) (TLSVersion, error) {
	if version == "" {
		return TLSVersion12, nil
	}

	normalized := strings.TrimSpace(version)
	switch TLSVersion(normalized) {
	case TLSVersion12, TLSVersion13:
		return TLSVersion(normalized), nil
	default:
		return "", fmt.Errorf("unsupported TLS version %q", version)
	}
}

// Uint16 returns the crypto/tls constant for v.
func (v TLSVersion) Uint16() uint16 {
	if v == TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// TLSConfig configures the broker's TLS listener. Agent admission does not
// depend on it; agents authenticate with the Register certificate.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	CertFile   string `yaml:"cert_file" toml:"cert_file"`
	KeyFile    string `yaml:"key_file" toml:"key_file"`
	MinVersion string `yaml:"min_version,omitempty" toml:"min_version"`
}

// Validate performs validation of the listener TLS settings.
func (c *TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if strings.TrimSpace(c.CertFile) == "" {
		return NewConfigMissingError("tls.cert_file").
			WithSuggestion("Provide a path to a PEM certificate for the broker listener")
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return NewConfigMissingError("tls.key_file").
			WithSuggestion("Provide a path to the PEM private key matching tls.cert_file")
	}
	if _, err := ParseTLSVersion(c.MinVersion); err != nil {
		return NewConfigValidationError("tls.min_version", c.MinVersion, err.Error()).
			WithSuggestion("Use 1.2 or 1.3")
	}
	return nil
}

// ClientTLSConfig configures how the agent trusts a wss:// broker.
type ClientTLSConfig struct {
	CAFile             string `yaml:"ca_file,omitempty" toml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
}
